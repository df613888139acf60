package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/pdvsync/internal/config"
	"github.com/agentworkforce/pdvsync/internal/delivery"
	"github.com/agentworkforce/pdvsync/internal/doctor"
	"github.com/agentworkforce/pdvsync/internal/envelope"
	"github.com/agentworkforce/pdvsync/internal/extract"
	"github.com/agentworkforce/pdvsync/internal/httpapi"
	"github.com/agentworkforce/pdvsync/internal/lockfile"
	"github.com/agentworkforce/pdvsync/internal/logging"
	"github.com/agentworkforce/pdvsync/internal/outbox"
	"github.com/agentworkforce/pdvsync/internal/syncer"
	"github.com/agentworkforce/pdvsync/internal/watermark"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cycleTimeout bounds one cycle. Shutdown signals do not interrupt a cycle
// in progress.
const cycleTimeout = 10 * time.Minute

func main() {
	configPath := flag.String("config", envOrDefault("PDVSYNC_CONFIG", config.DefaultPath), "path to the .env configuration file")
	loop := flag.Bool("loop", false, "keep running, one cycle every SYNC_INTERVAL")
	runDoctor := flag.Bool("doctor", false, "check configuration, database and endpoint, then exit")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pdvsync-agent %s\n", version)
		return
	}
	os.Exit(run(*configPath, *loop, *runDoctor))
}

func run(configPath string, loop, runDoctor bool) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[FAIL] config       %v\n", err)
		return 1
	}
	logger, err := logging.New(cfg.Logging())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		return 1
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runDoctor {
		report := doctor.Run(rootCtx, doctor.Options{Config: cfg, Logger: logger.Logger})
		report.Write(os.Stdout)
		if !report.OK() {
			return 1
		}
		return 0
	}

	lock, err := lockfile.Acquire(cfg.LockPath())
	if err != nil {
		logger.Error("another agent is using the data directory", "lock", cfg.LockPath(), "error", err)
		return 1
	}
	defer lock.Release()
	logger.Debug("instance lock acquired", "path", lock.Path())

	a, err := newAgent(rootCtx, cfg, logger.Logger)
	if err != nil {
		logger.Error("failed to initialize agent", "error", err)
		return 1
	}
	defer a.close()

	logger.Info("pdvsync agent starting",
		"version", version,
		"store_id", cfg.StoreID,
		"endpoint", cfg.APIEndpoint,
		"loop", loop,
	)

	cycle := func() error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(rootCtx), cycleTimeout)
		defer cancel()
		_, err := a.syncer.SyncOnce(ctx)
		return err
	}

	if !loop {
		if err := cycle(); err != nil {
			return 1
		}
		return 0
	}

	if cfg.MetricsAddr != "" {
		server := &http.Server{
			Addr: cfg.MetricsAddr,
			Handler: httpapi.NewServer(a.outbox, a.syncer, httpapi.ServerConfig{
				AdminToken:   cfg.AdminToken,
				RateLimitMax: 60,
				Logger:       logger.Logger,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("operator api listening", "addr", cfg.MetricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("operator api failed", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		}()
	}

	err = config.Watch(configPath, func(next *config.Config) {
		if current := logger.Level(); logging.ParseLevel(next.LogLevel) != current {
			logger.Info("log level changed", "from", current.String(), "to", next.LogLevel)
			logger.SetLevel(next.LogLevel)
		}
	}, func(err error) {
		logger.Warn("ignoring invalid configuration change", "error", err)
	})
	if err != nil {
		logger.Debug("config file not watched", "path", configPath, "error", err)
	}

	interval := cfg.Interval()
	jitter := clampJitterRatio(cfg.SyncIntervalJitter)
	_ = cycle()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("pdvsync agent stopping", "reason", rootCtx.Err())
			return 0
		case <-timer.C:
			_ = cycle()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

type agent struct {
	syncer  *syncer.Syncer
	outbox  outbox.Store
	closers []func() error
}

func newAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*agent, error) {
	a := &agent{}
	fail := func(err error) (*agent, error) {
		a.close()
		return nil, err
	}

	marks, err := watermark.BuildStoreFromDSN(cfg.StateDSN)
	if err != nil {
		return fail(fmt.Errorf("watermark store: %w", err))
	}
	if closer, ok := marks.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}
	windows, err := watermark.NewWindowCalculator(marks, watermark.Options{
		DefaultLookback: cfg.WindowLookback(),
		Logger:          logger,
	})
	if err != nil {
		return fail(err)
	}

	conn := cfg.Conn()
	db, err := extract.Open(ctx, conn)
	if err != nil {
		if hint := extract.Hint(err, conn); hint != "" {
			logger.Error("sql server unavailable", "server", conn.Server(), "hint", hint)
		}
		return fail(err)
	}
	a.closers = append(a.closers, db.Close)
	extractor := extract.NewSQLServerExtractor(extract.DBQuerier{DB: db}, cfg.StoreID, logger)

	validator, err := envelope.NewValidator()
	if err != nil {
		return fail(err)
	}
	builder, err := envelope.NewBuilder(envelope.BuilderOptions{
		Metadata: envelope.Metadata{
			StoreID:       cfg.StoreID,
			StoreAlias:    cfg.StoreAlias,
			AgentVersion:  version,
			WindowMinutes: cfg.SyncWindowMinutes,
		},
		Validator: validator,
	})
	if err != nil {
		return fail(err)
	}

	transport, err := delivery.NewTransport(delivery.Options{
		Endpoint:     cfg.APIEndpoint,
		Token:        cfg.APIToken,
		Timeout:      cfg.RequestTimeout(),
		AgentVersion: version,
		Retry:        cfg.DeliveryPolicy(),
		Logger:       logger,
	})
	if err != nil {
		return fail(err)
	}

	box, err := outbox.BuildFromDSN(cfg.OutboxDSN, outbox.Options{
		TTL:        cfg.TTL(),
		MaxRetries: cfg.OutboxMaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return fail(fmt.Errorf("outbox: %w", err))
	}
	a.outbox = box
	a.closers = append(a.closers, box.Close)

	s, err := syncer.NewSyncer(syncer.Options{
		Windows:          windows,
		Extractor:        extractor,
		Builder:          builder,
		Sender:           transport,
		Outbox:           box,
		OutboxMaxRetries: cfg.OutboxMaxRetries,
		Logger:           logger,
	})
	if err != nil {
		return fail(err)
	}
	a.syncer = s
	return a, nil
}

func (a *agent) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by ±jitterRatio; sample in [0, 1]
// picks the point inside that range.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
