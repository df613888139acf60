// Package doctor runs the environment checks behind `pdvsync-agent --doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/agentworkforce/pdvsync/internal/config"
	"github.com/agentworkforce/pdvsync/internal/extract"
	"github.com/agentworkforce/pdvsync/internal/fsutil"
	"github.com/agentworkforce/pdvsync/internal/outbox"
)

type Check struct {
	Name   string
	OK     bool
	Detail string
	// Hint is a suggested fix shown for failed checks.
	Hint string
}

type Report struct {
	Checks []Check
}

// OK is true when every check passed.
func (r Report) OK() bool {
	for _, c := range r.Checks {
		if !c.OK {
			return false
		}
	}
	return true
}

func (r Report) Write(w io.Writer) {
	for _, c := range r.Checks {
		mark := "OK  "
		if !c.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "[%s] %-12s %s\n", mark, c.Name, c.Detail)
		if !c.OK && c.Hint != "" {
			fmt.Fprintf(w, "       hint: %s\n", c.Hint)
		}
	}
	if r.OK() {
		fmt.Fprintln(w, "all checks passed")
	} else {
		fmt.Fprintln(w, "some checks failed")
	}
}

// SQLProbe connects to the PDV database and returns its version banner.
type SQLProbe func(ctx context.Context, cfg extract.ConnConfig) (string, error)

type Options struct {
	Config  *config.Config
	Timeout time.Duration
	// SQL replaces the default SQL Server probe, mostly for tests.
	SQL    SQLProbe
	Logger *slog.Logger
}

func Run(ctx context.Context, opts Options) Report {
	cfg := opts.Config
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	probe := opts.SQL
	if probe == nil {
		probe = probeSQLServer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var report Report
	add := func(c Check) {
		report.Checks = append(report.Checks, c)
		if c.OK {
			logger.Debug("doctor check passed", "check", c.Name, "detail", c.Detail)
		} else {
			logger.Warn("doctor check failed", "check", c.Name, "detail", c.Detail)
		}
	}

	add(Check{
		Name:   "config",
		OK:     true,
		Detail: fmt.Sprintf("store %d (%s), window %dm", cfg.StoreID, cfg.StoreAlias, cfg.SyncWindowMinutes),
	})
	add(checkDataDir(cfg.DataDir))
	add(checkSQL(ctx, probe, cfg.Conn(), timeout))
	add(checkEndpoint(ctx, cfg.APIEndpoint, timeout))
	add(checkOutbox(ctx, cfg))
	return report
}

func checkDataDir(dir string) Check {
	check := Check{Name: "data_dir", Detail: dir}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		check.Detail = err.Error()
		check.Hint = "create DATA_DIR or point it to a writable location"
		return check
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := fsutil.WriteFileAtomic(probe, []byte("ok"), 0o644); err != nil {
		check.Detail = err.Error()
		check.Hint = "the agent user needs write access to DATA_DIR"
		return check
	}
	_ = fsutil.RemoveIfExists(probe)
	check.OK = true
	return check
}

func checkSQL(ctx context.Context, probe SQLProbe, conn extract.ConnConfig, timeout time.Duration) Check {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	check := Check{Name: "sql_server"}
	version, err := probe(ctx, conn)
	if err != nil {
		check.Detail = fmt.Sprintf("%s: %v", conn.Server(), err)
		check.Hint = extract.Hint(err, conn)
		return check
	}
	check.OK = true
	check.Detail = fmt.Sprintf("%s/%s: %s", conn.Server(), conn.Database, version)
	return check
}

func probeSQLServer(ctx context.Context, conn extract.ConnConfig) (string, error) {
	db, err := extract.Open(ctx, conn)
	if err != nil {
		return "", err
	}
	defer db.Close()
	return extract.NewSQLServerExtractor(extract.DBQuerier{DB: db}, 0, nil).ServerVersion(ctx)
}

// checkEndpoint treats any HTTP response as reachable; only transport errors
// fail the check.
func checkEndpoint(ctx context.Context, endpoint string, timeout time.Duration) Check {
	check := Check{Name: "endpoint"}
	client := resty.New().SetTimeout(timeout)
	resp, err := client.R().SetContext(ctx).Head(endpoint)
	if err != nil {
		check.Detail = err.Error()
		check.Hint = "check network access and the API_ENDPOINT host"
		return check
	}
	check.OK = true
	check.Detail = fmt.Sprintf("%s answered %d", endpoint, resp.StatusCode())
	return check
}

func checkOutbox(ctx context.Context, cfg *config.Config) Check {
	check := Check{Name: "outbox"}
	store, err := outbox.BuildFromDSN(cfg.OutboxDSN, outbox.Options{TTL: cfg.TTL(), MaxRetries: cfg.OutboxMaxRetries})
	if err != nil {
		check.Detail = err.Error()
		if errors.Is(err, outbox.ErrNotImplemented) {
			check.Hint = "use a file path or postgres:// OUTBOX_DSN"
		}
		return check
	}
	defer store.Close()
	pending, err := store.List(ctx)
	if err != nil {
		check.Detail = err.Error()
		return check
	}
	dead, err := store.DeadLetters().List(ctx)
	if err != nil {
		check.Detail = err.Error()
		return check
	}
	check.OK = true
	check.Detail = fmt.Sprintf("%d pending, %d dead letters (%s)", len(pending), len(dead), redact(cfg.OutboxDSN))
	return check
}

// redact hides the password of a DSN.
func redact(dsn string) string {
	at := strings.Index(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		return dsn[:scheme+3] + creds[:i] + ":***" + dsn[at:]
	}
	return dsn
}
