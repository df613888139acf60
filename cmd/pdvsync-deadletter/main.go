package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	json "github.com/goccy/go-json"

	"github.com/agentworkforce/pdvsync/internal/config"
	"github.com/agentworkforce/pdvsync/internal/delivery"
	"github.com/agentworkforce/pdvsync/internal/metrics"
	"github.com/agentworkforce/pdvsync/internal/outbox"
)

var version = "dev"

const usage = `usage: pdvsync-deadletter [--config path] <command>

commands:
  list [--reason r]   list dead letters, oldest first
  show <handle>       print one dead letter with its payload
  replay <handle>     send the stored payload again; the dead letter is kept
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "pdvsync-deadletter: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("pdvsync-deadletter", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", envOrDefault("PDVSYNC_CONFIG", config.DefaultPath), "path to the .env configuration file")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	store, err := outbox.BuildFromDSN(cfg.OutboxDSN, outbox.Options{TTL: cfg.TTL(), MaxRetries: cfg.OutboxMaxRetries})
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer store.Close()
	dead := store.DeadLetters()

	switch rest[0] {
	case "list":
		listFlags := flag.NewFlagSet("list", flag.ContinueOnError)
		listFlags.SetOutput(io.Discard)
		reason := listFlags.String("reason", "", "only show dead letters with this reason")
		if err := listFlags.Parse(rest[1:]); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		return list(ctx, dead, strings.TrimSpace(*reason), stdout)
	case "show":
		if len(rest) != 2 {
			return errUsage
		}
		return show(ctx, dead, outbox.Handle(rest[1]), stdout)
	case "replay":
		if len(rest) != 2 {
			return errUsage
		}
		transport, err := delivery.NewTransport(delivery.Options{
			Endpoint:     cfg.APIEndpoint,
			Token:        cfg.APIToken,
			Timeout:      cfg.RequestTimeout(),
			AgentVersion: version,
			Retry:        cfg.DeliveryPolicy(),
		})
		if err != nil {
			return err
		}
		return replay(ctx, dead, transport, outbox.Handle(rest[1]), stdout)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, rest[0])
	}
}

func list(ctx context.Context, dead outbox.DeadLetterStore, reason string, stdout io.Writer) error {
	letters, err := dead.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HANDLE\tREASON\tSTATUS\tRETRIES\tDEAD AT\tSYNC ID")
	shown := 0
	for _, letter := range letters {
		if reason != "" && letter.Reason != reason {
			continue
		}
		status := "-"
		if letter.StatusCode != 0 {
			status = fmt.Sprint(letter.StatusCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			letter.Handle, letter.Reason, status, letter.RetryCount,
			letter.DeadAt.Format(time.RFC3339), shortKey(letter.Key))
		shown++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%d dead letter(s)\n", shown)
	return nil
}

func show(ctx context.Context, dead outbox.DeadLetterStore, h outbox.Handle, stdout io.Writer) error {
	letter, err := dead.Load(ctx, h)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "handle:      %s\n", letter.Handle)
	fmt.Fprintf(stdout, "sync_id:     %s\n", letter.Key)
	fmt.Fprintf(stdout, "reason:      %s\n", letter.Reason)
	if letter.StatusCode != 0 {
		fmt.Fprintf(stdout, "status_code: %d\n", letter.StatusCode)
	}
	fmt.Fprintf(stdout, "retry_count: %d\n", letter.RetryCount)
	fmt.Fprintf(stdout, "dead_at:     %s\n", letter.DeadAt.Format(time.RFC3339))

	var doc any
	if err := json.Unmarshal(letter.Body, &doc); err != nil {
		fmt.Fprintf(stdout, "payload (raw):\n%s\n", letter.Body)
		return nil
	}
	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "payload:\n%s\n", pretty)
	return nil
}

type rawSender interface {
	SendRaw(ctx context.Context, key string, body []byte) delivery.Outcome
}

// replay sends the stored bytes with the stored key, so the collector can
// deduplicate against an earlier partial delivery.
func replay(ctx context.Context, dead outbox.DeadLetterStore, sender rawSender, h outbox.Handle, stdout io.Writer) error {
	letter, err := dead.Load(ctx, h)
	if err != nil {
		return err
	}
	outcome := sender.SendRaw(ctx, letter.Key, letter.Body)
	metrics.DeliveriesTotal.WithLabelValues("replay", outcome.Kind.String()).Inc()
	fmt.Fprintf(stdout, "%s: %s (status %d, %d attempt(s))\n", letter.Handle, outcome.Kind, outcome.StatusCode, outcome.Attempts)
	if outcome.Kind != delivery.Delivered {
		return fmt.Errorf("replay of %s failed: %w", letter.Handle, outcome.Err)
	}
	return nil
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
