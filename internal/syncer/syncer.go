// Package syncer drives one delivery cycle: drain the outbox, compute the
// window, extract, build the envelope, deliver and advance the watermark.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/pdvsync/internal/delivery"
	"github.com/agentworkforce/pdvsync/internal/envelope"
	"github.com/agentworkforce/pdvsync/internal/extract"
	"github.com/agentworkforce/pdvsync/internal/metrics"
	"github.com/agentworkforce/pdvsync/internal/outbox"
	"github.com/agentworkforce/pdvsync/internal/pdv"
	"github.com/agentworkforce/pdvsync/internal/retry"
	"github.com/agentworkforce/pdvsync/internal/watermark"
)

type State int32

const (
	Idle State = iota
	DrainingOutbox
	ComputingWindow
	Extracting
	BuildingEnvelope
	Delivering
	AdvancingWatermark
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case DrainingOutbox:
		return "draining_outbox"
	case ComputingWindow:
		return "computing_window"
	case Extracting:
		return "extracting"
	case BuildingEnvelope:
		return "building_envelope"
	case Delivering:
		return "delivering"
	case AdvancingWatermark:
		return "advancing_watermark"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Disposition is the terminal fate of the window processed by a cycle.
type Disposition string

const (
	Delivered    Disposition = "delivered"
	Queued       Disposition = "queued"
	DeadLettered Disposition = "dead_lettered"
	Skipped      Disposition = "skipped"
)

type Result struct {
	Window      watermark.Window
	Key         string
	Disposition Disposition
	// Drained counts outbox records delivered during the drain.
	Drained int
	// DrainErr is the storage error that stopped the drain, if any. It does
	// not fail the cycle.
	DrainErr error
}

type Windows interface {
	CalculateWindow(ctx context.Context) (watermark.Window, error)
	MarkSuccess(ctx context.Context, to time.Time) error
}

type Builder interface {
	Build(window watermark.Window, batch pdv.Batch) (*envelope.Envelope, error)
}

type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope) delivery.Outcome
	SendRaw(ctx context.Context, key string, body []byte) delivery.Outcome
}

type Options struct {
	Windows   Windows
	Extractor extract.Extractor
	Builder   Builder
	Sender    Sender
	Outbox    outbox.Store
	// OutboxMaxRetries is the retry ceiling applied after a failed drain
	// attempt. Defaults to outbox.DefaultMaxRetries.
	OutboxMaxRetries int
	Logger           *slog.Logger
}

// Syncer runs cycles one at a time. SyncOnce must not be called concurrently.
type Syncer struct {
	windows   Windows
	extractor extract.Extractor
	builder   Builder
	sender    Sender
	outbox    outbox.Store
	ceiling   retry.Policy
	logger    *slog.Logger
	state     atomic.Int32
}

func NewSyncer(opts Options) (*Syncer, error) {
	switch {
	case opts.Windows == nil:
		return nil, fmt.Errorf("window calculator is required")
	case opts.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case opts.Builder == nil:
		return nil, fmt.Errorf("envelope builder is required")
	case opts.Sender == nil:
		return nil, fmt.Errorf("sender is required")
	case opts.Outbox == nil:
		return nil, fmt.Errorf("outbox is required")
	}
	maxRetries := opts.OutboxMaxRetries
	if maxRetries <= 0 {
		maxRetries = outbox.DefaultMaxRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		windows:   opts.Windows,
		extractor: opts.Extractor,
		builder:   opts.Builder,
		sender:    opts.Sender,
		outbox:    opts.Outbox,
		ceiling:   retry.Outbox(maxRetries),
		logger:    logger,
	}, nil
}

// State is the step the current cycle is in, Idle between cycles.
func (s *Syncer) State() State {
	return State(s.state.Load())
}

func (s *Syncer) setState(state State) {
	s.state.Store(int32(state))
}

// SyncOnce runs one cycle. An error means the watermark was not advanced
// and the same window will be processed again by the next cycle.
func (s *Syncer) SyncOnce(ctx context.Context) (Result, error) {
	started := time.Now()
	defer s.setState(Idle)

	result, err := s.run(ctx)
	metrics.CycleDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("error").Inc()
		s.logger.Error("sync cycle failed",
			"state", s.State().String(),
			"window_from", result.Window.From,
			"window_to", result.Window.To,
			"error", err,
		)
		return result, err
	}
	metrics.CyclesTotal.WithLabelValues(string(result.Disposition)).Inc()
	return result, nil
}

func (s *Syncer) run(ctx context.Context) (Result, error) {
	var result Result

	s.setState(DrainingOutbox)
	result.Drained, result.DrainErr = s.drain(ctx)
	if result.DrainErr != nil {
		s.logger.Error("outbox drain stopped by storage error", "error", result.DrainErr)
	}

	s.setState(ComputingWindow)
	window, err := s.windows.CalculateWindow(ctx)
	if err != nil {
		return result, fmt.Errorf("compute window: %w", err)
	}
	result.Window = window

	s.setState(Extracting)
	batch, err := s.extractor.Extract(ctx, window)
	if err != nil {
		return result, fmt.Errorf("extract: %w", err)
	}

	s.setState(BuildingEnvelope)
	env, err := s.builder.Build(window, batch)
	if err != nil {
		return result, fmt.Errorf("build envelope: %w", err)
	}
	result.Key = env.Key()
	log := s.logger.With(
		"idempotency_key", env.Key(),
		"window_from", window.From,
		"window_to", window.To,
	)

	if !env.Actionable() {
		if err := s.advance(ctx, window); err != nil {
			return result, err
		}
		result.Disposition = Skipped
		log.Info("window skipped, nothing to deliver", "turnos", len(env.Turnos))
		return result, nil
	}

	s.setState(Delivering)
	outcome := s.sender.Send(ctx, env)
	observeDelivery("window", outcome)

	switch outcome.Kind {
	case delivery.Delivered:
		result.Disposition = Delivered
	case delivery.NonRetryableFailure:
		if _, err := s.outbox.DeadLetters().Save(ctx, env.Key(), env.Body(), outbox.ReasonNonRetryable, outcome.StatusCode); err != nil {
			return result, fmt.Errorf("dead letter envelope: %w", err)
		}
		metrics.DeadLettersTotal.WithLabelValues(outbox.ReasonNonRetryable).Inc()
		result.Disposition = DeadLettered
	default:
		if _, err := s.outbox.Save(ctx, env.Key(), env.Body()); err != nil {
			return result, fmt.Errorf("queue envelope: %w", err)
		}
		result.Disposition = Queued
	}

	if err := s.advance(ctx, window); err != nil {
		return result, err
	}
	log = log.With(
		"disposition", string(result.Disposition),
		"status_code", outcome.StatusCode,
		"attempts", outcome.Attempts,
		"ops", env.Ops.Count,
	)
	switch result.Disposition {
	case Delivered:
		log.Info("envelope delivered")
	case Queued:
		log.Warn("envelope queued for retry", "error", outcome.Err)
	case DeadLettered:
		log.Error("envelope rejected, moved to dead letter", "error", outcome.Err)
	}
	return result, nil
}

func (s *Syncer) advance(ctx context.Context, window watermark.Window) error {
	s.setState(AdvancingWatermark)
	if err := s.windows.MarkSuccess(ctx, window.To); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	metrics.WatermarkSeconds.Set(float64(window.To.Unix()))
	return nil
}

// drain redelivers pending outbox records oldest first. It stops at the
// first network failure or storage error.
func (s *Syncer) drain(ctx context.Context) (int, error) {
	handles, err := s.outbox.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	delivered := 0
	resolved := 0
	defer func() {
		metrics.OutboxDepth.Set(float64(len(handles) - resolved))
	}()

	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			return delivered, nil
		}
		record, err := s.outbox.Load(ctx, h)
		if errors.Is(err, outbox.ErrNotFound) {
			resolved++
			continue
		}
		if err != nil {
			return delivered, err
		}
		log := s.logger.With("idempotency_key", record.Key, "outbox_handle", string(h))

		outcome := s.sender.SendRaw(ctx, record.Key, record.Body)
		observeDelivery("outbox", outcome)

		switch outcome.Kind {
		case delivery.Delivered:
			if err := s.outbox.Remove(ctx, h); err != nil {
				return delivered, err
			}
			delivered++
			resolved++
			log.Info("outbox record delivered", "retry_count", record.RetryCount)

		case delivery.NonRetryableFailure:
			if err := s.outbox.MoveToDeadLetter(ctx, h, outbox.ReasonNonRetryable, outcome.StatusCode); err != nil {
				return delivered, err
			}
			metrics.DeadLettersTotal.WithLabelValues(outbox.ReasonNonRetryable).Inc()
			resolved++
			log.Error("outbox record rejected, moved to dead letter",
				"status_code", outcome.StatusCode, "error", outcome.Err)

		default:
			count, err := s.outbox.IncrementRetry(ctx, h)
			if err != nil {
				return delivered, err
			}
			if s.ceiling.Exhausted(count) {
				if err := s.outbox.MoveToDeadLetter(ctx, h, outbox.ReasonMaxRetries, outcome.StatusCode); err != nil {
					return delivered, err
				}
				metrics.DeadLettersTotal.WithLabelValues(outbox.ReasonMaxRetries).Inc()
				resolved++
				log.Error("outbox record reached retry ceiling, moved to dead letter", "retry_count", count)
			} else {
				log.Warn("outbox redelivery failed", "retry_count", count,
					"status_code", outcome.StatusCode, "error", outcome.Err)
			}
			if outcome.Network() {
				log.Warn("network unavailable, stopping outbox drain",
					"remaining", len(handles)-resolved)
				return delivered, nil
			}
		}
	}
	return delivered, nil
}

func observeDelivery(source string, outcome delivery.Outcome) {
	metrics.DeliveriesTotal.WithLabelValues(source, outcome.Kind.String()).Inc()
	if outcome.Attempts > 0 {
		metrics.DeliveryAttempts.Observe(float64(outcome.Attempts))
	}
}
