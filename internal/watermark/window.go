package watermark

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agentworkforce/pdvsync/internal/pdv"
)

// Window is the half-open extraction interval [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// Minutes is the rounded length of the window.
func (w Window) Minutes() int {
	return int(w.To.Sub(w.From).Round(time.Minute) / time.Minute)
}

type Options struct {
	// DefaultLookback is used when no watermark has been persisted yet.
	DefaultLookback time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

type WindowCalculator struct {
	store    Store
	lookback time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

func NewWindowCalculator(store Store, opts Options) (*WindowCalculator, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	lookback := opts.DefaultLookback
	if lookback <= 0 {
		lookback = 10 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WindowCalculator{
		store:    store,
		lookback: lookback,
		now:      now,
		logger:   logger,
	}, nil
}

// CalculateWindow derives the next window without side effects.
func (c *WindowCalculator) CalculateWindow(ctx context.Context) (Window, error) {
	to := c.now().In(pdv.BRT)
	from := to.Add(-c.lookback)

	last, ok, err := c.store.Load(ctx)
	switch {
	case errors.Is(err, ErrCorruptState):
		c.logger.Warn("invalid watermark state, starting fresh", "error", err)
	case err != nil:
		return Window{}, err
	case ok:
		from = last.In(pdv.BRT)
	}
	if from.After(to) {
		c.logger.Warn("watermark is ahead of the clock, clamping window", "watermark", from, "now", to)
		from = to
	}
	return Window{From: from, To: to}, nil
}

// MarkSuccess persists to as the new watermark.
func (c *WindowCalculator) MarkSuccess(ctx context.Context, to time.Time) error {
	if err := c.store.Save(ctx, to.In(pdv.BRT)); err != nil {
		return err
	}
	c.logger.Info("watermark advanced", "last_sync_to", FormatTimestamp(to))
	return nil
}
