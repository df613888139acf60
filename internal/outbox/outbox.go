// Package outbox persists envelopes that could not be delivered and the dead
// letters that will never be retried automatically.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agentworkforce/pdvsync/internal/retry"
)

var (
	ErrStorage        = errors.New("outbox storage error")
	ErrNotFound       = errors.New("outbox record not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const (
	ReasonExpired       = "expired"
	ReasonMaxRetries    = "max_retries_exceeded"
	ReasonNonRetryable  = "non_retryable_response"
	DefaultTTL          = 7 * 24 * time.Hour
	DefaultMaxRetries   = 50
	deadLetterDirectory = "dead_letter"
)

// Handle identifies one persisted record inside its store.
type Handle string

type Record struct {
	Handle      Handle
	Key         string
	Body        []byte
	RetryCount  int
	CreatedAt   time.Time
	LastRetryAt *time.Time
}

type DeadLetter struct {
	Handle     Handle
	Key        string
	Body       []byte
	Reason     string
	StatusCode int
	RetryCount int
	DeadAt     time.Time
}

// Store is the durable queue of envelopes awaiting redelivery. Every
// storage failure is returned wrapped in ErrStorage.
type Store interface {
	Save(ctx context.Context, key string, body []byte) (Handle, error)
	// ListPending returns deliverable handles oldest first. Records past the
	// TTL or already at the retry ceiling are moved to the dead letter
	// store during the scan. Only the sync worker may call it.
	ListPending(ctx context.Context) ([]Handle, error)
	// List returns every record oldest first without changing the store.
	// Inspection paths use it instead of ListPending.
	List(ctx context.Context) ([]Record, error)
	Load(ctx context.Context, h Handle) (Record, error)
	IncrementRetry(ctx context.Context, h Handle) (int, error)
	Remove(ctx context.Context, h Handle) error
	MoveToDeadLetter(ctx context.Context, h Handle, reason string, statusCode int) error
	DeadLetters() DeadLetterStore
	Close() error
}

// DeadLetterStore is append-only. Nothing in the pipeline reads it back.
type DeadLetterStore interface {
	Save(ctx context.Context, key string, body []byte, reason string, statusCode int) (Handle, error)
	List(ctx context.Context) ([]DeadLetter, error)
	Load(ctx context.Context, h Handle) (DeadLetter, error)
}

type Options struct {
	TTL        time.Duration
	MaxRetries int
	Now        func() time.Time
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// expiryReason returns the dead letter reason for a record that must leave
// the outbox at now, or "" when it is still deliverable.
func (o Options) expiryReason(retryCount int, createdAt, now time.Time) string {
	if now.Sub(createdAt) > o.TTL {
		return ReasonExpired
	}
	if retry.Outbox(o.MaxRetries).Exhausted(retryCount) {
		return ReasonMaxRetries
	}
	return ""
}
