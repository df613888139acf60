// Package delivery posts envelopes to the collection endpoint and classifies
// the result.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/agentworkforce/pdvsync/internal/envelope"
	"github.com/agentworkforce/pdvsync/internal/retry"
)

var (
	ErrNetwork = errors.New("network error")
	ErrServer  = errors.New("server error")
	ErrClient  = errors.New("client error")
)

type Kind int

const (
	Delivered Kind = iota
	RetryableFailure
	NonRetryableFailure
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case RetryableFailure:
		return "retryable_failure"
	case NonRetryableFailure:
		return "non_retryable_failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is the classified result of one Send. StatusCode is zero when no
// response was received.
type Outcome struct {
	Kind       Kind
	StatusCode int
	Err        error
	Attempts   int
}

// Network reports whether the outcome is a transport-level failure with no
// HTTP response.
func (o Outcome) Network() bool {
	return o.Kind == RetryableFailure && errors.Is(o.Err, ErrNetwork)
}

// HTTPError describes a non-2xx response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	if IsNonRetryableStatus(e.StatusCode) {
		return target == ErrClient
	}
	return target == ErrServer
}

var nonRetryableStatuses = map[int]struct{}{
	http.StatusBadRequest:          {},
	http.StatusUnauthorized:        {},
	http.StatusForbidden:           {},
	http.StatusNotFound:            {},
	http.StatusConflict:            {},
	http.StatusUnprocessableEntity: {},
}

// IsNonRetryableStatus reports whether a response with status means the
// payload or the credentials are rejected, so resending cannot help.
func IsNonRetryableStatus(status int) bool {
	_, ok := nonRetryableStatuses[status]
	return ok
}

const maxErrorBody = 512

type Options struct {
	Endpoint     string
	Token        string
	Timeout      time.Duration
	AgentVersion string
	Retry        retry.Policy
	// HTTPClient replaces the underlying client, mostly for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Transport struct {
	endpoint  string
	token     string
	userAgent string
	policy    retry.Policy
	client    *resty.Client
	logger    *slog.Logger
}

func NewTransport(opts Options) (*Transport, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("delivery endpoint is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	version := opts.AgentVersion
	if version == "" {
		version = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var client *resty.Client
	if opts.HTTPClient != nil {
		client = resty.NewWithClient(opts.HTTPClient)
	} else {
		client = resty.New()
	}
	// Retries are driven by the policy below so that only network failures
	// are retried and every attempt gets its own request id.
	client.SetRetryCount(0)
	client.SetTimeout(timeout)
	return &Transport{
		endpoint:  endpoint,
		token:     opts.Token,
		userAgent: "pdvsync-agent/" + version,
		policy:    opts.Retry,
		client:    client,
		logger:    logger,
	}, nil
}

// Send delivers the serialized body of env.
func (t *Transport) Send(ctx context.Context, env *envelope.Envelope) Outcome {
	return t.SendRaw(ctx, env.Key(), env.Body())
}

// SendRaw delivers an already serialized envelope. It never returns an
// error; every failure is folded into the Outcome.
func (t *Transport) SendRaw(ctx context.Context, key string, body []byte) Outcome {
	bo := t.policy.NewBackOff()
	attempt := 0
	for {
		attempt++
		requestID := uuid.NewString()
		resp, err := t.client.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+t.token).
			SetHeader("Content-Type", "application/json").
			SetHeader("X-PDV-Schema-Version", envelope.SchemaVersion).
			SetHeader("X-Request-Id", requestID).
			SetHeader("Idempotency-Key", key).
			SetHeader("User-Agent", t.userAgent).
			SetBody(body).
			Post(t.endpoint)
		if err != nil {
			t.logger.Warn("delivery attempt failed",
				"idempotency_key", key,
				"request_id", requestID,
				"attempt", attempt,
				"error", err,
			)
			if ctx.Err() != nil || t.policy.Exhausted(attempt) {
				return Outcome{Kind: RetryableFailure, Err: fmt.Errorf("%w: %v", ErrNetwork, err), Attempts: attempt}
			}
			if waitErr := retry.Wait(ctx, bo.NextBackOff()); waitErr != nil {
				return Outcome{Kind: RetryableFailure, Err: fmt.Errorf("%w: %v", ErrNetwork, waitErr), Attempts: attempt}
			}
			continue
		}

		status := resp.StatusCode()
		logger := t.logger.With(
			"idempotency_key", key,
			"request_id", requestID,
			"attempt", attempt,
			"status", status,
		)
		if status >= 200 && status <= 299 {
			logger.Debug("delivery accepted")
			return Outcome{Kind: Delivered, StatusCode: status, Attempts: attempt}
		}
		httpErr := &HTTPError{StatusCode: status, Message: truncate(strings.TrimSpace(resp.String()), maxErrorBody)}
		if IsNonRetryableStatus(status) {
			logger.Warn("delivery rejected", "error", httpErr)
			return Outcome{Kind: NonRetryableFailure, StatusCode: status, Err: httpErr, Attempts: attempt}
		}
		logger.Warn("delivery failed", "error", httpErr)
		return Outcome{Kind: RetryableFailure, StatusCode: status, Err: httpErr, Attempts: attempt}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
