package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/pdvsync/internal/retry"
)

type recordedRequest struct {
	header http.Header
	body   string
}

type recorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (r *recorder) add(req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, recordedRequest{header: req.Header.Clone(), body: string(body)})
}

func (r *recorder) all() []recordedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedRequest(nil), r.requests...)
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2, RandomizationFactor: 0.1}
}

func newTestTransport(t *testing.T, url string) *Transport {
	t.Helper()
	transport, err := NewTransport(Options{
		Endpoint:     url,
		Token:        "secret",
		Timeout:      2 * time.Second,
		AgentVersion: "1.2.3",
		Retry:        fastPolicy(3),
	})
	require.NoError(t, err)
	return transport
}

func TestSendRawDeliveredOn2xx(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	outcome := newTestTransport(t, server.URL).SendRaw(context.Background(), "key-1", []byte(`{"a":1}`))
	assert.Equal(t, Delivered, outcome.Kind)
	assert.Equal(t, http.StatusCreated, outcome.StatusCode)
	assert.Equal(t, 1, outcome.Attempts)
	assert.NoError(t, outcome.Err)

	reqs := rec.all()
	require.Len(t, reqs, 1)
	h := reqs[0].header
	assert.Equal(t, "Bearer secret", h.Get("Authorization"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "2.0", h.Get("X-PDV-Schema-Version"))
	assert.Equal(t, "pdvsync-agent/1.2.3", h.Get("User-Agent"))
	assert.Len(t, h.Get("X-Request-Id"), 36)
	assert.Equal(t, "key-1", h.Get("Idempotency-Key"))
	assert.Equal(t, `{"a":1}`, reqs[0].body)
}

func TestSendRawClassifiesUnprocessableAsNonRetryable(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		http.Error(w, "campo invalido", http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	outcome := newTestTransport(t, server.URL).SendRaw(context.Background(), "key-1", []byte(`{}`))
	assert.Equal(t, NonRetryableFailure, outcome.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, outcome.StatusCode)
	assert.ErrorIs(t, outcome.Err, ErrClient)
	var httpErr *HTTPError
	require.True(t, errors.As(outcome.Err, &httpErr))
	assert.Contains(t, httpErr.Message, "campo invalido")
	assert.Len(t, rec.all(), 1)
}

func TestSendRawDoesNotRetryServerErrorsLocally(t *testing.T) {
	rec := &recorder{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	outcome := newTestTransport(t, server.URL).SendRaw(context.Background(), "key-1", []byte(`{}`))
	assert.Equal(t, RetryableFailure, outcome.Kind)
	assert.Equal(t, http.StatusServiceUnavailable, outcome.StatusCode)
	assert.ErrorIs(t, outcome.Err, ErrServer)
	assert.False(t, outcome.Network())
	assert.Len(t, rec.all(), 1)
}

func TestSendRawRetriesNetworkFailuresWithFreshRequestIDs(t *testing.T) {
	rec := &recorder{}
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.add(r)
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	outcome := newTestTransport(t, server.URL).SendRaw(context.Background(), "key-1", []byte(`{"a":1}`))
	assert.Equal(t, Delivered, outcome.Kind)
	assert.Equal(t, 3, outcome.Attempts)

	reqs := rec.all()
	require.Len(t, reqs, 3)
	seen := map[string]struct{}{}
	for _, req := range reqs {
		assert.Equal(t, `{"a":1}`, req.body)
		seen[req.header.Get("X-Request-Id")] = struct{}{}
	}
	assert.Len(t, seen, 3)
}

func TestSendRawReportsNetworkFailureAfterAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	outcome := newTestTransport(t, url).SendRaw(context.Background(), "key-1", []byte(`{}`))
	assert.Equal(t, RetryableFailure, outcome.Kind)
	assert.Equal(t, 0, outcome.StatusCode)
	assert.Equal(t, 3, outcome.Attempts)
	assert.True(t, outcome.Network())
	assert.ErrorIs(t, outcome.Err, ErrNetwork)
}

func TestSendRawCanceledContextIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome := newTestTransport(t, server.URL).SendRaw(ctx, "key-1", []byte(`{}`))
	assert.Equal(t, RetryableFailure, outcome.Kind)
	assert.Equal(t, 1, outcome.Attempts)
}

func TestNonRetryableStatusSet(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 409, 422} {
		assert.True(t, IsNonRetryableStatus(status), status)
	}
	for _, status := range []int{408, 429, 500, 502, 503, 504} {
		assert.False(t, IsNonRetryableStatus(status), status)
	}
}

func TestNewTransportRequiresEndpoint(t *testing.T) {
	_, err := NewTransport(Options{})
	assert.Error(t, err)
}
