// Package httpapi serves the agent's operator surface: health, metrics and a
// read-only view of the outbox and dead letters.
package httpapi

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/agentworkforce/pdvsync/internal/metrics"
	"github.com/agentworkforce/pdvsync/internal/outbox"
	"github.com/agentworkforce/pdvsync/internal/syncer"
)

type ServerConfig struct {
	AdminToken      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	Logger          *slog.Logger
}

// StateReporter exposes the current cycle step.
type StateReporter interface {
	State() syncer.State
}

type Server struct {
	outbox      outbox.Store
	state       StateReporter
	cfg         ServerConfig
	metrics     http.Handler
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store outbox.Store, state StateReporter, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		outbox:      store,
		state:       state,
		cfg:         cfg,
		metrics:     metrics.Handler(),
		rateLimiter: limiter,
		logger:      logger,
	}
}

type outboxItem struct {
	Handle      string     `json:"handle"`
	SyncID      string     `json:"sync_id"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	Size        int        `json:"size_bytes"`
}

type deadLetterItem struct {
	Handle     string          `json:"handle"`
	SyncID     string          `json:"sync_id"`
	Reason     string          `json:"reason"`
	StatusCode int             `json:"status_code,omitempty"`
	RetryCount int             `json:"retry_count"`
	DeadAt     time.Time       `json:"dead_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || parts[1] != "admin" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	switch {
	case len(parts) == 3 && parts[2] == "status" && r.Method == http.MethodGet:
		route = "status"
	case len(parts) == 3 && parts[2] == "outbox" && r.Method == http.MethodGet:
		route = "outbox"
	case len(parts) == 3 && parts[2] == "dead-letters" && r.Method == http.MethodGet:
		route = "dead_letters"
	case len(parts) == 4 && parts[2] == "dead-letters" && r.Method == http.MethodGet:
		route = "dead_letter_item"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.AdminToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "status":
		s.handleStatus(w)
	case "outbox":
		s.handleOutbox(w, r, correlationID)
	case "dead_letters":
		s.handleDeadLetters(w, r, correlationID)
	case "dead_letter_item":
		s.handleDeadLetterItem(w, r, parts[3], correlationID)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	state := syncer.Idle
	if s.state != nil {
		state = s.state.State()
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": state.String()})
}

func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request, correlationID string) {
	records, err := s.outbox.List(r.Context())
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	items := make([]outboxItem, 0, len(records))
	for _, rec := range records {
		items = append(items, outboxItem{
			Handle:      string(rec.Handle),
			SyncID:      rec.Key,
			RetryCount:  rec.RetryCount,
			CreatedAt:   rec.CreatedAt,
			LastRetryAt: rec.LastRetryAt,
			Size:        len(rec.Body),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request, correlationID string) {
	letters, err := s.outbox.DeadLetters().List(r.Context())
	if err != nil {
		s.internalError(w, err, correlationID)
		return
	}
	reason := strings.TrimSpace(r.URL.Query().Get("reason"))
	items := make([]deadLetterItem, 0, len(letters))
	for _, letter := range letters {
		if reason != "" && letter.Reason != reason {
			continue
		}
		items = append(items, toDeadLetterItem(letter, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleDeadLetterItem(w http.ResponseWriter, r *http.Request, handle, correlationID string) {
	letter, err := s.outbox.DeadLetters().Load(r.Context(), outbox.Handle(handle))
	if err != nil {
		switch {
		case errors.Is(err, outbox.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		case errors.Is(err, outbox.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			s.internalError(w, err, correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, toDeadLetterItem(letter, true))
}

func (s *Server) internalError(w http.ResponseWriter, err error, correlationID string) {
	s.logger.Error("admin request failed", "correlation_id", correlationID, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
}

func toDeadLetterItem(letter outbox.DeadLetter, withPayload bool) deadLetterItem {
	item := deadLetterItem{
		Handle:     string(letter.Handle),
		SyncID:     letter.Key,
		Reason:     letter.Reason,
		StatusCode: letter.StatusCode,
		RetryCount: letter.RetryCount,
		DeadAt:     letter.DeadAt,
	}
	if withPayload && json.Valid(letter.Body) {
		item.Payload = json.RawMessage(letter.Body)
	}
	return item
}

// getCorrelationID returns the caller's X-Correlation-Id or a fresh one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[key]
	if !ok || !now.Before(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
