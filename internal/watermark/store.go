// Package watermark persists the "synced through" timestamp and derives the
// next extraction window from it.
package watermark

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/agentworkforce/pdvsync/internal/fsutil"
	"github.com/agentworkforce/pdvsync/internal/pdv"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	// ErrCorruptState is returned by Load when the persisted document cannot
	// be decoded. Callers treat it as "no watermark".
	ErrCorruptState = errors.New("corrupt watermark state")
)

// Store persists a single optional watermark.
type Store interface {
	Load(ctx context.Context) (time.Time, bool, error)
	Save(ctx context.Context, to time.Time) error
}

type stateDocument struct {
	LastSyncTo *string `json:"last_sync_to"`
}

// FileStore keeps the watermark in a single JSON document.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: strings.TrimSpace(path)}
}

func (s *FileStore) Load(_ context.Context) (time.Time, bool, error) {
	if s == nil || s.Path == "" {
		return time.Time{}, false, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if doc.LastSyncTo == nil || strings.TrimSpace(*doc.LastSyncTo) == "" {
		return time.Time{}, false, nil
	}
	ts, err := ParseTimestamp(*doc.LastSyncTo)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	return ts, true, nil
}

func (s *FileStore) Save(_ context.Context, to time.Time) error {
	if s == nil || s.Path == "" {
		return ErrInvalidInput
	}
	formatted := FormatTimestamp(to)
	data, err := json.Marshal(stateDocument{LastSyncTo: &formatted})
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.Path, data, 0o644)
}

type MemoryStore struct {
	mu  sync.Mutex
	to  time.Time
	set bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.to, s.set, nil
}

func (s *MemoryStore) Save(_ context.Context, to time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.to = to
	s.set = true
	return nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// ParseTimestamp accepts RFC 3339 values and, for documents written by older
// agents, timestamps without offset which are read as BRT.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.In(pdv.BRT), nil
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, raw, pdv.BRT); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func FormatTimestamp(ts time.Time) string {
	return ts.In(pdv.BRT).Format(time.RFC3339Nano)
}
