package outbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/agentworkforce/pdvsync/internal/fsutil"
	"github.com/agentworkforce/pdvsync/internal/pdv"
)

const fileNameLayout = "20060102_150405"

type fileRecord struct {
	RetryCount  int             `json:"_retry_count"`
	CreatedAt   time.Time       `json:"_created_at"`
	LastRetryAt *time.Time      `json:"_last_retry_at"`
	SyncID      string          `json:"_sync_id"`
	Payload     json.RawMessage `json:"payload"`
}

type fileDeadLetter struct {
	Reason     string          `json:"_reason"`
	StatusCode *int            `json:"_status_code"`
	DeadAt     time.Time       `json:"_dead_at"`
	RetryCount int             `json:"_retry_count"`
	SyncID     string          `json:"_sync_id"`
	Payload    json.RawMessage `json:"payload"`
}

// FileStore keeps one JSON document per envelope under dir. Dead letters
// live in a dead_letter directory next to dir.
type FileStore struct {
	dir  string
	opts Options
	dead *FileDeadLetterStore
	mu   sync.Mutex
}

func NewFileStore(dir string, opts Options) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	opts = opts.withDefaults()
	dead := &FileDeadLetterStore{dir: filepath.Join(filepath.Dir(filepath.Clean(dir)), deadLetterDirectory), now: opts.Now}
	for _, d := range []string{dir, dead.dir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", ErrStorage, d, err)
		}
	}
	return &FileStore{dir: dir, opts: opts, dead: dead}, nil
}

func (s *FileStore) DeadLetters() DeadLetterStore { return s.dead }

func (s *FileStore) Close() error { return nil }

func (s *FileStore) Save(_ context.Context, key string, body []byte) (Handle, error) {
	if key == "" || len(body) == 0 {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now().In(pdv.BRT)
	doc := fileRecord{CreatedAt: now, SyncID: key, Payload: json.RawMessage(body)}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%w: encode outbox record: %v", ErrStorage, err)
	}
	name := uniqueName(now, key, s.dir, s.dead.dir)
	if err := fsutil.WriteFileAtomic(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("%w: write outbox record: %v", ErrStorage, err)
	}
	s.opts.Logger.Warn("envelope saved to outbox", "idempotency_key", key, "handle", name)
	return Handle(name), nil
}

func (s *FileStore) ListPending(ctx context.Context) ([]Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read outbox dir: %v", ErrStorage, err)
	}
	now := s.opts.Now()
	var pending []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || fsutil.IsTempName(name) || filepath.Ext(name) != ".json" {
			continue
		}
		h := Handle(name)
		if s.dead.exists(name) {
			// A move was interrupted after the dead letter was written.
			if err := fsutil.RemoveIfExists(s.path(h)); err != nil {
				return nil, fmt.Errorf("%w: remove moved record: %v", ErrStorage, err)
			}
			continue
		}
		rec, err := s.loadLocked(h)
		if errors.Is(err, errCorrupt) {
			s.quarantine(h, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		if reason := s.opts.expiryReason(rec.RetryCount, rec.CreatedAt, now); reason != "" {
			if err := s.moveLocked(ctx, rec, reason, 0); err != nil {
				return nil, err
			}
			continue
		}
		pending = append(pending, rec)
	}
	sortRecords(pending)
	handles := make([]Handle, 0, len(pending))
	for _, rec := range pending {
		handles = append(handles, rec.Handle)
	}
	return handles, nil
}

func (s *FileStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read outbox dir: %v", ErrStorage, err)
	}
	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || fsutil.IsTempName(name) || filepath.Ext(name) != ".json" || s.dead.exists(name) {
			continue
		}
		rec, err := s.loadLocked(Handle(name))
		if errors.Is(err, errCorrupt) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sortRecords(records)
	return records, nil
}

func (s *FileStore) Load(_ context.Context, h Handle) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(h)
}

func (s *FileStore) IncrementRetry(_ context.Context, h Handle) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLocked(h)
	if err != nil {
		return 0, err
	}
	now := s.opts.Now().In(pdv.BRT)
	doc := fileRecord{
		RetryCount:  rec.RetryCount + 1,
		CreatedAt:   rec.CreatedAt,
		LastRetryAt: &now,
		SyncID:      rec.Key,
		Payload:     json.RawMessage(rec.Body),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("%w: encode outbox record: %v", ErrStorage, err)
	}
	if err := fsutil.WriteFileAtomic(s.path(h), data, 0o644); err != nil {
		return 0, fmt.Errorf("%w: write outbox record: %v", ErrStorage, err)
	}
	return doc.RetryCount, nil
}

func (s *FileStore) Remove(_ context.Context, h Handle) error {
	if !validName(string(h)) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fsutil.RemoveIfExists(s.path(h)); err != nil {
		return fmt.Errorf("%w: remove outbox record: %v", ErrStorage, err)
	}
	return nil
}

func (s *FileStore) MoveToDeadLetter(ctx context.Context, h Handle, reason string, statusCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.loadLocked(h)
	if err != nil {
		return err
	}
	return s.moveLocked(ctx, rec, reason, statusCode)
}

// moveLocked writes the dead letter under the same name before removing the
// outbox copy, so a crash in between leaves a duplicate that the next scan
// resolves instead of a lost record.
func (s *FileStore) moveLocked(_ context.Context, rec Record, reason string, statusCode int) error {
	if err := s.dead.write(string(rec.Handle), rec.Key, rec.Body, reason, statusCode, rec.RetryCount); err != nil {
		return err
	}
	if err := fsutil.RemoveIfExists(s.path(rec.Handle)); err != nil {
		return fmt.Errorf("%w: remove outbox record: %v", ErrStorage, err)
	}
	s.opts.Logger.Error("envelope moved to dead letter",
		"idempotency_key", rec.Key,
		"handle", string(rec.Handle),
		"reason", reason,
		"status", statusCode,
		"retry_count", rec.RetryCount,
	)
	return nil
}

var errCorrupt = errors.New("corrupt outbox record")

func (s *FileStore) loadLocked(h Handle) (Record, error) {
	if !validName(string(h)) {
		return Record{}, ErrInvalidInput
	}
	path := s.path(h)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: read outbox record: %v", ErrStorage, err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", errCorrupt, h, err)
	}
	if _, wrapped := probe["payload"]; !wrapped {
		return s.upgradeLegacy(h, path, data)
	}
	var doc fileRecord
	if err := json.Unmarshal(data, &doc); err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", errCorrupt, h, err)
	}
	return Record{
		Handle:      h,
		Key:         doc.SyncID,
		Body:        []byte(doc.Payload),
		RetryCount:  doc.RetryCount,
		CreatedAt:   doc.CreatedAt,
		LastRetryAt: doc.LastRetryAt,
	}, nil
}

// upgradeLegacy reads a bare envelope written before bookkeeping fields
// existed. It starts at zero retries, aged from the file mtime.
func (s *FileStore) upgradeLegacy(h Handle, path string, data []byte) (Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Record{}, fmt.Errorf("%w: stat outbox record: %v", ErrStorage, err)
	}
	var legacy struct {
		Integrity struct {
			SyncID string `json:"sync_id"`
		} `json:"integrity"`
	}
	_ = json.Unmarshal(data, &legacy)
	return Record{
		Handle:    h,
		Key:       legacy.Integrity.SyncID,
		Body:      bytes.TrimSpace(data),
		CreatedAt: info.ModTime().In(pdv.BRT),
	}, nil
}

func (s *FileStore) quarantine(h Handle, cause error) {
	path := s.path(h)
	if err := os.Rename(path, path+".corrupt"); err != nil {
		s.opts.Logger.Error("failed to quarantine outbox record", "handle", string(h), "error", err)
		return
	}
	s.opts.Logger.Error("corrupt outbox record quarantined", "handle", string(h), "error", cause)
}

func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].Handle < records[j].Handle
	})
}

func (s *FileStore) path(h Handle) string {
	return filepath.Join(s.dir, string(h))
}

// FileDeadLetterStore is the directory of dead letter documents.
type FileDeadLetterStore struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func (d *FileDeadLetterStore) Save(_ context.Context, key string, body []byte, reason string, statusCode int) (Handle, error) {
	if key == "" || len(body) == 0 {
		return "", ErrInvalidInput
	}
	name := uniqueName(d.now().In(pdv.BRT), key, d.dir)
	if err := d.write(name, key, body, reason, statusCode, 0); err != nil {
		return "", err
	}
	return Handle(name), nil
}

func (d *FileDeadLetterStore) List(ctx context.Context) ([]DeadLetter, error) {
	entries, err := os.ReadDir(d.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []DeadLetter{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read dead letter dir: %v", ErrStorage, err)
	}
	out := make([]DeadLetter, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || fsutil.IsTempName(name) || filepath.Ext(name) != ".json" {
			continue
		}
		letter, err := d.Load(ctx, Handle(name))
		if err != nil {
			return nil, err
		}
		out = append(out, letter)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DeadAt.Equal(out[j].DeadAt) {
			return out[i].DeadAt.Before(out[j].DeadAt)
		}
		return out[i].Handle < out[j].Handle
	})
	return out, nil
}

func (d *FileDeadLetterStore) Load(_ context.Context, h Handle) (DeadLetter, error) {
	if !validName(string(h)) {
		return DeadLetter{}, ErrInvalidInput
	}
	data, err := os.ReadFile(filepath.Join(d.dir, string(h)))
	if errors.Is(err, os.ErrNotExist) {
		return DeadLetter{}, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return DeadLetter{}, fmt.Errorf("%w: read dead letter: %v", ErrStorage, err)
	}
	var doc fileDeadLetter
	if err := json.Unmarshal(data, &doc); err != nil {
		return DeadLetter{}, fmt.Errorf("%w: decode dead letter %s: %v", ErrStorage, h, err)
	}
	letter := DeadLetter{
		Handle:     h,
		Key:        doc.SyncID,
		Body:       []byte(doc.Payload),
		Reason:     doc.Reason,
		RetryCount: doc.RetryCount,
		DeadAt:     doc.DeadAt,
	}
	if doc.StatusCode != nil {
		letter.StatusCode = *doc.StatusCode
	}
	return letter, nil
}

func (d *FileDeadLetterStore) write(name, key string, body []byte, reason string, statusCode, retryCount int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc := fileDeadLetter{
		Reason:     reason,
		DeadAt:     d.now().In(pdv.BRT),
		RetryCount: retryCount,
		SyncID:     key,
		Payload:    json.RawMessage(body),
	}
	if statusCode > 0 {
		doc.StatusCode = &statusCode
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: encode dead letter: %v", ErrStorage, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(d.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("%w: write dead letter: %v", ErrStorage, err)
	}
	return nil
}

func (d *FileDeadLetterStore) exists(name string) bool {
	_, err := os.Stat(filepath.Join(d.dir, name))
	return err == nil
}

// uniqueName returns <timestamp>_<key prefix>.json, suffixed when a file of
// that name already exists in any of dirs.
func uniqueName(at time.Time, key string, dirs ...string) string {
	prefix := key
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	base := at.Format(fileNameLayout) + "_" + prefix
	name := base + ".json"
	for i := 1; ; i++ {
		taken := false
		for _, dir := range dirs {
			if _, err := os.Stat(filepath.Join(dir, name)); !errors.Is(err, os.ErrNotExist) {
				taken = true
				break
			}
		}
		if !taken {
			return name
		}
		name = fmt.Sprintf("%s_%d.json", base, i)
	}
}

func validName(name string) bool {
	return name != "" && name == filepath.Base(name) && !strings.HasPrefix(name, ".")
}
