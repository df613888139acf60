package outbox

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for tests and dry runs.
type MemoryStore struct {
	opts    Options
	mu      sync.Mutex
	seq     int
	records map[Handle]Record
	dead    *MemoryDeadLetterStore
}

func NewMemoryStore(opts Options) *MemoryStore {
	opts = opts.withDefaults()
	return &MemoryStore{
		opts:    opts,
		records: map[Handle]Record{},
		dead:    &MemoryDeadLetterStore{now: opts.Now, letters: map[Handle]DeadLetter{}},
	}
}

func (s *MemoryStore) DeadLetters() DeadLetterStore { return s.dead }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Save(_ context.Context, key string, body []byte) (Handle, error) {
	if key == "" || len(body) == 0 {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	h := Handle("mem-" + strconv.Itoa(s.seq))
	s.records[h] = Record{
		Handle:    h,
		Key:       key,
		Body:      append([]byte(nil), body...),
		CreatedAt: s.opts.Now(),
	}
	return h, nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Now()
	pending := make([]Record, 0, len(s.records))
	for h, rec := range s.records {
		if reason := s.opts.expiryReason(rec.RetryCount, rec.CreatedAt, now); reason != "" {
			s.dead.append(rec, reason, 0)
			delete(s.records, h)
			continue
		}
		pending = append(pending, rec)
	}
	sortBySeq(pending)
	handles := make([]Handle, 0, len(pending))
	for _, rec := range pending {
		handles = append(handles, rec.Handle)
	}
	return handles, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		rec.Body = append([]byte(nil), rec.Body...)
		records = append(records, rec)
	}
	sortBySeq(records)
	return records, nil
}

func sortBySeq(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return handleSeq(records[i].Handle) < handleSeq(records[j].Handle)
	})
}

func (s *MemoryStore) Load(_ context.Context, h Handle) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[h]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	rec.Body = append([]byte(nil), rec.Body...)
	return rec, nil
}

func (s *MemoryStore) IncrementRetry(_ context.Context, h Handle) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[h]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	now := s.opts.Now()
	rec.RetryCount++
	rec.LastRetryAt = &now
	s.records[h] = rec
	return rec.RetryCount, nil
}

func (s *MemoryStore) Remove(_ context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, h)
	return nil
}

func (s *MemoryStore) MoveToDeadLetter(_ context.Context, h Handle, reason string, statusCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	s.dead.append(rec, reason, statusCode)
	delete(s.records, h)
	return nil
}

func handleSeq(h Handle) int {
	n, _ := strconv.Atoi(string(h)[len("mem-"):])
	return n
}

type MemoryDeadLetterStore struct {
	now     func() time.Time
	mu      sync.Mutex
	seq     int
	letters map[Handle]DeadLetter
}

func (d *MemoryDeadLetterStore) Save(_ context.Context, key string, body []byte, reason string, statusCode int) (Handle, error) {
	if key == "" || len(body) == 0 {
		return "", ErrInvalidInput
	}
	return d.append(Record{Key: key, Body: body}, reason, statusCode), nil
}

func (d *MemoryDeadLetterStore) List(_ context.Context) ([]DeadLetter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetter, 0, len(d.letters))
	for _, letter := range d.letters {
		out = append(out, letter)
	}
	sort.Slice(out, func(i, j int) bool { return handleSeq(out[i].Handle) < handleSeq(out[j].Handle) })
	return out, nil
}

func (d *MemoryDeadLetterStore) Load(_ context.Context, h Handle) (DeadLetter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	letter, ok := d.letters[h]
	if !ok {
		return DeadLetter{}, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	return letter, nil
}

func (d *MemoryDeadLetterStore) append(rec Record, reason string, statusCode int) Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	h := Handle("mem-" + strconv.Itoa(d.seq))
	d.letters[h] = DeadLetter{
		Handle:     h,
		Key:        rec.Key,
		Body:       append([]byte(nil), rec.Body...),
		Reason:     reason,
		StatusCode: statusCode,
		RetryCount: rec.RetryCount,
		DeadAt:     d.now(),
	}
	return h
}
