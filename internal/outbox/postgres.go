package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresOutboxTable      = "pdvsync_outbox"
	postgresDeadLetterTable  = "pdvsync_dead_letter"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps the outbox and the dead letters in two tables. Moves
// between them happen in one transaction.
type PostgresStore struct {
	dsn  string
	opts Options

	outboxTable string
	deadTable   string
	openDB      sqlOpenFunc

	// initMu guards db. A failed init is retried by the next call.
	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresStore(dsn string, opts Options) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:         dsn,
		opts:        opts.withDefaults(),
		outboxTable: postgresOutboxTable,
		deadTable:   postgresDeadLetterTable,
		openDB:      sql.Open,
	}, nil
}

func (s *PostgresStore) DeadLetters() DeadLetterStore { return postgresDeadLetters{s} }

func (s *PostgresStore) Close() error {
	if s == nil {
		return nil
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// ensureReady opens the pool and creates the tables on first use. The
// migration runs on its own deadline so a cancelled caller does not disable
// the store.
func (s *PostgresStore) ensureReady(context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("%w: open postgres: %v", ErrStorage, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	statements := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				sync_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				last_retry_at TIMESTAMPTZ
			)`, quoteIdentifier(s.outboxTable)),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (created_at, id)",
			quoteIdentifier(s.outboxTable+"_created_at_id_idx"), quoteIdentifier(s.outboxTable)),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				sync_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				reason TEXT NOT NULL,
				status_code INTEGER,
				retry_count INTEGER NOT NULL DEFAULT 0,
				dead_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(s.deadTable)),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("%w: migrate: %v", ErrStorage, err)
		}
	}
	s.db = db
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, key string, body []byte) (Handle, error) {
	if key == "" || len(body) == 0 {
		return "", ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("INSERT INTO %s (sync_id, payload, created_at) VALUES ($1, $2, $3) RETURNING id", quoteIdentifier(s.outboxTable))
	var id int64
	if err := s.db.QueryRowContext(ctx, query, key, string(body), s.opts.Now()).Scan(&id); err != nil {
		return "", fmt.Errorf("%w: insert outbox record: %v", ErrStorage, err)
	}
	h := handleFromID(id)
	s.opts.Logger.Warn("envelope saved to outbox", "idempotency_key", key, "handle", string(h))
	return h, nil
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]Handle, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey(s.outboxTable)); err != nil {
		return nil, fmt.Errorf("%w: lock: %v", ErrStorage, err)
	}

	query := fmt.Sprintf("SELECT id, retry_count, created_at FROM %s ORDER BY created_at ASC, id ASC", quoteIdentifier(s.outboxTable))
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list outbox: %v", ErrStorage, err)
	}
	type row struct {
		id         int64
		retryCount int
		createdAt  time.Time
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.retryCount, &r.createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: scan outbox: %v", ErrStorage, err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list outbox: %v", ErrStorage, err)
	}

	now := s.opts.Now()
	handles := make([]Handle, 0, len(all))
	for _, r := range all {
		if reason := s.opts.expiryReason(r.retryCount, r.createdAt, now); reason != "" {
			if err := s.moveTx(ctx, tx, r.id, reason, 0); err != nil {
				return nil, err
			}
			continue
		}
		handles = append(handles, handleFromID(r.id))
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	committed = true
	return handles, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT id, sync_id, payload, retry_count, created_at, last_retry_at FROM %s ORDER BY created_at ASC, id ASC", quoteIdentifier(s.outboxTable))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list outbox: %v", ErrStorage, err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var (
			id        int64
			rec       Record
			payload   string
			lastRetry sql.NullTime
		)
		if err := rows.Scan(&id, &rec.Key, &payload, &rec.RetryCount, &rec.CreatedAt, &lastRetry); err != nil {
			return nil, fmt.Errorf("%w: scan outbox: %v", ErrStorage, err)
		}
		rec.Handle = handleFromID(id)
		rec.Body = []byte(payload)
		if lastRetry.Valid {
			ts := lastRetry.Time
			rec.LastRetryAt = &ts
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list outbox: %v", ErrStorage, err)
	}
	return records, nil
}

func (s *PostgresStore) Load(ctx context.Context, h Handle) (Record, error) {
	id, err := idFromHandle(h)
	if err != nil {
		return Record{}, err
	}
	if err := s.ensureReady(ctx); err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT sync_id, payload, retry_count, created_at, last_retry_at FROM %s WHERE id = $1", quoteIdentifier(s.outboxTable))
	var (
		rec       = Record{Handle: h}
		payload   string
		lastRetry sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, query, id).Scan(&rec.Key, &payload, &rec.RetryCount, &rec.CreatedAt, &lastRetry)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: load outbox record: %v", ErrStorage, err)
	}
	rec.Body = []byte(payload)
	if lastRetry.Valid {
		ts := lastRetry.Time
		rec.LastRetryAt = &ts
	}
	return rec, nil
}

func (s *PostgresStore) IncrementRetry(ctx context.Context, h Handle) (int, error) {
	id, err := idFromHandle(h)
	if err != nil {
		return 0, err
	}
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("UPDATE %s SET retry_count = retry_count + 1, last_retry_at = $2 WHERE id = $1 RETURNING retry_count", quoteIdentifier(s.outboxTable))
	var count int
	err = s.db.QueryRowContext(ctx, query, id, s.opts.Now()).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: increment retry: %v", ErrStorage, err)
	}
	return count, nil
}

func (s *PostgresStore) Remove(ctx context.Context, h Handle) error {
	id, err := idFromHandle(h)
	if err != nil {
		return err
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdentifier(s.outboxTable))
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("%w: remove outbox record: %v", ErrStorage, err)
	}
	return nil
}

func (s *PostgresStore) MoveToDeadLetter(ctx context.Context, h Handle, reason string, statusCode int) error {
	id, err := idFromHandle(h)
	if err != nil {
		return err
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStorage, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := s.moveTx(ctx, tx, id, reason, statusCode); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) moveTx(ctx context.Context, tx *sql.Tx, id int64, reason string, statusCode int) error {
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1 RETURNING sync_id, payload, retry_count", quoteIdentifier(s.outboxTable))
	var (
		key        string
		payload    string
		retryCount int
	)
	err := tx.QueryRowContext(ctx, deleteQuery, id).Scan(&key, &payload, &retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, handleFromID(id))
	}
	if err != nil {
		return fmt.Errorf("%w: remove outbox record: %v", ErrStorage, err)
	}
	if _, err := s.insertDeadLetter(ctx, tx, key, payload, reason, statusCode, retryCount); err != nil {
		return err
	}
	s.opts.Logger.Error("envelope moved to dead letter",
		"idempotency_key", key,
		"handle", string(handleFromID(id)),
		"reason", reason,
		"status", statusCode,
		"retry_count", retryCount,
	)
	return nil
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) insertDeadLetter(ctx context.Context, q execQuerier, key, payload, reason string, statusCode, retryCount int) (Handle, error) {
	query := fmt.Sprintf(`
		INSERT INTO %s (sync_id, payload, reason, status_code, retry_count, dead_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`, quoteIdentifier(s.deadTable))
	var status sql.NullInt64
	if statusCode > 0 {
		status = sql.NullInt64{Int64: int64(statusCode), Valid: true}
	}
	var id int64
	if err := q.QueryRowContext(ctx, query, key, payload, reason, status, retryCount, s.opts.Now()).Scan(&id); err != nil {
		return "", fmt.Errorf("%w: insert dead letter: %v", ErrStorage, err)
	}
	return handleFromID(id), nil
}

type postgresDeadLetters struct {
	s *PostgresStore
}

func (d postgresDeadLetters) Save(ctx context.Context, key string, body []byte, reason string, statusCode int) (Handle, error) {
	if key == "" || len(body) == 0 {
		return "", ErrInvalidInput
	}
	if err := d.s.ensureReady(ctx); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	return d.s.insertDeadLetter(ctx, d.s.db, key, string(body), reason, statusCode, 0)
}

func (d postgresDeadLetters) List(ctx context.Context) ([]DeadLetter, error) {
	if err := d.s.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT id, sync_id, payload, reason, status_code, retry_count, dead_at FROM %s ORDER BY dead_at ASC, id ASC", quoteIdentifier(d.s.deadTable))
	rows, err := d.s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list dead letters: %v", ErrStorage, err)
	}
	defer rows.Close()

	out := []DeadLetter{}
	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list dead letters: %v", ErrStorage, err)
	}
	return out, nil
}

func (d postgresDeadLetters) Load(ctx context.Context, h Handle) (DeadLetter, error) {
	id, err := idFromHandle(h)
	if err != nil {
		return DeadLetter{}, err
	}
	if err := d.s.ensureReady(ctx); err != nil {
		return DeadLetter{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT id, sync_id, payload, reason, status_code, retry_count, dead_at FROM %s WHERE id = $1", quoteIdentifier(d.s.deadTable))
	rows, err := d.s.db.QueryContext(ctx, query, id)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("%w: load dead letter: %v", ErrStorage, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return DeadLetter{}, fmt.Errorf("%w: load dead letter: %v", ErrStorage, err)
		}
		return DeadLetter{}, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	return scanDeadLetter(rows)
}

func scanDeadLetter(rows *sql.Rows) (DeadLetter, error) {
	var (
		id      int64
		letter  DeadLetter
		payload string
		status  sql.NullInt64
	)
	if err := rows.Scan(&id, &letter.Key, &payload, &letter.Reason, &status, &letter.RetryCount, &letter.DeadAt); err != nil {
		return DeadLetter{}, fmt.Errorf("%w: scan dead letter: %v", ErrStorage, err)
	}
	letter.Handle = handleFromID(id)
	letter.Body = []byte(payload)
	if status.Valid {
		letter.StatusCode = int(status.Int64)
	}
	return letter, nil
}

func handleFromID(id int64) Handle {
	return Handle(strconv.FormatInt(id, 10))
}

func idFromHandle(h Handle) (int64, error) {
	id, err := strconv.ParseInt(string(h), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: handle %q", ErrInvalidInput, h)
	}
	return id, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func lockKey(tableName string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	return int64(hasher.Sum64())
}
