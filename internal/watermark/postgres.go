package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentworkforce/pdvsync/internal/pdv"
)

const (
	postgresTableName        = "pdvsync_watermark"
	postgresStateKey         = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps the watermark as one row keyed by state_key.
type PostgresStore struct {
	dsn       string
	tableName string
	stateKey  string
	openDB    sqlOpenFunc

	// initMu guards db. A failed init is retried by the next call.
	initMu sync.Mutex
	db     *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresTableName,
		stateKey:  postgresStateKey,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) Load(ctx context.Context) (time.Time, bool, error) {
	if err := s.ensureReady(ctx); err != nil {
		return time.Time{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT last_sync_to FROM %s WHERE state_key = $1", quoteIdentifier(s.tableName))
	var ts time.Time
	err := s.db.QueryRowContext(ctx, query, s.stateKey).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return ts.In(pdv.BRT), true, nil
}

func (s *PostgresStore) Save(ctx context.Context, to time.Time) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (state_key, last_sync_to, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (state_key)
		DO UPDATE SET last_sync_to = EXCLUDED.last_sync_to, updated_at = NOW()`, quoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(ctx, query, s.stateKey, to)
	return err
}

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

func (s *PostgresStore) ensureReady(context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			state_key TEXT PRIMARY KEY,
			last_sync_to TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, quoteIdentifier(s.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return err
	}
	s.db = db
	return nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
