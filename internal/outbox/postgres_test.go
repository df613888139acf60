package outbox

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func TestPostgresStoreRetriesFailedInit(t *testing.T) {
	store, err := NewPostgresStore("postgres://pdv@localhost:5432/sync", Options{})
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	opens := 0
	store.openDB = func(string, string) (*sql.DB, error) {
		opens++
		return nil, errors.New("connection refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Save(ctx, keyA, []byte(`{}`)); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if _, err := store.ListPending(context.Background()); !errors.Is(err, ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if opens != 2 {
		t.Fatalf("expected init to be attempted again after a failure, got %d opens", opens)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
