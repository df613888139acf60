package watermark

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func TestPostgresStoreRetriesFailedInit(t *testing.T) {
	store, err := NewPostgresStore("postgres://pdv@localhost:5432/sync")
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	opens := 0
	store.openDB = func(string, string) (*sql.DB, error) {
		opens++
		return nil, errors.New("connection refused")
	}

	if _, _, err := store.Load(context.Background()); err == nil {
		t.Fatalf("expected load to fail while postgres is unreachable")
	}
	if err := store.Save(context.Background(), time.Now()); err == nil {
		t.Fatalf("expected save to fail while postgres is unreachable")
	}
	if opens != 2 {
		t.Fatalf("expected init to be attempted again after a failure, got %d opens", opens)
	}
}
