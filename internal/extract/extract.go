// Package extract reads the sales of a window from the PDV database.
package extract

import (
	"context"
	"database/sql"
	"errors"

	"github.com/agentworkforce/pdvsync/internal/pdv"
	"github.com/agentworkforce/pdvsync/internal/watermark"
)

var ErrExtraction = errors.New("extraction failed")

// Extractor produces the records of one window. Every failure wraps
// ErrExtraction.
type Extractor interface {
	Extract(ctx context.Context, window watermark.Window) (pdv.Batch, error)
}

type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Querier runs read-only queries. *sql.DB satisfies it through DBQuerier.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

type DBQuerier struct {
	DB *sql.DB
}

func (q DBQuerier) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return q.DB.QueryContext(ctx, query, args...)
}
