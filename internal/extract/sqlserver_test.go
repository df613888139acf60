package extract

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/pdvsync/internal/pdv"
	"github.com/agentworkforce/pdvsync/internal/watermark"
)

type call struct {
	query string
	args  []any
}

type fakeQuerier struct {
	// results is matched by a substring of the query, first match wins.
	results []fakeResult
	calls   []call
}

type fakeResult struct {
	match string
	rows  [][]any
	err   error
}

func (f *fakeQuerier) on(match string, rows ...[]any) *fakeQuerier {
	f.results = append(f.results, fakeResult{match: match, rows: rows})
	return f
}

func (f *fakeQuerier) fail(match string, err error) *fakeQuerier {
	f.results = append(f.results, fakeResult{match: match, err: err})
	return f
}

func (f *fakeQuerier) Query(_ context.Context, query string, args ...any) (Rows, error) {
	f.calls = append(f.calls, call{query: query, args: args})
	for _, result := range f.results {
		if strings.Contains(query, result.match) {
			if result.err != nil {
				return nil, result.err
			}
			return &fakeRows{rows: result.rows, pos: -1}, nil
		}
	}
	return &fakeRows{pos: -1}, nil
}

type fakeRows struct {
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos]
	if len(row) != len(dest) {
		return fmt.Errorf("expected %d columns, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		if scanner, ok := d.(sql.Scanner); ok {
			if err := scanner.Scan(row[i]); err != nil {
				return err
			}
			continue
		}
		target := reflect.ValueOf(d).Elem()
		if row[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		target.Set(reflect.ValueOf(row[i]).Convert(target.Type()))
	}
	return nil
}

func (r *fakeRows) Err() error   { return nil }
func (r *fakeRows) Close() error { return nil }

var (
	windowTo   = time.Date(2026, 6, 10, 14, 0, 0, 0, pdv.BRT)
	testWindow = watermark.Window{From: windowTo.Add(-10 * time.Minute), To: windowTo}
)

func dbTime(hour, minute int) time.Time {
	// The driver returns datetime columns as UTC wall clock.
	return time.Date(2026, 6, 10, hour, minute, 0, 0, time.UTC)
}

func schemaColumns(f *fakeQuerier) *fakeQuerier {
	return f.on("INFORMATION_SCHEMA.COLUMNS",
		[]any{"id_finalizador"}, []any{"nome"},
	)
}

func TestExtractAssemblesBatch(t *testing.T) {
	turnoID := "6F9619FF-8B86-D011-B42D-00C04FC964FF"
	f := schemaColumns(&fakeQuerier{}).
		on("FROM dbo.ponto_venda", []any{int64(10), "MC Centro"}).
		on("SELECT id_operacao FROM ops", []any{int64(501)}, []any{int64(502)}).
		on("WHERE t.id_turno IN", []any{turnoID, int64(3), true, dbTime(8, 0), dbTime(13, 58), int64(7), "Ana"}).
		on("AND op.operacao = @p2", []any{int64(1), "Dinheiro", int64(2), "70.00"}).
		on("it.id_item_operacao_pdv AS line_id",
			[]any{int64(502), turnoID, dbTime(13, 57), int64(2), int64(1), int64(78), nil, "Pelicula", "1", "20.00", "20.00", "0", nil, nil},
			[]any{int64(501), turnoID, dbTime(13, 55), int64(1), int64(1), int64(77), "789", "Capinha", "2", "25.00", "50.00", "0", int64(3), "Bia"},
		).
		on("fo.id_finalizador_operacao_pdv AS line_id",
			[]any{int64(11), int64(501), int64(1), "Dinheiro", "50.00", "0", nil},
			[]any{int64(12), int64(502), int64(1), "Dinheiro", "20.00", "0", int64(1)},
		).
		on("COUNT(DISTINCT ops.id_operacao) AS qtd_cupons",
			[]any{int64(3), "Bia", int64(1), "50.00"},
			[]any{nil, nil, int64(1), "20.00"},
		).
		on("AS total_pago", []any{int64(1), "Dinheiro", int64(2), "70.00"})

	extractor := NewSQLServerExtractor(f, 10, nil)
	batch, err := extractor.Extract(context.Background(), testWindow)
	require.NoError(t, err)

	assert.Equal(t, pdv.StoreInfo{ID: 10, Name: "MC Centro"}, batch.Store)
	assert.Equal(t, []int64{501, 502}, batch.OperationIDs)

	require.Len(t, batch.Turnos, 1)
	turno := batch.Turnos[0]
	assert.Equal(t, turnoID, turno.ID)
	assert.True(t, turno.IsClosed())
	require.NotNil(t, turno.StartedAt)
	assert.Equal(t, "2026-06-10T08:00:00-03:00", turno.StartedAt.Format(time.RFC3339))
	require.Len(t, turno.SystemPayments, 1)
	assert.True(t, turno.SystemPayments[0].Total.Equal(decimal.RequireFromString("70")))
	assert.Len(t, turno.ClosurePayments, 1)
	assert.Len(t, turno.ShortagePayments, 1)

	require.Len(t, batch.Sales, 2)
	assert.Equal(t, int64(501), batch.Sales[0].OperationID)
	require.Len(t, batch.Sales[0].Items, 1)
	item := batch.Sales[0].Items[0]
	require.NotNil(t, item.Vendor)
	assert.Equal(t, "Bia", *item.Vendor.Name)
	assert.True(t, item.Quantity.Equal(decimal.NewFromInt(2)))
	assert.Nil(t, batch.Sales[1].Items[0].Vendor)
	assert.Nil(t, batch.Sales[1].Items[0].Barcode)
	require.Len(t, batch.Sales[1].Payments, 1)
	require.NotNil(t, batch.Sales[1].Payments[0].Installments)

	require.Len(t, batch.SalesByVendor, 2)
	assert.Nil(t, batch.SalesByVendor[1].VendorID)
	require.Len(t, batch.PaymentsByMethod, 1)
	assert.Equal(t, 2, batch.PaymentsByMethod[0].SalesCount)
}

func TestExtractPassesNaiveWindowBounds(t *testing.T) {
	f := schemaColumns(&fakeQuerier{})
	_, err := NewSQLServerExtractor(f, 10, nil).Extract(context.Background(), watermark.Window{
		From: testWindow.From.UTC(),
		To:   testWindow.To.UTC(),
	})
	require.NoError(t, err)

	var found bool
	for _, c := range f.calls {
		if !strings.Contains(c.query, "SELECT id_operacao FROM ops") {
			continue
		}
		found = true
		require.Len(t, c.args, 2)
		assert.Equal(t, mssql.DateTime1(time.Date(2026, 6, 10, 13, 50, 0, 0, time.UTC)), c.args[0])
		assert.Equal(t, mssql.DateTime1(time.Date(2026, 6, 10, 14, 0, 0, 0, time.UTC)), c.args[1])
	}
	assert.True(t, found)
}

func TestExtractFallsBackToCurrentTurno(t *testing.T) {
	f := schemaColumns(&fakeQuerier{}).
		on("SELECT TOP 1", []any{"T-OPEN", int64(4), false, dbTime(8, 0), nil, int64(7), "Ana"})

	batch, err := NewSQLServerExtractor(f, 10, nil).Extract(context.Background(), testWindow)
	require.NoError(t, err)
	require.Len(t, batch.Turnos, 1)
	assert.Equal(t, "T-OPEN", batch.Turnos[0].ID)
	assert.False(t, batch.Turnos[0].IsClosed())
	assert.Nil(t, batch.Turnos[0].EndedAt)
	assert.Nil(t, batch.Turnos[0].ClosurePayments)

	for _, c := range f.calls {
		if strings.Contains(c.query, "AND op.operacao = @p2") {
			assert.Equal(t, opSale, c.args[1], "open turno must only query system totals")
		}
	}
}

func TestExtractStoreNameFallback(t *testing.T) {
	f := (&fakeQuerier{}).on("FROM dbo.ponto_venda", []any{int64(10), nil})
	batch, err := NewSQLServerExtractor(f, 10, nil).Extract(context.Background(), testWindow)
	require.NoError(t, err)
	assert.Equal(t, "PDV 10", batch.Store.Name)

	for _, c := range f.calls {
		if strings.Contains(c.query, "FROM dbo.ponto_venda") {
			assert.Contains(t, c.query, "NULL AS nome")
		}
		if strings.Contains(c.query, "AS total_pago") {
			assert.Contains(t, c.query, "NULL AS meio_pagamento")
			assert.Contains(t, c.query, "GROUP BY fo.id_finalizador\n")
		}
	}
}

func TestExtractWrapsQueryFailures(t *testing.T) {
	f := schemaColumns(&fakeQuerier{}).fail("it.id_item_operacao_pdv AS line_id", errors.New("deadlock victim"))
	_, err := NewSQLServerExtractor(f, 10, nil).Extract(context.Background(), testWindow)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExtraction)
	assert.Contains(t, err.Error(), "sale items")
	assert.Contains(t, err.Error(), "deadlock victim")
}

func TestTableColumnsAreCached(t *testing.T) {
	f := schemaColumns(&fakeQuerier{})
	extractor := NewSQLServerExtractor(f, 10, nil)
	_, err := extractor.Extract(context.Background(), testWindow)
	require.NoError(t, err)
	_, err = extractor.Extract(context.Background(), testWindow)
	require.NoError(t, err)

	perTable := map[any]int{}
	for _, c := range f.calls {
		if strings.Contains(c.query, "INFORMATION_SCHEMA.COLUMNS") {
			perTable[c.args[0]]++
		}
	}
	assert.Equal(t, map[any]int{"ponto_venda": 1, "finalizador_pdv": 1}, perTable)
}

func TestServerVersionKeepsFirstLine(t *testing.T) {
	f := (&fakeQuerier{}).on("@@VERSION", []any{"Microsoft SQL Server 2019 (RTM)\n\tCopyright"})
	version, err := NewSQLServerExtractor(f, 10, nil).ServerVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Microsoft SQL Server 2019 (RTM)", version)
}
