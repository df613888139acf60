package extract

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/shopspring/decimal"

	"github.com/agentworkforce/pdvsync/internal/pdv"
	"github.com/agentworkforce/pdvsync/internal/watermark"
)

// SQLServerExtractor reads the HiperPdv schema.
type SQLServerExtractor struct {
	q       Querier
	storeID int
	logger  *slog.Logger

	mu      sync.Mutex
	columns map[string][]string
}

func NewSQLServerExtractor(q Querier, storeID int, logger *slog.Logger) *SQLServerExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLServerExtractor{q: q, storeID: storeID, logger: logger, columns: map[string][]string{}}
}

func (e *SQLServerExtractor) Extract(ctx context.Context, window watermark.Window) (pdv.Batch, error) {
	from, to := naive(window.From), naive(window.To)
	batch := pdv.Batch{}

	store, err := e.storeInfo(ctx)
	if err != nil {
		return pdv.Batch{}, err
	}
	batch.Store = store

	if batch.OperationIDs, err = e.operationIDs(ctx, from, to); err != nil {
		return pdv.Batch{}, err
	}
	if batch.Turnos, err = e.turnos(ctx, from, to); err != nil {
		return pdv.Batch{}, err
	}
	items, err := e.saleItems(ctx, from, to)
	if err != nil {
		return pdv.Batch{}, err
	}
	payments, err := e.salePayments(ctx, from, to)
	if err != nil {
		return pdv.Batch{}, err
	}
	batch.Sales = pdv.GroupSales(items, payments)
	if batch.SalesByVendor, err = e.salesByVendor(ctx, from, to); err != nil {
		return pdv.Batch{}, err
	}
	if batch.PaymentsByMethod, err = e.paymentsByMethod(ctx, from, to); err != nil {
		return pdv.Batch{}, err
	}

	e.logger.Info("window extracted",
		"from", window.From,
		"to", window.To,
		"operations", len(batch.OperationIDs),
		"turnos", len(batch.Turnos),
		"sales", len(batch.Sales),
		"vendors", len(batch.SalesByVendor),
		"payment_methods", len(batch.PaymentsByMethod),
	)
	return batch, nil
}

// ServerVersion returns the first line of @@VERSION.
func (e *SQLServerExtractor) ServerVersion(ctx context.Context) (string, error) {
	var version string
	err := e.each(ctx, "server version", queryServerVersion, nil, func(rows Rows) error {
		return rows.Scan(&version)
	})
	if err != nil {
		return "", err
	}
	if i := strings.IndexByte(version, '\n'); i >= 0 {
		version = version[:i]
	}
	return strings.TrimSpace(version), nil
}

func (e *SQLServerExtractor) storeInfo(ctx context.Context) (pdv.StoreInfo, error) {
	label, err := e.labelColumn(ctx, "ponto_venda", "", "apelido", "nome", "descricao")
	if err != nil {
		return pdv.StoreInfo{}, err
	}
	query := strings.ReplaceAll(queryStoreInfo, "{name}", label)
	store := pdv.StoreInfo{ID: e.storeID}
	found := false
	err = e.each(ctx, "store info", query, []any{e.storeID}, func(rows Rows) error {
		var id int64
		var name sql.NullString
		if err := rows.Scan(&id, &name); err != nil {
			return err
		}
		found = true
		store.Name = strings.TrimSpace(name.String)
		return nil
	})
	if err != nil {
		return pdv.StoreInfo{}, err
	}
	if !found {
		e.logger.Warn("store not found", "id_ponto_venda", e.storeID)
	}
	if store.Name == "" {
		store.Name = fmt.Sprintf("PDV %d", e.storeID)
	}
	return store, nil
}

func (e *SQLServerExtractor) operationIDs(ctx context.Context, from, to any) ([]int64, error) {
	ids := []int64{}
	err := e.each(ctx, "operation ids", queryOperationIDs, []any{from, to}, func(rows Rows) error {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

func (e *SQLServerExtractor) turnos(ctx context.Context, from, to any) ([]pdv.Turno, error) {
	turnos, err := e.scanTurnos(ctx, "turnos in window", queryTurnosInWindow, from, to)
	if err != nil {
		return nil, err
	}
	if len(turnos) == 0 {
		// The open turno has no sale yet, but its closure must still be
		// reported.
		if turnos, err = e.scanTurnos(ctx, "current turno", queryCurrentTurno, e.storeID); err != nil {
			return nil, err
		}
	}
	for i := range turnos {
		turno := &turnos[i]
		if turno.ID == "" {
			continue
		}
		if turno.SystemPayments, err = e.turnoPayments(ctx, turno.ID, opSale); err != nil {
			return nil, err
		}
		if !turno.IsClosed() {
			continue
		}
		if turno.ClosurePayments, err = e.turnoPayments(ctx, turno.ID, opClosure); err != nil {
			return nil, err
		}
		if turno.ShortagePayments, err = e.turnoPayments(ctx, turno.ID, opShortage); err != nil {
			return nil, err
		}
	}
	return turnos, nil
}

func (e *SQLServerExtractor) scanTurnos(ctx context.Context, name, query string, args ...any) ([]pdv.Turno, error) {
	var turnos []pdv.Turno
	err := e.each(ctx, name, query, args, func(rows Rows) error {
		var (
			id         sql.NullString
			sequencial sql.NullInt64
			closed     sql.NullBool
			started    sql.NullTime
			ended      sql.NullTime
			operatorID sql.NullInt64
			operator   sql.NullString
		)
		if err := rows.Scan(&id, &sequencial, &closed, &started, &ended, &operatorID, &operator); err != nil {
			return err
		}
		turnos = append(turnos, pdv.Turno{
			ID:         strings.TrimSpace(id.String),
			Sequencial: intPtr(sequencial),
			Closed:     boolPtr(closed),
			StartedAt:  timePtr(started),
			EndedAt:    timePtr(ended),
			Operator:   pdv.Operator{ID: int64Ptr(operatorID), Name: stringPtr(operator)},
		})
		return nil
	})
	return turnos, err
}

func (e *SQLServerExtractor) turnoPayments(ctx context.Context, turnoID string, operation int) ([]pdv.PaymentTotal, error) {
	query, err := e.withPaymentLabel(ctx, queryTurnoPayments)
	if err != nil {
		return nil, err
	}
	return e.scanPaymentTotals(ctx, fmt.Sprintf("turno payments op=%d", operation), query, turnoID, operation)
}

func (e *SQLServerExtractor) paymentsByMethod(ctx context.Context, from, to any) ([]pdv.PaymentTotal, error) {
	query, err := e.withPaymentLabel(ctx, queryPaymentsByMethod)
	if err != nil {
		return nil, err
	}
	return e.scanPaymentTotals(ctx, "payments by method", query, from, to)
}

func (e *SQLServerExtractor) scanPaymentTotals(ctx context.Context, name, query string, args ...any) ([]pdv.PaymentTotal, error) {
	out := []pdv.PaymentTotal{}
	err := e.each(ctx, name, query, args, func(rows Rows) error {
		var (
			finalizador sql.NullInt64
			method      sql.NullString
			count       int64
			total       decimal.NullDecimal
		)
		if err := rows.Scan(&finalizador, &method, &count, &total); err != nil {
			return err
		}
		out = append(out, pdv.PaymentTotal{
			FinalizadorID: int64Ptr(finalizador),
			Method:        stringPtr(method),
			Total:         total.Decimal,
			SalesCount:    int(count),
		})
		return nil
	})
	return out, err
}

func (e *SQLServerExtractor) salesByVendor(ctx context.Context, from, to any) ([]pdv.VendorTotal, error) {
	out := []pdv.VendorTotal{}
	err := e.each(ctx, "sales by vendor", querySalesByVendor, []any{from, to}, func(rows Rows) error {
		var (
			vendorID sql.NullInt64
			name     sql.NullString
			receipts int64
			total    decimal.NullDecimal
		)
		if err := rows.Scan(&vendorID, &name, &receipts, &total); err != nil {
			return err
		}
		out = append(out, pdv.VendorTotal{
			VendorID:   int64Ptr(vendorID),
			VendorName: stringPtr(name),
			Receipts:   int(receipts),
			Total:      total.Decimal,
		})
		return nil
	})
	return out, err
}

func (e *SQLServerExtractor) saleItems(ctx context.Context, from, to any) ([]pdv.SaleItem, error) {
	var items []pdv.SaleItem
	err := e.each(ctx, "sale items", querySaleItems, []any{from, to}, func(rows Rows) error {
		var (
			opID      int64
			turnoID   sql.NullString
			finished  sql.NullTime
			lineID    sql.NullInt64
			lineNo    sql.NullInt64
			productID int64
			barcode   sql.NullString
			product   sql.NullString
			qty       decimal.NullDecimal
			unit      decimal.NullDecimal
			total     decimal.NullDecimal
			discount  decimal.NullDecimal
			vendorID  sql.NullInt64
			vendor    sql.NullString
		)
		if err := rows.Scan(&opID, &turnoID, &finished, &lineID, &lineNo, &productID, &barcode, &product,
			&qty, &unit, &total, &discount, &vendorID, &vendor); err != nil {
			return err
		}
		item := pdv.SaleItem{
			OperationID: opID,
			TurnoID:     stringPtr(turnoID),
			FinishedAt:  timePtr(finished),
			LineID:      int64Ptr(lineID),
			LineNo:      intPtr(lineNo),
			ProductID:   productID,
			Barcode:     stringPtr(barcode),
			ProductName: stringPtr(product),
			Quantity:    qty.Decimal,
			UnitPrice:   unit.Decimal,
			Total:       total.Decimal,
			Discount:    discount.Decimal,
		}
		if vendorID.Valid {
			item.Vendor = &pdv.Operator{ID: int64Ptr(vendorID), Name: stringPtr(vendor)}
		}
		items = append(items, item)
		return nil
	})
	return items, err
}

func (e *SQLServerExtractor) salePayments(ctx context.Context, from, to any) ([]pdv.SalePayment, error) {
	query, err := e.withPaymentLabel(ctx, querySalePayments)
	if err != nil {
		return nil, err
	}
	var payments []pdv.SalePayment
	err = e.each(ctx, "sale payments", query, []any{from, to}, func(rows Rows) error {
		var (
			lineID       sql.NullInt64
			opID         int64
			finalizador  sql.NullInt64
			method       sql.NullString
			amount       decimal.NullDecimal
			change       decimal.NullDecimal
			installments sql.NullInt64
		)
		if err := rows.Scan(&lineID, &opID, &finalizador, &method, &amount, &change, &installments); err != nil {
			return err
		}
		payments = append(payments, pdv.SalePayment{
			OperationID:   opID,
			LineID:        int64Ptr(lineID),
			FinalizadorID: int64Ptr(finalizador),
			Method:        stringPtr(method),
			Amount:        amount.Decimal,
			Change:        change.Decimal,
			Installments:  intPtr(installments),
		})
		return nil
	})
	return payments, err
}

func (e *SQLServerExtractor) withPaymentLabel(ctx context.Context, query string) (string, error) {
	label, err := e.labelColumn(ctx, "finalizador_pdv", "fpv.", "nome", "descricao")
	if err != nil {
		return "", err
	}
	group := ""
	if label != "NULL" {
		group = ", " + label
	}
	query = strings.ReplaceAll(query, "{name}", label)
	return strings.ReplaceAll(query, "{group}", group), nil
}

// labelColumn returns the first of candidates present in table, qualified
// with prefix, or NULL when the table has none of them.
func (e *SQLServerExtractor) labelColumn(ctx context.Context, table, prefix string, candidates ...string) (string, error) {
	columns, err := e.tableColumns(ctx, table)
	if err != nil {
		return "", err
	}
	present := map[string]bool{}
	for _, column := range columns {
		present[strings.ToLower(column)] = true
	}
	for _, candidate := range candidates {
		if present[candidate] {
			return prefix + candidate, nil
		}
	}
	return "NULL", nil
}

func (e *SQLServerExtractor) tableColumns(ctx context.Context, table string) ([]string, error) {
	e.mu.Lock()
	cached, ok := e.columns[table]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}
	var columns []string
	err := e.each(ctx, "columns of "+table, queryTableColumns, []any{table}, func(rows Rows) error {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		columns = append(columns, name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.columns[table] = columns
	e.mu.Unlock()
	return columns, nil
}

// each runs query and calls scan once per row. Failures are wrapped in
// ErrExtraction with the query name.
func (e *SQLServerExtractor) each(ctx context.Context, name, query string, args []any, scan func(Rows) error) error {
	rows, err := e.q.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrExtraction, name, err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return fmt.Errorf("%w: %s: scan: %v", ErrExtraction, name, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrExtraction, name, err)
	}
	return nil
}

// naive converts t to the BRT wall clock and sends it as a datetime, the
// type of every timestamp column in the PDV schema.
func naive(t time.Time) any {
	b := t.In(pdv.BRT)
	return mssql.DateTime1(time.Date(b.Year(), b.Month(), b.Day(), b.Hour(), b.Minute(), b.Second(), b.Nanosecond(), time.UTC))
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func boolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	return pdv.AttachZonePtr(&v.Time)
}
