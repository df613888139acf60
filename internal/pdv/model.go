// Package pdv holds the point-of-sale records read from the local store.
package pdv

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// BRT is the canonical zone of the pipeline. The PDV database stores wall
// clock values without offset, always in this zone.
var BRT = time.FixedZone("BRT", -3*60*60)

// AttachZone reinterprets the wall clock of t in BRT. Use it for values read
// from columns that carry no offset.
func AttachZone(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), BRT)
}

// AttachZonePtr is AttachZone for nullable columns.
func AttachZonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := AttachZone(*t)
	return &v
}

type StoreInfo struct {
	ID   int
	Name string
}

type Operator struct {
	ID   *int64
	Name *string
}

// PaymentTotal is an amount grouped by payment method (finalizador).
type PaymentTotal struct {
	FinalizadorID *int64
	Method        *string
	Total         decimal.Decimal
	SalesCount    int
}

type Turno struct {
	ID         string
	Sequencial *int
	Closed     *bool
	StartedAt  *time.Time
	EndedAt    *time.Time
	Operator   Operator

	// SystemPayments are the op=1 sales of the turno by payment method.
	SystemPayments []PaymentTotal
	// ClosurePayments are the values declared at closing (op=9). Nil when
	// the turno is open.
	ClosurePayments []PaymentTotal
	// ShortagePayments are the cash shortage entries (op=4).
	ShortagePayments []PaymentTotal
}

func (t Turno) IsClosed() bool {
	return t.Closed != nil && *t.Closed
}

type SaleItem struct {
	OperationID int64
	TurnoID     *string
	FinishedAt  *time.Time
	LineID      *int64
	LineNo      *int
	ProductID   int64
	Barcode     *string
	ProductName *string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Total       decimal.Decimal
	Discount    decimal.Decimal
	Vendor      *Operator
}

type SalePayment struct {
	OperationID   int64
	LineID        *int64
	FinalizadorID *int64
	Method        *string
	Amount        decimal.Decimal
	Change        decimal.Decimal
	Installments  *int
}

type Sale struct {
	OperationID int64
	FinishedAt  *time.Time
	TurnoID     *string
	Items       []SaleItem
	Payments    []SalePayment
}

type VendorTotal struct {
	VendorID   *int64
	VendorName *string
	Receipts   int
	Total      decimal.Decimal
}

// Batch is everything extracted for one window.
type Batch struct {
	Store            StoreInfo
	OperationIDs     []int64
	Turnos           []Turno
	Sales            []Sale
	SalesByVendor    []VendorTotal
	PaymentsByMethod []PaymentTotal
}

// GroupSales folds item and payment rows into sales ordered by operation id.
// Payments of operations without items are dropped.
func GroupSales(items []SaleItem, payments []SalePayment) []Sale {
	byOp := map[int64]*Sale{}
	for _, item := range items {
		sale, ok := byOp[item.OperationID]
		if !ok {
			sale = &Sale{
				OperationID: item.OperationID,
				FinishedAt:  item.FinishedAt,
				TurnoID:     item.TurnoID,
			}
			byOp[item.OperationID] = sale
		}
		sale.Items = append(sale.Items, item)
	}
	for _, payment := range payments {
		if sale, ok := byOp[payment.OperationID]; ok {
			sale.Payments = append(sale.Payments, payment)
		}
	}
	ids := make([]int64, 0, len(byOp))
	for id := range byOp {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Sale, 0, len(ids))
	for _, id := range ids {
		out = append(out, *byOp[id])
	}
	return out
}
