package envelope

import (
	"errors"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/agentworkforce/pdvsync/internal/pdv"
	"github.com/agentworkforce/pdvsync/internal/watermark"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Metadata identifies the source of every envelope a Builder produces.
type Metadata struct {
	StoreID       int
	StoreAlias    string
	AgentVersion  string
	Machine       string
	WindowMinutes int
}

type BuilderOptions struct {
	Metadata Metadata
	Now      func() time.Time
	// Validator checks the serialized document. Nil disables validation.
	Validator *Validator
}

type Builder struct {
	meta      Metadata
	now       func() time.Time
	validator *Validator
}

func NewBuilder(opts BuilderOptions) (*Builder, error) {
	meta := opts.Metadata
	if meta.StoreID <= 0 {
		return nil, fmt.Errorf("%w: store id must be positive", ErrInvalidEnvelope)
	}
	if meta.Machine == "" {
		if host, err := os.Hostname(); err == nil {
			meta.Machine = host
		}
	}
	if meta.AgentVersion == "" {
		meta.AgentVersion = "dev"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Builder{meta: meta, now: now, validator: opts.Validator}, nil
}

// Build assembles the envelope for window from the extracted batch. Data
// quality anomalies become warnings; only serialization or schema failures
// are errors.
func (b *Builder) Build(window watermark.Window, batch pdv.Batch) (*Envelope, error) {
	from := window.From.In(pdv.BRT)
	to := window.To.In(pdv.BRT)
	minutes := b.meta.WindowMinutes
	if minutes <= 0 {
		minutes = window.Minutes()
	}
	storeName := batch.Store.Name
	if storeName == "" {
		storeName = fmt.Sprintf("PDV %d", b.meta.StoreID)
	}

	var warnings []string
	turnos, turnoWarnings := buildTurnos(batch.Turnos)
	warnings = append(warnings, turnoWarnings...)
	warnings = append(warnings, qualityWarnings(batch)...)

	ids := append([]int64{}, batch.OperationIDs...)
	env := &Envelope{
		SchemaVersion: SchemaVersion,
		Agent: AgentInfo{
			Version: b.meta.AgentVersion,
			Machine: b.meta.Machine,
			SentAt:  b.now().In(pdv.BRT),
		},
		Store: StoreInfo{
			IDPontoVenda: b.meta.StoreID,
			Nome:         storeName,
			Alias:        b.meta.StoreAlias,
		},
		Window: WindowInfo{
			From:    from,
			To:      to,
			Minutes: minutes,
		},
		Turnos: turnos,
		Vendas: buildSales(batch.Sales),
		Resumo: buildResumo(batch),
		Ops: Ops{
			Count: len(ids),
			IDs:   ids,
		},
		Integrity: Integrity{
			SyncID:   IdempotencyKey(b.meta.StoreID, from, to),
			Warnings: append([]string{}, warnings...),
		},
	}
	env.EventType = eventType(env)

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", ErrInvalidEnvelope, err)
	}
	if b.validator != nil {
		if err := b.validator.Validate(body); err != nil {
			return nil, err
		}
	}
	env.body = body
	return env, nil
}

func eventType(env *Envelope) string {
	switch {
	case env.HasClosedTurno() && env.HasSales():
		return EventMixed
	case env.HasClosedTurno():
		return EventTurnoClosure
	default:
		return EventSales
	}
}

func qualityWarnings(batch pdv.Batch) []string {
	var warnings []string
	nullVendorReceipts := 0
	nullVendor := false
	for _, vendor := range batch.SalesByVendor {
		if vendor.VendorID == nil {
			nullVendor = true
			nullVendorReceipts += vendor.Receipts
		}
	}
	if nullVendor {
		warnings = append(warnings, fmt.Sprintf("Vendedor NULL encontrado em %d cupom(s)", nullVendorReceipts))
	}
	for _, payment := range batch.PaymentsByMethod {
		if payment.FinalizadorID == nil {
			warnings = append(warnings, "Meio de pagamento NULL encontrado")
			break
		}
	}
	return warnings
}

func buildTurnos(turnos []pdv.Turno) ([]TurnoDetail, []string) {
	out := make([]TurnoDetail, 0, len(turnos))
	var warnings []string
	for _, turno := range turnos {
		if turno.ID == "" {
			warnings = append(warnings, "Turno sem id_turno ignorado")
			continue
		}
		id := turno.ID
		detail := TurnoDetail{
			IDTurno:         &id,
			Sequencial:      turno.Sequencial,
			Fechado:         turno.Closed,
			DataHoraInicio:  inBRT(turno.StartedAt),
			DataHoraTermino: inBRT(turno.EndedAt),
			Operador: Operator{
				IDUsuario: turno.Operator.ID,
				Nome:      turno.Operator.Name,
			},
		}

		system := TurnoTotals{Total: decimal.Zero, PorPagamento: paymentTotals(turno.SystemPayments)}
		for _, payment := range turno.SystemPayments {
			system.Total = system.Total.Add(payment.Total)
			// One sale may be split across methods, so the per-method
			// distinct count is the closest approximation of the total.
			if payment.SalesCount > system.QtdVendas {
				system.QtdVendas = payment.SalesCount
			}
		}
		detail.TotaisSistema = system
		detail.FechamentoDeclarado = declaredTotals(turno.ClosurePayments)
		detail.FaltaCaixa = declaredTotals(turno.ShortagePayments)
		out = append(out, detail)
	}
	return out, warnings
}

func declaredTotals(payments []pdv.PaymentTotal) *DeclaredTotals {
	if len(payments) == 0 {
		return nil
	}
	totals := &DeclaredTotals{Total: decimal.Zero, PorPagamento: paymentTotals(payments)}
	for _, payment := range payments {
		totals.Total = totals.Total.Add(payment.Total)
	}
	return totals
}

func paymentTotals(payments []pdv.PaymentTotal) []PaymentTotal {
	out := make([]PaymentTotal, 0, len(payments))
	for _, payment := range payments {
		out = append(out, PaymentTotal{
			IDFinalizador: payment.FinalizadorID,
			Meio:          payment.Method,
			Total:         payment.Total,
			QtdVendas:     payment.SalesCount,
		})
	}
	return out
}

func buildSales(sales []pdv.Sale) []SaleDetail {
	out := make([]SaleDetail, 0, len(sales))
	for _, sale := range sales {
		detail := SaleDetail{
			IDOperacao: sale.OperationID,
			DataHora:   inBRT(sale.FinishedAt),
			IDTurno:    sale.TurnoID,
			Itens:      make([]ProductItem, 0, len(sale.Items)),
			Pagamentos: make([]SalePayment, 0, len(sale.Payments)),
			Total:      decimal.Zero,
		}
		for _, item := range sale.Items {
			var vendor *Operator
			if item.Vendor != nil && item.Vendor.ID != nil {
				vendor = &Operator{IDUsuario: item.Vendor.ID, Nome: item.Vendor.Name}
			}
			detail.Itens = append(detail.Itens, ProductItem{
				LineID:       item.LineID,
				LineNo:       item.LineNo,
				IDProduto:    item.ProductID,
				CodigoBarras: item.Barcode,
				Nome:         item.ProductName,
				Qtd:          item.Quantity,
				PrecoUnit:    item.UnitPrice,
				Total:        item.Total,
				Desconto:     item.Discount,
				Vendedor:     vendor,
			})
			detail.Total = detail.Total.Add(item.Total)
		}
		for _, payment := range sale.Payments {
			detail.Pagamentos = append(detail.Pagamentos, SalePayment{
				LineID:        payment.LineID,
				IDFinalizador: payment.FinalizadorID,
				Meio:          payment.Method,
				Valor:         payment.Amount,
				Troco:         payment.Change,
				Parcelas:      payment.Installments,
			})
		}
		out = append(out, detail)
	}
	return out
}

func buildResumo(batch pdv.Batch) Resumo {
	resumo := Resumo{
		ByVendor:  make([]VendorSale, 0, len(batch.SalesByVendor)),
		ByPayment: make([]PaymentMethod, 0, len(batch.PaymentsByMethod)),
	}
	for _, vendor := range batch.SalesByVendor {
		resumo.ByVendor = append(resumo.ByVendor, VendorSale{
			IDUsuario:    vendor.VendorID,
			Nome:         vendor.VendorName,
			QtdCupons:    vendor.Receipts,
			TotalVendido: vendor.Total,
		})
	}
	for _, payment := range batch.PaymentsByMethod {
		resumo.ByPayment = append(resumo.ByPayment, PaymentMethod{
			IDFinalizador: payment.FinalizadorID,
			Meio:          payment.Method,
			Total:         payment.Total,
		})
	}
	return resumo
}

func inBRT(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.In(pdv.BRT)
	return &v
}
