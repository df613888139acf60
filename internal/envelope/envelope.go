// Package envelope builds the versioned batch document delivered to the
// collection endpoint and derives its idempotency key.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agentworkforce/pdvsync/internal/pdv"
)

const SchemaVersion = "2.0"

const (
	EventSales        = "sales"
	EventTurnoClosure = "turno_closure"
	EventMixed        = "mixed"
)

type Envelope struct {
	SchemaVersion string        `json:"schema_version"`
	Agent         AgentInfo     `json:"agent"`
	Store         StoreInfo     `json:"store"`
	Window        WindowInfo    `json:"window"`
	EventType     string        `json:"event_type"`
	Turnos        []TurnoDetail `json:"turnos"`
	Vendas        []SaleDetail  `json:"vendas"`
	Resumo        Resumo        `json:"resumo"`
	Ops           Ops           `json:"ops"`
	Integrity     Integrity     `json:"integrity"`

	body []byte
}

type AgentInfo struct {
	Version string    `json:"version"`
	Machine string    `json:"machine"`
	SentAt  time.Time `json:"sent_at"`
}

type StoreInfo struct {
	IDPontoVenda int    `json:"id_ponto_venda"`
	Nome         string `json:"nome"`
	Alias        string `json:"alias"`
}

type WindowInfo struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Minutes int       `json:"minutes"`
}

type Operator struct {
	IDUsuario *int64  `json:"id_usuario"`
	Nome      *string `json:"nome"`
}

type PaymentTotal struct {
	IDFinalizador *int64          `json:"id_finalizador"`
	Meio          *string         `json:"meio"`
	Total         decimal.Decimal `json:"total"`
	QtdVendas     int             `json:"qtd_vendas"`
}

type TurnoTotals struct {
	Total        decimal.Decimal `json:"total"`
	QtdVendas    int             `json:"qtd_vendas"`
	PorPagamento []PaymentTotal  `json:"por_pagamento"`
}

// DeclaredTotals carries the op=9 closure and op=4 shortage values.
type DeclaredTotals struct {
	Total        decimal.Decimal `json:"total"`
	PorPagamento []PaymentTotal  `json:"por_pagamento"`
}

type TurnoDetail struct {
	IDTurno             *string         `json:"id_turno"`
	Sequencial          *int            `json:"sequencial"`
	Fechado             *bool           `json:"fechado"`
	DataHoraInicio      *time.Time      `json:"data_hora_inicio"`
	DataHoraTermino     *time.Time      `json:"data_hora_termino"`
	Operador            Operator        `json:"operador"`
	TotaisSistema       TurnoTotals     `json:"totais_sistema"`
	FechamentoDeclarado *DeclaredTotals `json:"fechamento_declarado"`
	FaltaCaixa          *DeclaredTotals `json:"falta_caixa"`
}

type ProductItem struct {
	LineID       *int64          `json:"line_id"`
	LineNo       *int            `json:"line_no"`
	IDProduto    int64           `json:"id_produto"`
	CodigoBarras *string         `json:"codigo_barras"`
	Nome         *string         `json:"nome"`
	Qtd          decimal.Decimal `json:"qtd"`
	PrecoUnit    decimal.Decimal `json:"preco_unit"`
	Total        decimal.Decimal `json:"total"`
	Desconto     decimal.Decimal `json:"desconto"`
	Vendedor     *Operator       `json:"vendedor"`
}

type SalePayment struct {
	LineID        *int64          `json:"line_id"`
	IDFinalizador *int64          `json:"id_finalizador"`
	Meio          *string         `json:"meio"`
	Valor         decimal.Decimal `json:"valor"`
	Troco         decimal.Decimal `json:"troco"`
	Parcelas      *int            `json:"parcelas"`
}

type SaleDetail struct {
	IDOperacao int64           `json:"id_operacao"`
	DataHora   *time.Time      `json:"data_hora"`
	IDTurno    *string         `json:"id_turno"`
	Itens      []ProductItem   `json:"itens"`
	Pagamentos []SalePayment   `json:"pagamentos"`
	Total      decimal.Decimal `json:"total"`
}

type VendorSale struct {
	IDUsuario    *int64          `json:"id_usuario"`
	Nome         *string         `json:"nome"`
	QtdCupons    int             `json:"qtd_cupons"`
	TotalVendido decimal.Decimal `json:"total_vendido"`
}

type PaymentMethod struct {
	IDFinalizador *int64          `json:"id_finalizador"`
	Meio          *string         `json:"meio"`
	Total         decimal.Decimal `json:"total"`
}

type Resumo struct {
	ByVendor  []VendorSale    `json:"by_vendor"`
	ByPayment []PaymentMethod `json:"by_payment"`
}

type Ops struct {
	Count int     `json:"count"`
	IDs   []int64 `json:"ids"`
}

type Integrity struct {
	SyncID   string   `json:"sync_id"`
	Warnings []string `json:"warnings"`
}

// Key is the idempotency key of the envelope.
func (e *Envelope) Key() string {
	return e.Integrity.SyncID
}

// Body is the serialized document produced at build time. Every delivery
// attempt and every persisted copy uses these exact bytes.
func (e *Envelope) Body() []byte {
	return e.body
}

// HasSales reports whether the window contains at least one sale.
func (e *Envelope) HasSales() bool {
	return e.Ops.Count > 0
}

// HasClosedTurno reports whether any turno in the envelope is closed.
func (e *Envelope) HasClosedTurno() bool {
	for _, turno := range e.Turnos {
		if turno.Fechado != nil && *turno.Fechado {
			return true
		}
	}
	return false
}

// Actionable is false for windows with no sales and no turno closure; such
// envelopes are not worth a network call.
func (e *Envelope) Actionable() bool {
	return e.HasSales() || e.HasClosedTurno()
}

// IdempotencyKey is the hex SHA-256 of "storeID|from|to". It depends on
// nothing else, so rebuilding a window always yields the same key.
func IdempotencyKey(storeID int, from, to time.Time) string {
	data := fmt.Sprintf("%d|%s|%s", storeID, isoFormat(from), isoFormat(to))
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// isoFormat renders t in BRT with explicit offset and microsecond precision
// when a fractional part exists.
func isoFormat(t time.Time) string {
	t = t.In(pdv.BRT)
	if t.Nanosecond()/int(time.Microsecond) == 0 {
		return t.Format("2006-01-02T15:04:05-07:00")
	}
	return t.Format("2006-01-02T15:04:05.000000-07:00")
}
