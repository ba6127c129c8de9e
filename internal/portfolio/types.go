// Package portfolio implements deterministic FIFO lot accounting over an
// append-only ledger of fills and cash adjustments.
//
// Every value is integer micros. Products and sums are accumulated in
// arbitrary precision and clamped to the int64 range on write-back, so
// arithmetic saturates instead of wrapping.
//
// Nothing in this package is synchronized; callers serialize access.
package portfolio

import (
	"strings"

	"github.com/mqk/execution-engine/internal/model"
)

// MicrosScale is the number of micros in one currency unit.
const MicrosScale int64 = 1_000_000

// Fill is an executed trade. Qty is always positive; direction is Side.
type Fill struct {
	Symbol      string     `json:"symbol"`
	Side        model.Side `json:"side"`
	Qty         int64      `json:"qty"`
	PriceMicros int64      `json:"price_micros"`
	FeeMicros   int64      `json:"fee_micros"`
}

// NewFill builds a Fill.
func NewFill(symbol string, side model.Side, qty, priceMicros, feeMicros int64) Fill {
	return Fill{Symbol: symbol, Side: side, Qty: qty, PriceMicros: priceMicros, FeeMicros: feeMicros}
}

// CashEntry is a signed cash adjustment such as a dividend or correction.
type CashEntry struct {
	AmountMicros int64  `json:"amount_micros"`
	Reason       string `json:"reason"`
}

// EntryKind discriminates LedgerEntry.
type EntryKind string

const (
	EntryFill EntryKind = "fill"
	EntryCash EntryKind = "cash"
)

// LedgerEntry is either a Fill or a CashEntry. Exactly one of Fill and Cash
// is set, matching Kind.
type LedgerEntry struct {
	Kind EntryKind  `json:"kind"`
	Fill *Fill      `json:"fill,omitempty"`
	Cash *CashEntry `json:"cash,omitempty"`
}

// FillEntry wraps f as a ledger entry.
func FillEntry(f Fill) LedgerEntry { return LedgerEntry{Kind: EntryFill, Fill: &f} }

// CashLedgerEntry wraps c as a ledger entry.
func CashLedgerEntry(c CashEntry) LedgerEntry { return LedgerEntry{Kind: EntryCash, Cash: &c} }

// Lot is one FIFO accounting unit. Qty is signed: positive long, negative short.
type Lot struct {
	Qty              int64 `json:"qty"`
	EntryPriceMicros int64 `json:"entry_price_micros"`
}

func (l Lot) isLong() bool  { return l.Qty > 0 }
func (l Lot) isShort() bool { return l.Qty < 0 }

func (l Lot) absQty() int64 {
	if l.Qty < 0 {
		return -l.Qty
	}
	return l.Qty
}

// PositionState holds a symbol's open lots in acquisition order.
type PositionState struct {
	Symbol string `json:"symbol"`
	Lots   []Lot  `json:"lots"`
}

// QtySigned returns the net signed quantity across all lots.
func (p PositionState) QtySigned() int64 {
	var q int64
	for _, l := range p.Lots {
		q = addSat(q, l.Qty)
	}
	return q
}

// IsFlat reports whether the position holds no quantity.
func (p PositionState) IsFlat() bool {
	return len(p.Lots) == 0 || p.QtySigned() == 0
}

func (p PositionState) clone() PositionState {
	lots := make([]Lot, len(p.Lots))
	copy(lots, p.Lots)
	return PositionState{Symbol: p.Symbol, Lots: lots}
}

// Positions maps symbol to its open position. Flat positions are never present.
type Positions map[string]PositionState

// Clone returns a deep copy.
func (ps Positions) Clone() Positions {
	out := make(Positions, len(ps))
	for k, v := range ps {
		out[k] = v.clone()
	}
	return out
}

// MarkMap maps symbol to its mark price in micros. A missing mark is zero.
type MarkMap map[string]int64

// PortfolioState is the incrementally maintained result of applying the
// ledger. Cash, realized PnL and positions are always reproducible by
// RecomputeFromLedger over Ledger.
type PortfolioState struct {
	InitialCashMicros int64         `json:"initial_cash_micros"`
	CashMicros        int64         `json:"cash_micros"`
	RealizedPnLMicros int64         `json:"realized_pnl_micros"`
	Ledger            []LedgerEntry `json:"ledger"`
	Positions         Positions     `json:"positions"`
}

// NewPortfolioState returns an empty portfolio holding initialCash micros.
func NewPortfolioState(initialCashMicros int64) *PortfolioState {
	return &PortfolioState{
		InitialCashMicros: initialCashMicros,
		CashMicros:        initialCashMicros,
		Positions:         make(Positions),
	}
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }
