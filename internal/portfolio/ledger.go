package portfolio

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrEmptySymbol     = errors.New("portfolio: symbol or reason must not be empty")
	ErrNonPositiveQty  = errors.New("portfolio: fill quantity must be positive")
	ErrNegativePrice   = errors.New("portfolio: fill price must be non-negative")
	ErrNegativeFee     = errors.New("portfolio: fill fee must not be negative")
	ErrOutOfOrderSeqNo = errors.New("portfolio: sequence number out of order")
	ErrInvalidSide     = errors.New("portfolio: unknown fill side")
)

// LedgerError is a rejected append. Kind is one of the sentinels above and
// is what errors.Is matches.
type LedgerError struct {
	Kind     error
	Value    int64
	Supplied uint64
	Last     uint64
}

func (e *LedgerError) Error() string {
	switch e.Kind {
	case ErrOutOfOrderSeqNo:
		return fmt.Sprintf("%v: supplied %d, last %d", e.Kind, e.Supplied, e.Last)
	case ErrNonPositiveQty, ErrNegativePrice, ErrNegativeFee:
		return fmt.Sprintf("%v: %d", e.Kind, e.Value)
	}
	return e.Kind.Error()
}

func (e *LedgerError) Unwrap() error { return e.Kind }

func outOfOrder(supplied, last uint64) error {
	return &LedgerError{Kind: ErrOutOfOrderSeqNo, Supplied: supplied, Last: last}
}

// Ledger wraps PortfolioState with input validation and sequence tracking.
// Invalid input is rejected before any state changes.
type Ledger struct {
	pf      *PortfolioState
	lastSeq uint64
	hasSeq  bool
}

// NewLedger returns an empty ledger holding initialCash micros.
func NewLedger(initialCashMicros int64) *Ledger {
	return &Ledger{pf: NewPortfolioState(initialCashMicros)}
}

// Snapshot is a deep copy of the ledger's derived state.
type Snapshot struct {
	InitialCashMicros int64     `json:"initial_cash_micros"`
	CashMicros        int64     `json:"cash_micros"`
	RealizedPnLMicros int64     `json:"realized_pnl_micros"`
	Positions         Positions `json:"positions"`
	EntryCount        int       `json:"entry_count"`
	LastSeqNo         *uint64   `json:"last_seq_no,omitempty"`
}

func validateFill(f Fill) error {
	if blank(f.Symbol) {
		return &LedgerError{Kind: ErrEmptySymbol}
	}
	if !f.Side.Valid() {
		return &LedgerError{Kind: ErrInvalidSide}
	}
	if f.Qty <= 0 {
		return &LedgerError{Kind: ErrNonPositiveQty, Value: f.Qty}
	}
	if f.PriceMicros < 0 {
		return &LedgerError{Kind: ErrNegativePrice, Value: f.PriceMicros}
	}
	if f.FeeMicros < 0 {
		return &LedgerError{Kind: ErrNegativeFee, Value: f.FeeMicros}
	}
	return nil
}

// AppendFill validates and applies a fill without sequence tracking.
func (l *Ledger) AppendFill(f Fill) error {
	if err := validateFill(f); err != nil {
		return err
	}
	ApplyFill(l.pf, f)
	return nil
}

// AppendFillSeq applies a fill that must carry a sequence number strictly
// greater than any previously appended one.
func (l *Ledger) AppendFillSeq(f Fill, seqNo uint64) error {
	if l.hasSeq && seqNo <= l.lastSeq {
		return outOfOrder(seqNo, l.lastSeq)
	}
	if err := validateFill(f); err != nil {
		return err
	}
	ApplyFill(l.pf, f)
	l.lastSeq, l.hasSeq = seqNo, true
	return nil
}

// AppendCash applies a signed cash adjustment. The reason is mandatory.
func (l *Ledger) AppendCash(amountMicros int64, reason string) error {
	if blank(reason) {
		return &LedgerError{Kind: ErrEmptySymbol}
	}
	ApplyCash(l.pf, CashEntry{AmountMicros: amountMicros, Reason: reason})
	return nil
}

// Snapshot copies the current state out of the ledger.
func (l *Ledger) Snapshot() Snapshot {
	s := Snapshot{
		InitialCashMicros: l.pf.InitialCashMicros,
		CashMicros:        l.pf.CashMicros,
		RealizedPnLMicros: l.pf.RealizedPnLMicros,
		Positions:         l.pf.Positions.Clone(),
		EntryCount:        len(l.pf.Ledger),
	}
	if l.hasSeq {
		seq := l.lastSeq
		s.LastSeqNo = &seq
	}
	return s
}

// Entries returns a copy of the append-only entry log.
func (l *Ledger) Entries() []LedgerEntry {
	out := make([]LedgerEntry, len(l.pf.Ledger))
	copy(out, l.pf.Ledger)
	return out
}

func (l *Ledger) CashMicros() int64        { return l.pf.CashMicros }
func (l *Ledger) RealizedPnLMicros() int64 { return l.pf.RealizedPnLMicros }
func (l *Ledger) EntryCount() int          { return len(l.pf.Ledger) }

// QtySigned returns the net position in symbol, zero when flat.
func (l *Ledger) QtySigned(symbol string) int64 {
	return l.pf.Positions[symbol].QtySigned()
}

// IsFlat reports whether there are no open positions.
func (l *Ledger) IsFlat() bool { return len(l.pf.Positions) == 0 }

// Positions returns a deep copy of the open positions.
func (l *Ledger) Positions() Positions { return l.pf.Positions.Clone() }

// VerifyIntegrity replays the full ledger and reports whether the replay
// agrees with the incrementally maintained state.
func (l *Ledger) VerifyIntegrity() bool {
	cash, realized, positions := RecomputeFromLedger(l.pf.InitialCashMicros, l.pf.Ledger)
	return cash == l.pf.CashMicros &&
		realized == l.pf.RealizedPnLMicros &&
		reflect.DeepEqual(positions, l.pf.Positions)
}

func (l *Ledger) Equity(marks MarkMap) int64 {
	return ComputeEquity(l.pf.CashMicros, l.pf.Positions, marks)
}

func (l *Ledger) UnrealizedPnL(marks MarkMap) int64 {
	return ComputeUnrealizedPnL(l.pf.Positions, marks)
}

func (l *Ledger) Exposure(marks MarkMap) Exposure {
	return ComputeExposure(l.pf.Positions, marks)
}
