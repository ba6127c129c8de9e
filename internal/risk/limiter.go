// Package risk implements the risk gate: exposure caps over the live book
// plus a manual block switch.
//
// The gateway asks IsAllowed on every call, so the limiter keeps its own
// copy of the latest positions and marks instead of reaching back into
// the runtime that owns the ledger.
package risk

import (
	"errors"
	"sync"

	"github.com/mqk/execution-engine/internal/portfolio"
)

var (
	// ErrPerSymbolLimitExceeded is returned when an order would push one
	// symbol's marked exposure beyond the per-symbol maximum.
	ErrPerSymbolLimitExceeded = errors.New("risk: per-symbol exposure limit exceeded")

	// ErrGrossLimitExceeded is returned when an order would push gross
	// exposure across all symbols beyond the gross maximum.
	ErrGrossLimitExceeded = errors.New("risk: gross exposure limit exceeded")

	// ErrMissingMark is returned when an order is checked for a symbol with no mark.
	ErrMissingMark = errors.New("risk: no mark for symbol")
)

// Limiter enforces gross and per-symbol exposure caps, in micros. A zero
// cap disables that check.
type Limiter struct {
	MaxGrossMicros     int64
	MaxPerSymbolMicros int64

	mu        sync.RWMutex
	positions portfolio.Positions
	marks     portfolio.MarkMap
	blocked   string
}

// NewLimiter creates a limiter with the given caps.
func NewLimiter(maxGrossMicros, maxPerSymbolMicros int64) *Limiter {
	return &Limiter{
		MaxGrossMicros:     maxGrossMicros,
		MaxPerSymbolMicros: maxPerSymbolMicros,
		positions:          make(portfolio.Positions),
		marks:              make(portfolio.MarkMap),
	}
}

// Update replaces the book the limiter evaluates. Both arguments are
// copied.
func (l *Limiter) Update(positions portfolio.Positions, marks portfolio.MarkMap) {
	pos := positions.Clone()
	mk := make(portfolio.MarkMap, len(marks))
	for k, v := range marks {
		mk[k] = v
	}
	l.mu.Lock()
	l.positions, l.marks = pos, mk
	l.mu.Unlock()
}

// Block closes the gate until Unblock.
func (l *Limiter) Block(reason string) {
	if reason == "" {
		reason = "manual"
	}
	l.mu.Lock()
	l.blocked = reason
	l.mu.Unlock()
}

func (l *Limiter) Unblock() {
	l.mu.Lock()
	l.blocked = ""
	l.mu.Unlock()
}

// Blocked returns the block reason, empty when not blocked.
func (l *Limiter) Blocked() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.blocked
}

// IsAllowed implements the gateway's RiskGate.
func (l *Limiter) IsAllowed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.blocked != "" {
		return false
	}
	if l.MaxGrossMicros > 0 {
		if err := portfolio.EnforceMaxGrossExposure(l.positions, l.marks, l.MaxGrossMicros); err != nil {
			return false
		}
	}
	return true
}

// CheckOrder validates a signed quantity change in symbol against both caps
// at the current mark. It is the pre-trade check run before an intent is
// written to the outbox.
func (l *Limiter) CheckOrder(symbol string, deltaQty int64) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	mark, ok := l.marks[symbol]
	if !ok {
		return ErrMissingMark
	}

	// 1. Per-symbol limit.
	newQty := l.positions[symbol].QtySigned() + deltaQty
	symbolExposure := portfolio.ComputeExposure(
		portfolio.Positions{symbol: {Symbol: symbol, Lots: []portfolio.Lot{{Qty: newQty, EntryPriceMicros: mark}}}},
		portfolio.MarkMap{symbol: mark},
	).GrossMicros
	if l.MaxPerSymbolMicros > 0 && symbolExposure > l.MaxPerSymbolMicros {
		return ErrPerSymbolLimitExceeded
	}

	// 2. Gross limit: every other symbol at its mark plus the new position.
	if l.MaxGrossMicros > 0 {
		others := make(portfolio.Positions, len(l.positions))
		for sym, pos := range l.positions {
			if sym != symbol {
				others[sym] = pos
			}
		}
		gross := portfolio.ComputeExposure(others, l.marks).GrossMicros
		if gross > l.MaxGrossMicros-symbolExposure {
			return ErrGrossLimitExceeded
		}
	}
	return nil
}
