package portfolio

import (
	"github.com/mqk/execution-engine/internal/model"
)

// ApplyEntry appends e to the ledger and applies it to pf.
func ApplyEntry(pf *PortfolioState, e LedgerEntry) {
	switch e.Kind {
	case EntryFill:
		if e.Fill != nil {
			pf.CashMicros, pf.RealizedPnLMicros = applyFill(pf.Positions, pf.CashMicros, pf.RealizedPnLMicros, *e.Fill)
		}
	case EntryCash:
		if e.Cash != nil {
			pf.CashMicros = addSat(pf.CashMicros, e.Cash.AmountMicros)
		}
	}
	pf.Ledger = append(pf.Ledger, e)
}

// ApplyFill records f in the ledger and applies it.
func ApplyFill(pf *PortfolioState, f Fill) { ApplyEntry(pf, FillEntry(f)) }

// ApplyCash records c in the ledger and applies it.
func ApplyCash(pf *PortfolioState, c CashEntry) { ApplyEntry(pf, CashLedgerEntry(c)) }

// RecomputeFromLedger replays entries from initialCash and returns the
// resulting cash, realized PnL and positions. It shares every arithmetic
// step with ApplyEntry, so the result is bit-identical to incremental
// application of the same sequence.
func RecomputeFromLedger(initialCashMicros int64, entries []LedgerEntry) (cash, realized int64, positions Positions) {
	cash = initialCashMicros
	positions = make(Positions)
	for _, e := range entries {
		switch e.Kind {
		case EntryFill:
			if e.Fill != nil {
				cash, realized = applyFill(positions, cash, realized, *e.Fill)
			}
		case EntryCash:
			if e.Cash != nil {
				cash = addSat(cash, e.Cash.AmountMicros)
			}
		}
	}
	return cash, realized, positions
}

// applyFill moves cash first, then walks the lots. Flat positions are
// removed from the map.
func applyFill(positions Positions, cash, realized int64, f Fill) (int64, int64) {
	notional := clamp(wideMul(f.Qty, f.PriceMicros))
	switch f.Side {
	case model.Buy:
		cash = subSat(cash, notional)
	case model.Sell:
		cash = addSat(cash, notional)
	}
	cash = subSat(cash, f.FeeMicros)

	pos, ok := positions[f.Symbol]
	if !ok {
		pos = PositionState{Symbol: f.Symbol}
	}
	switch f.Side {
	case model.Buy:
		realized = buyFIFO(&pos, realized, f.Qty, f.PriceMicros)
	case model.Sell:
		realized = sellFIFO(&pos, realized, f.Qty, f.PriceMicros)
	}

	if pos.IsFlat() {
		delete(positions, f.Symbol)
	} else {
		positions[f.Symbol] = pos
	}
	return cash, realized
}

// buyFIFO covers shorts oldest first, then opens a long lot with the rest.
func buyFIFO(pos *PositionState, realized, qty, px int64) int64 {
	lots := pos.Lots[:0:0]
	for _, lot := range pos.Lots {
		if qty == 0 || !lot.isShort() {
			lots = append(lots, lot)
			continue
		}
		covered := min(lot.absQty(), qty)
		pnl := wide(lot.EntryPriceMicros).Sub(wide(px)).Mul(wide(covered))
		realized = addSat(realized, clamp(pnl))
		qty -= covered
		if rest := lot.absQty() - covered; rest > 0 {
			lots = append(lots, Lot{Qty: -rest, EntryPriceMicros: lot.EntryPriceMicros})
		}
	}
	if qty > 0 {
		lots = append(lots, Lot{Qty: qty, EntryPriceMicros: px})
	}
	pos.Lots = lots
	return realized
}

// sellFIFO reduces longs oldest first, then opens a short lot with the rest.
func sellFIFO(pos *PositionState, realized, qty, px int64) int64 {
	lots := pos.Lots[:0:0]
	for _, lot := range pos.Lots {
		if qty == 0 || !lot.isLong() {
			lots = append(lots, lot)
			continue
		}
		sold := min(lot.absQty(), qty)
		pnl := wide(px).Sub(wide(lot.EntryPriceMicros)).Mul(wide(sold))
		realized = addSat(realized, clamp(pnl))
		qty -= sold
		if rest := lot.absQty() - sold; rest > 0 {
			lots = append(lots, Lot{Qty: rest, EntryPriceMicros: lot.EntryPriceMicros})
		}
	}
	if qty > 0 {
		lots = append(lots, Lot{Qty: -qty, EntryPriceMicros: px})
	}
	pos.Lots = lots
	return realized
}
