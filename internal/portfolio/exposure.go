package portfolio

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrExposureBreach is matched by every *ExposureBreach.
var ErrExposureBreach = errors.New("portfolio: gross exposure exceeds cap")

// Exposure holds gross (sum of |qty|*mark) and net (sum of qty*mark) exposure.
type Exposure struct {
	GrossMicros int64 `json:"gross_exposure_micros"`
	NetMicros   int64 `json:"net_exposure_micros"`
}

// ExposureBreach reports a gross exposure above the allowed cap.
type ExposureBreach struct {
	GrossMicros int64
	CapMicros   int64
}

func (e *ExposureBreach) Error() string {
	return fmt.Sprintf("portfolio: gross exposure %d exceeds cap %d (micros)", e.GrossMicros, e.CapMicros)
}

func (e *ExposureBreach) Is(target error) bool { return target == ErrExposureBreach }

// ComputeExposure sums exposure across positions at the given marks.
func ComputeExposure(positions Positions, marks MarkMap) Exposure {
	gross, net := decimal.Zero, decimal.Zero
	for sym, pos := range positions {
		mark := marks[sym]
		q := pos.QtySigned()
		gross = gross.Add(wide(q).Abs().Mul(wide(mark)))
		net = net.Add(wideMul(q, mark))
	}
	return Exposure{GrossMicros: clamp(gross), NetMicros: clamp(net)}
}

// ComputeUnrealizedPnL values every open lot against its mark.
func ComputeUnrealizedPnL(positions Positions, marks MarkMap) int64 {
	pnl := decimal.Zero
	for sym, pos := range positions {
		mark := wide(marks[sym])
		for _, lot := range pos.Lots {
			entry := wide(lot.EntryPriceMicros)
			switch {
			case lot.Qty > 0:
				pnl = pnl.Add(mark.Sub(entry).Mul(wide(lot.Qty)))
			case lot.Qty < 0:
				pnl = pnl.Add(entry.Sub(mark).Mul(wide(lot.Qty).Neg()))
			}
		}
	}
	return clamp(pnl)
}

// ComputeEquity returns cash plus the marked value of every position.
func ComputeEquity(cashMicros int64, positions Positions, marks MarkMap) int64 {
	mv := wide(cashMicros)
	for sym, pos := range positions {
		mv = mv.Add(wideMul(pos.QtySigned(), marks[sym]))
	}
	return clamp(mv)
}

// EnforceMaxGrossExposure returns an *ExposureBreach when gross exposure
// is strictly above capMicros.
func EnforceMaxGrossExposure(positions Positions, marks MarkMap, capMicros int64) error {
	exp := ComputeExposure(positions, marks)
	if exp.GrossMicros > capMicros {
		return &ExposureBreach{GrossMicros: exp.GrossMicros, CapMicros: capMicros}
	}
	return nil
}
