package risk

import (
	"testing"

	"github.com/mqk/execution-engine/internal/model"
	"github.com/mqk/execution-engine/internal/portfolio"
)

const M = portfolio.MicrosScale

func book(t *testing.T) (portfolio.Positions, portfolio.MarkMap) {
	t.Helper()
	pf := portfolio.NewPortfolioState(0)
	portfolio.ApplyFill(pf, portfolio.NewFill("AAPL", model.Buy, 10, 200*M, 0))
	portfolio.ApplyFill(pf, portfolio.NewFill("MSFT", model.Buy, 10, 300*M, 0))
	return pf.Positions, portfolio.MarkMap{"AAPL": 200 * M, "MSFT": 300 * M}
}

func TestIsAllowed_WithinLimits(t *testing.T) {
	l := NewLimiter(6_000*M, 0)
	l.Update(book(t))
	if !l.IsAllowed() {
		t.Error("expected allowed under gross cap")
	}
}

func TestIsAllowed_GrossExceeded(t *testing.T) {
	l := NewLimiter(4_000*M, 0)
	l.Update(book(t))
	if l.IsAllowed() {
		t.Error("expected gross breach to close the gate")
	}
}

func TestIsAllowed_Blocked(t *testing.T) {
	l := NewLimiter(0, 0)
	l.Block("")
	if l.IsAllowed() {
		t.Error("expected block to close the gate")
	}
	if l.Blocked() != "manual" {
		t.Errorf("expected default reason manual, got %q", l.Blocked())
	}
	l.Unblock()
	if !l.IsAllowed() {
		t.Error("expected unblock to reopen the gate")
	}
}

func TestCheckOrder_PerSymbolExceeded(t *testing.T) {
	l := NewLimiter(0, 2_500*M)
	l.Update(book(t))

	// 10 + 3 = 13 shares at 200 = 2600 > 2500.
	if err := l.CheckOrder("AAPL", 3); err != ErrPerSymbolLimitExceeded {
		t.Errorf("expected ErrPerSymbolLimitExceeded, got %v", err)
	}
	if err := l.CheckOrder("AAPL", 2); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	// Reducing exposure is always within the per-symbol cap here.
	if err := l.CheckOrder("AAPL", -10); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckOrder_GrossExceeded(t *testing.T) {
	l := NewLimiter(5_500*M, 0)
	l.Update(book(t))

	// 5000 today; 3 more MSFT adds 900.
	if err := l.CheckOrder("MSFT", 3); err != ErrGrossLimitExceeded {
		t.Errorf("expected ErrGrossLimitExceeded, got %v", err)
	}
	if err := l.CheckOrder("MSFT", 1); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckOrder_MissingMark(t *testing.T) {
	l := NewLimiter(0, 0)
	l.Update(book(t))
	if err := l.CheckOrder("TSLA", 1); err != ErrMissingMark {
		t.Errorf("expected ErrMissingMark, got %v", err)
	}
}

func TestUpdateCopiesInput(t *testing.T) {
	l := NewLimiter(6_000*M, 0)
	pos, marks := book(t)
	l.Update(pos, marks)
	marks["AAPL"] = 10_000 * M
	if !l.IsAllowed() {
		t.Error("expected limiter to be unaffected by caller mutating marks")
	}
}
