package execution_test

import (
	"reflect"
	"testing"

	"github.com/mqk/execution-engine/internal/execution"
	"github.com/mqk/execution-engine/internal/model"
)

func TestTargetsToIntents(t *testing.T) {
	current := map[string]int64{"AAPL": 10, "MSFT": -5, "TSLA": 3}
	targets := []model.TargetPosition{
		{Symbol: "MSFT", Qty: 5},
		{Symbol: "AAPL", Qty: 4},
		{Symbol: "NVDA", Qty: 2},
		{Symbol: "TSLA", Qty: 3},
	}
	got := execution.TargetsToIntents(current, targets)
	want := []model.OrderIntent{
		{Symbol: "AAPL", Side: model.Sell, Quantity: 6},
		{Symbol: "MSFT", Side: model.Buy, Quantity: 10},
		{Symbol: "NVDA", Side: model.Buy, Quantity: 2},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestTargetsToIntentsFlattensDroppedSymbols(t *testing.T) {
	got := execution.TargetsToIntents(map[string]int64{"AAPL": -7}, nil)
	want := []model.OrderIntent{{Symbol: "AAPL", Side: model.Buy, Quantity: 7}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}
