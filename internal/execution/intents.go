package execution

import (
	"sort"

	"github.com/mqk/execution-engine/internal/model"
)

// TargetsToIntents turns target positions into the orders that move the
// current book to them. Symbols in current but absent from targets are
// flattened. Output is sorted by symbol so identical inputs always yield
// identical intents. Keys and order parameters are left to the caller.
func TargetsToIntents(current map[string]int64, targets []model.TargetPosition) []model.OrderIntent {
	want := make(map[string]int64, len(targets))
	for _, t := range targets {
		want[t.Symbol] = t.Qty
	}
	symbols := make([]string, 0, len(want)+len(current))
	for s := range want {
		symbols = append(symbols, s)
	}
	for s := range current {
		if _, ok := want[s]; !ok {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)

	var out []model.OrderIntent
	for _, s := range symbols {
		delta := want[s] - current[s]
		switch {
		case delta > 0:
			out = append(out, model.OrderIntent{Symbol: s, Side: model.Buy, Quantity: delta})
		case delta < 0:
			out = append(out, model.OrderIntent{Symbol: s, Side: model.Sell, Quantity: -delta})
		}
	}
	return out
}
