package portfolio

import (
	"cmp"
	"slices"
)

// TaggedFill is a fill with the broker sequence number that places it in
// canonical order.
type TaggedFill struct {
	SeqNo uint64 `json:"seq_no"`
	Fill  Fill   `json:"fill"`
}

func compareCanonical(a, b TaggedFill) int {
	if c := cmp.Compare(a.SeqNo, b.SeqNo); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Fill.Symbol, b.Fill.Symbol); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Fill.Side.Rank(), b.Fill.Side.Rank()); c != 0 {
		return c
	}
	return cmp.Compare(a.Fill.Qty, b.Fill.Qty)
}

// SortFillsCanonical stably sorts fills by (seq no, symbol, side, qty) with
// Buy before Sell. Sorting an already sorted slice leaves it unchanged.
func SortFillsCanonical(fills []TaggedFill) {
	slices.SortStableFunc(fills, compareCanonical)
}

// ApplyFillsCanonical sorts a copy of fills canonically and appends them to
// the ledger. The batch is validated in full first, so a rejected batch
// leaves the ledger untouched.
func ApplyFillsCanonical(l *Ledger, fills []TaggedFill) error {
	sorted := slices.Clone(fills)
	SortFillsCanonical(sorted)

	last, hasLast := l.lastSeq, l.hasSeq
	for _, tf := range sorted {
		if err := validateFill(tf.Fill); err != nil {
			return err
		}
		if hasLast && tf.SeqNo <= last {
			return outOfOrder(tf.SeqNo, last)
		}
		last, hasLast = tf.SeqNo, true
	}

	for _, tf := range sorted {
		if err := l.AppendFillSeq(tf.Fill, tf.SeqNo); err != nil {
			return err
		}
	}
	return nil
}
