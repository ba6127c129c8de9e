package portfolio

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
	minInt64 = decimal.NewFromInt(math.MinInt64)
)

func wide(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// wideMul multiplies without any possibility of overflow.
func wideMul(a, b int64) decimal.Decimal {
	return decimal.NewFromInt(a).Mul(decimal.NewFromInt(b))
}

// clamp truncates a wide integer back into int64, saturating at the bounds.
func clamp(d decimal.Decimal) int64 {
	if d.GreaterThan(maxInt64) {
		return math.MaxInt64
	}
	if d.LessThan(minInt64) {
		return math.MinInt64
	}
	return d.IntPart()
}

func addSat(a, b int64) int64 {
	s := a + b
	if b > 0 && s < a {
		return math.MaxInt64
	}
	if b < 0 && s > a {
		return math.MinInt64
	}
	return s
}

func subSat(a, b int64) int64 {
	s := a - b
	if b < 0 && s < a {
		return math.MaxInt64
	}
	if b > 0 && s > a {
		return math.MinInt64
	}
	return s
}
