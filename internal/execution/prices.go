package execution

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MicrosPerUnit is the fixed-point scale of every price on the engine side.
const MicrosPerUnit = 1_000_000

var ErrPricing = errors.New("execution: price not representable")

// PricingError is a wire price that cannot become micros.
type PricingError struct {
	Value  string
	Reason string
}

func (e *PricingError) Error() string {
	return fmt.Sprintf("execution: price %s not representable: %s", e.Value, e.Reason)
}

func (e *PricingError) Is(target error) bool { return target == ErrPricing }

// 2^63 as a float64; every float at or above it overflows int64.
const twoPow63 = 9223372036854775808.0

var (
	maxMicros = decimal.NewFromInt(math.MaxInt64)
	minMicros = decimal.NewFromInt(math.MinInt64)
)

// MicrosToPrice converts micros to a float for a broker that wants one.
func MicrosToPrice(micros int64) float64 {
	return float64(micros) / MicrosPerUnit
}

// PriceToMicros converts a float wire price to micros, rounding half away
// from zero.
func PriceToMicros(price float64) (int64, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, &PricingError{Value: fmt.Sprint(price), Reason: "not finite"}
	}
	scaled := math.Round(price * MicrosPerUnit)
	if scaled >= twoPow63 || scaled < -twoPow63 {
		return 0, &PricingError{Value: fmt.Sprint(price), Reason: "out of int64 range"}
	}
	return int64(scaled), nil
}

// MicrosToDecimal converts micros to an exact decimal.
func MicrosToDecimal(micros int64) decimal.Decimal {
	return decimal.New(micros, -6)
}

// DecimalToMicros converts a decimal wire price to micros, rounding half
// away from zero at the sixth place.
func DecimalToMicros(d decimal.Decimal) (int64, error) {
	scaled := d.Shift(6).Round(0)
	if scaled.GreaterThan(maxMicros) || scaled.LessThan(minMicros) {
		return 0, &PricingError{Value: d.String(), Reason: "out of int64 range"}
	}
	return scaled.IntPart(), nil
}

// ParseMicros parses a decimal string such as "101.25" into micros.
func ParseMicros(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, &PricingError{Value: s, Reason: "not a decimal"}
	}
	return DecimalToMicros(d)
}
