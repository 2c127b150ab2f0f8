// Package numeric provides exact-decimal quantization helpers for venue
// tick/step/precision rules.
package numeric

import (
	"strings"

	"github.com/shopspring/decimal"
)

// SizeToStep truncates size toward zero to the venue step size. The result
// never exceeds the input magnitude.
func SizeToStep(size, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return size
	}
	return size.Div(step).Truncate(0).Mul(step)
}

// PriceToTick rounds price to the nearest tick, half away from zero.
func PriceToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// PriceToTickUp rounds price up to the next tick boundary.
func PriceToTickUp(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick)
}

// PriceToTickDown rounds price down to the previous tick boundary.
func PriceToTickDown(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// ProtectiveLimit derives a marketable limit price from a reference price and
// a slippage fraction. Aggressive buys round up, aggressive sells round down,
// so the limit always crosses the reference.
func ProtectiveLimit(buy bool, ref, slippage, tick decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if buy {
		return PriceToTickUp(ref.Mul(one.Add(slippage)), tick)
	}
	return PriceToTickDown(ref.Mul(one.Sub(slippage)), tick)
}

// NotionalValue computes price*size truncated to the venue value step.
func NotionalValue(price, size, valueStep decimal.Decimal) decimal.Decimal {
	return SizeToStep(price.Mul(size), valueStep)
}

// ScaleFromStep derives the effective fractional precision from a decimal
// "step" string such as "0.0010".
func ScaleFromStep(step string) int32 {
	step = strings.TrimSpace(step)
	if step == "" {
		return 0
	}
	idx := strings.IndexByte(step, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(step[idx+1:], "0")
	return int32(len(frac))
}
