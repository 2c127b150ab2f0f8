package numeric

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSizeToStepTruncatesTowardZero(t *testing.T) {
	require.True(t, SizeToStep(d("1.2345"), d("0.001")).Equal(d("1.234")))
	require.True(t, SizeToStep(d("0.0009"), d("0.001")).IsZero())
	require.True(t, SizeToStep(d("5"), d("0.5")).Equal(d("5")))

	cases := []string{"0.1299", "3.14159", "42", "0.000123"}
	step := d("0.01")
	for _, c := range cases {
		v := d(c)
		q := SizeToStep(v, step)
		require.True(t, q.LessThanOrEqual(v), "quantized %s exceeds input %s", q, v)
	}
}

func TestPriceToTickHalfUp(t *testing.T) {
	tick := d("0.5")
	require.True(t, PriceToTick(d("100.25"), tick).Equal(d("100.5")))
	require.True(t, PriceToTick(d("100.24"), tick).Equal(d("100")))
	// Precision never exceeds the tick's scale.
	got := PriceToTick(d("123.456789"), d("0.01"))
	require.True(t, got.Exponent() >= -2, "unexpected scale %d", got.Exponent())
}

func TestProtectiveLimitDirectionAware(t *testing.T) {
	ref := d("100")
	slip := d("0.1")
	tick := d("0.3")

	buyLimit := ProtectiveLimit(true, ref, slip, tick)
	require.True(t, buyLimit.GreaterThanOrEqual(d("110")), "buy limit %s under reference band", buyLimit)

	sellLimit := ProtectiveLimit(false, ref, slip, tick)
	require.True(t, sellLimit.LessThanOrEqual(d("90")), "sell limit %s over reference band", sellLimit)
}

func TestNotionalValue(t *testing.T) {
	require.True(t, NotionalValue(d("100.5"), d("0.123"), d("0.0001")).Equal(d("12.3615")))
	require.True(t, NotionalValue(d("3"), d("0.00001"), d("0.0001")).IsZero())
}

func TestScaleFromStep(t *testing.T) {
	require.Equal(t, int32(3), ScaleFromStep("0.0010"))
	require.Equal(t, int32(0), ScaleFromStep("1"))
	require.Equal(t, int32(0), ScaleFromStep(""))
	require.Equal(t, int32(2), ScaleFromStep("0.05"))
}
