package pricing

import "math"

// Line describes a cart line item used for total calculation.
type Line struct {
	UnitPrice       float64
	DiscountPercent float64
	Quantity        int
}

// Summary aggregates computed pricing components. All values retain full
// float precision; Round2 is applied only when the numbers are serialized
// for display.
type Summary struct {
	Subtotal   float64
	Shipping   float64
	GrandTotal float64
}

// EffectivePrice returns the unit price after applying the line discount.
// Discounts outside 0-100 are clamped rather than rejected: invalid inputs
// are refused at the mutation boundary, not here.
func EffectivePrice(line Line) float64 {
	pct := line.DiscountPercent
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return line.UnitPrice * (1 - pct/100)
}

// LineTotal returns the discounted price multiplied by quantity.
func LineTotal(line Line) float64 {
	if line.Quantity <= 0 {
		return 0
	}
	return EffectivePrice(line) * float64(line.Quantity)
}

// Subtotal sums line totals. An empty set of lines yields 0.
func Subtotal(lines []Line) float64 {
	var total float64
	for _, line := range lines {
		total += LineTotal(line)
	}
	return total
}

// GrandTotal adds the shipping charge to the subtotal. Shipping stays 0
// until a delivery location has been explicitly selected.
func GrandTotal(subtotal, shipping float64) float64 {
	if shipping < 0 {
		shipping = 0
	}
	return subtotal + shipping
}

// Compute derives the full summary for a set of lines and a shipping charge.
func Compute(lines []Line, shipping float64) Summary {
	if shipping < 0 {
		shipping = 0
	}
	subtotal := Subtotal(lines)
	return Summary{
		Subtotal:   subtotal,
		Shipping:   shipping,
		GrandTotal: GrandTotal(subtotal, shipping),
	}
}

// Round2 rounds to 2 decimal places for display. Internal math keeps full
// precision so rounding error does not compound across quantity multiplication.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
