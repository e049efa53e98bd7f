// Package usdc keeps settlement amounts on the six-decimal grid used by USDC so
// that repeated additions and subtractions of float64 values do not drift.
package usdc

import "github.com/shopspring/decimal"

// Places is the number of fractional digits carried by an amount.
const Places = 6

// Round snaps v to the amount grid.
func Round(v float64) float64 {
	return decimal.NewFromFloat(v).Round(Places).InexactFloat64()
}

// Add returns a+b on the amount grid.
func Add(a, b float64) float64 {
	return decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Round(Places).InexactFloat64()
}

// Sub returns a-b on the amount grid.
func Sub(a, b float64) float64 {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).Round(Places).InexactFloat64()
}

// Mul returns a*rate on the amount grid.
func Mul(a, rate float64) float64 {
	return decimal.NewFromFloat(a).Mul(decimal.NewFromFloat(rate)).Round(Places).InexactFloat64()
}

// Sum adds all values on the amount grid.
func Sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(decimal.NewFromFloat(v))
	}
	return total.Round(Places).InexactFloat64()
}

// Min returns the smaller of two amounts.
func Min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Format renders v with exactly six fractional digits.
func Format(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(Places)
}
