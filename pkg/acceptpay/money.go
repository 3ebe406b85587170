package acceptpay

import "github.com/shopspring/decimal"

// The gateway speaks rupees as JSON numbers; everything internal is integer
// paise. Conversions go through decimal so 99.35 never becomes 9934.

func paiseToRupees(paise int64) float64 {
	return decimal.NewFromInt(paise).Div(decimal.NewFromInt(100)).InexactFloat64()
}

// RupeesToPaise converts a gateway rupee amount to integer paise.
func RupeesToPaise(rupees float64) int64 {
	return decimal.NewFromFloat(rupees).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
