// Package signal classifies a price against its moving average.
package signal

import (
	"ematrader/internal/trader/model"

	"github.com/shopspring/decimal"
)

// Evaluate returns Buy when price is above ema, Sell when below and Hold when equal.
func Evaluate(price, ema decimal.Decimal) model.Signal {
	switch price.Cmp(ema) {
	case 1:
		return model.Buy
	case -1:
		return model.Sell
	default:
		return model.Hold
	}
}
