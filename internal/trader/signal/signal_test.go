package signal

import (
	"testing"

	"ematrader/internal/trader/model"

	"github.com/shopspring/decimal"
)

// go test -v --run TestEvaluate
func TestEvaluate(t *testing.T) {
	tests := []struct {
		price, ema string
		want       model.Signal
	}{
		{"10.01", "10", model.Buy},
		{"9.99", "10", model.Sell},
		{"10", "10.000", model.Hold},
		{"0", "0", model.Hold},
		{"-1", "0", model.Sell},
		{"0.000000000001", "0", model.Buy},
	}

	for _, tt := range tests {
		t.Run(tt.price+"_"+tt.ema, func(t *testing.T) {
			got := Evaluate(decimal.RequireFromString(tt.price), decimal.RequireFromString(tt.ema))
			if got != tt.want {
				t.Errorf("Evaluate(%s, %s) = %v, want %v", tt.price, tt.ema, got, tt.want)
			}
		})
	}
}
