package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeEvent is a single validated trade observation taken from the stream.
type TradeEvent struct {
	Symbol    string          `json:"symbol"`    // Trading symbol (e.g., "AAPL")
	Price     decimal.Decimal `json:"price"`     // Trade price
	Timestamp time.Time       `json:"timestamp"` // Exchange timestamp of the trade
}

// Side is the order direction sent to the broker.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) String() string { return string(s) }

// OrderRequest is one logical order produced by a signal transition.
type OrderRequest struct {
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	TimeInForce string          `json:"time_in_force"` // e.g., "gtc", "day"
	DedupeKey   string          `json:"dedupe_key"`    // Unique per (symbol, evaluation cycle); sent as client_order_id
	Cycle       uint64          `json:"cycle"`         // Per-symbol signal transition counter
	Price       decimal.Decimal `json:"price"`         // Price that triggered the signal
	EMA         decimal.Decimal `json:"ema"`           // EMA at trigger time
	CreatedAt   time.Time       `json:"created_at"`
}

// OrderResult is the broker's acknowledgement of an accepted order.
type OrderResult struct {
	BrokerOrderID string `json:"broker_order_id"`
	ClientOrderID string `json:"client_order_id"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"` // Broker calls made for this logical order
}
