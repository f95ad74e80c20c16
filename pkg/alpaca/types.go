package alpaca

// orderBody is the JSON payload for POST /v2/orders.
type orderBody struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`            // "buy" or "sell"
	Type          string `json:"type"`            // always "market" here
	TimeInForce   string `json:"time_in_force"`   // "day", "gtc", "ioc", ...
	ClientOrderID string `json:"client_order_id"` // idempotency token, max 128 chars
}

// Order is the subset of the Alpaca order object used by the trader.
type Order struct {
	ID            string `json:"id"`
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"` // e.g., "new", "accepted", "pending_new"
}

// Asset is the subset of GET /v2/assets/{symbol} used for universe validation.
type Asset struct {
	ID           string `json:"id"`
	Class        string `json:"class"` // "us_equity", "crypto"
	Exchange     string `json:"exchange"`
	Symbol       string `json:"symbol"`
	Status       string `json:"status"` // "active" or "inactive"
	Tradable     bool   `json:"tradable"`
	Fractionable bool   `json:"fractionable"`
}

// APIError is the error envelope returned by the trading API.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
