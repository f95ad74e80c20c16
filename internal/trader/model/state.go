package model

// Signal is the price-vs-EMA classification.
type Signal int

const (
	Hold Signal = iota
	Buy
	Sell
)

func (s Signal) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "HOLD"
	}
}

// Side maps an actionable signal to an order side. ok is false for Hold.
func (s Signal) Side() (Side, bool) {
	switch s {
	case Buy:
		return SideBuy, true
	case Sell:
		return SideSell, true
	default:
		return "", false
	}
}

// ConnectionState is the lifecycle state of the ingestion session.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Authenticated
	Subscribed
	Streaming
	Closed
	Failed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Authenticated:
		return "AUTHENTICATED"
	case Subscribed:
		return "SUBSCRIBED"
	case Streaming:
		return "STREAMING"
	case Closed:
		return "CLOSED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
