package stream

// Message type markers ("T") used by the market data stream.
const (
	typeTrade        = "t"
	typeSuccess      = "success"
	typeError        = "error"
	typeSubscription = "subscription"

	msgConnected     = "connected"
	msgAuthenticated = "authenticated"
)

// Stream error codes that mean the credentials (or plan) will never work.
var fatalAuthCodes = map[int]bool{
	401: true, // not authenticated
	402: true, // auth failed
	409: true, // insufficient subscription
}

// authMessage is sent right after the connection opens.
type authMessage struct {
	Action string `json:"action"` // "auth"
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// subscribeMessage requests trade updates for the given symbols.
type subscribeMessage struct {
	Action string   `json:"action"` // "subscribe"
	Trades []string `json:"trades"`
}

// controlMessage is a success/error/subscription message from the server.
type controlMessage struct {
	Type string `json:"T"`
	Msg  string `json:"msg"`
	Code int    `json:"code"`
}
