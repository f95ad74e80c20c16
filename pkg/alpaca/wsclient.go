package alpaca

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	StreamBaseURL = "wss://stream.data.alpaca.markets/v2"
	FeedIEX       = "iex"
	FeedSIP       = "sip"

	writeWait = 5 * time.Second
)

// StreamURL joins the market data base URL and feed name.
func StreamURL(base, feed string) string {
	if base == "" {
		base = StreamBaseURL
	}
	if feed == "" {
		feed = FeedIEX
	}
	return strings.TrimRight(base, "/") + "/" + feed
}

// WSDialer opens market data websocket connections.
type WSDialer struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
}

func NewWSDialer(url string, handshakeTimeout time.Duration) *WSDialer {
	header := make(http.Header)
	header.Set("User-Agent", "ematrader")
	return &WSDialer{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		header: header,
	}
}

func (d *WSDialer) URL() string { return d.url }

// Dial establishes the WebSocket connection. It does not authenticate or subscribe.
func (d *WSDialer) Dial(ctx context.Context) (*WSConn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", d.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.url, err)
	}
	return &WSConn{conn: conn}, nil
}

// WSConn wraps a gorilla connection with serialized writes. Reads must come
// from a single goroutine.
type WSConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *WSConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *WSConn) ReadMessage() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

func (c *WSConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetPongHandler lets keepalive pongs extend the read deadline.
func (c *WSConn) SetPongHandler(h func() error) {
	c.conn.SetPongHandler(func(string) error { return h() })
}

func (c *WSConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// WriteClose sends a close frame with a normal closure code.
func (c *WSConn) WriteClose(reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (c *WSConn) Close() error {
	return c.conn.Close()
}
