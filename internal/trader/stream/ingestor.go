// Package stream owns the market data connection: it authenticates,
// subscribes, parses trade frames and reconnects with backoff.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ematrader/internal/trader/alert"
	"ematrader/internal/trader/backoff"
	"ematrader/internal/trader/memorystore"
	"ematrader/internal/trader/model"

	"go.uber.org/zap"
)

var (
	// ErrAuthFailed means the server rejected the credentials. It is never retried.
	ErrAuthFailed = errors.New("stream authentication failed")
	// ErrReconnectExhausted means MaxAttempts consecutive connection failures.
	ErrReconnectExhausted = errors.New("stream reconnect attempts exhausted")
)

const (
	msgStreaming = "Connected successfully. Streaming real-time data live."
	msgClosed    = "WebSocket connection closed."
)

// Conn is one open websocket connection.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() ([]byte, error)
	SetReadDeadline(t time.Time) error
	Ping() error
	WriteClose(reason string) error
	Close() error
}

// pongSetter is implemented by connections that surface keepalive pongs.
type pongSetter interface {
	SetPongHandler(h func() error)
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Conn, error)

func (f DialFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Consumer receives every accepted trade. Consume may block; that is how
// backpressure reaches the reader.
type Consumer interface {
	Consume(ctx context.Context, ev model.TradeEvent) error
}

// Observer is told about state changes and reconnect attempts.
type Observer interface {
	ConnectionStateChanged(s model.ConnectionState)
	Reconnect()
}

type Config struct {
	Key    string
	Secret string

	Reconnect        backoff.Policy
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // zero disables the read deadline
	PingInterval     time.Duration // zero disables keepalive pings
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultMaxAttempts      = 5
)

// Ingestor is the TickIngestor.
type Ingestor struct {
	cfg      Config
	dialer   Dialer
	symbols  *memorystore.MemorySymbolStore
	consumer Consumer
	alerts   alert.Sink
	logger   *zap.Logger
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	state        model.ConnectionState
	conn         Conn
	failures     int
	terminal     bool
	streamedOnce bool
}

type Option func(*Ingestor)

func WithObserver(o Observer) Option {
	return func(i *Ingestor) { i.observer = o }
}

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(i *Ingestor) { i.sleep = fn }
}

func New(dialer Dialer, symbols *memorystore.MemorySymbolStore, consumer Consumer,
	alerts alert.Sink, cfg Config, logger *zap.Logger, opts ...Option) *Ingestor {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect.MaxAttempts = defaultMaxAttempts
	}
	i := &Ingestor{
		cfg:      cfg,
		dialer:   dialer,
		symbols:  symbols,
		consumer: consumer,
		alerts:   alerts,
		logger:   logger.Named("stream"),
		sleep:    backoff.Sleep,
		state:    model.Disconnected,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// State returns the current connection state.
func (i *Ingestor) State() model.ConnectionState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Ingestor) transition(to model.ConnectionState) error {
	i.mu.Lock()
	from := i.state
	if !canTransition(from, to) {
		i.mu.Unlock()
		err := &transitionError{from: from, to: to}
		i.logger.Warn("ignoring connection transition", zap.Error(err))
		return err
	}
	i.state = to
	i.mu.Unlock()

	i.logger.Info("connection state",
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
	if i.observer != nil {
		i.observer.ConnectionStateChanged(to)
	}
	return nil
}

// Connect dials, authenticates and subscribes. On success the state is
// Streaming; on any failure it is Failed and the connection is discarded.
func (i *Ingestor) Connect(ctx context.Context) error {
	if err := i.transition(model.Connecting); err != nil {
		return err
	}

	conn, err := i.handshake(ctx)
	if err != nil {
		_ = i.transition(model.Failed)
		return err
	}

	i.mu.Lock()
	i.conn = conn
	i.failures = 0
	first := !i.streamedOnce
	i.streamedOnce = true
	i.mu.Unlock()

	if err := i.transition(model.Streaming); err != nil {
		return err
	}
	if first {
		i.alerts.Notify(msgStreaming)
	}
	return nil
}

func (i *Ingestor) handshake(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, i.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := i.dialer.Dial(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	fail := func(err error) (Conn, error) {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.WriteJSON(authMessage{Action: "auth", Key: i.cfg.Key, Secret: i.cfg.Secret}); err != nil {
		return fail(fmt.Errorf("send auth: %w", err))
	}
	if err := i.awaitAuth(conn); err != nil {
		return fail(err)
	}
	if err := i.transition(model.Authenticated); err != nil {
		return fail(err)
	}

	symbols := i.symbols.GetAll()
	if len(symbols) == 0 {
		return fail(errors.New("no symbols to subscribe"))
	}
	if err := conn.WriteJSON(subscribeMessage{Action: "subscribe", Trades: symbols}); err != nil {
		return fail(fmt.Errorf("send subscribe: %w", err))
	}
	if err := i.transition(model.Subscribed); err != nil {
		return fail(err)
	}
	i.logger.Info("subscribed", zap.Strings("symbols", symbols))
	return conn, nil
}

// awaitAuth reads control messages until the server confirms authentication.
func (i *Ingestor) awaitAuth(conn Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(i.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await auth: %w", err)
		}
		msgs, err := parseFrame(raw)
		if err != nil {
			i.logger.Debug("discarding handshake frame", zap.Error(err))
			continue
		}
		for _, m := range msgs {
			c := m.control()
			switch c.Type {
			case typeSuccess:
				if c.Msg == msgAuthenticated {
					return nil
				}
			case typeError:
				if fatalAuthCodes[c.Code] {
					return fmt.Errorf("%w: %s (code %d)", ErrAuthFailed, c.Msg, c.Code)
				}
				return fmt.Errorf("auth error: %s (code %d)", c.Msg, c.Code)
			}
		}
	}
}

// OnFrame parses one frame and forwards accepted trades to the consumer. It
// returns the number of trades forwarded. Malformed frames and messages are
// dropped with a debug log.
func (i *Ingestor) OnFrame(ctx context.Context, raw []byte) int {
	msgs, err := parseFrame(raw)
	if err != nil {
		i.logger.Debug("discarding frame", zap.Error(err))
		return 0
	}

	forwarded := 0
	for _, m := range msgs {
		c := m.control()
		switch c.Type {
		case typeTrade:
			ev, err := decodeTrade(m)
			if err != nil {
				i.logger.Debug("discarding trade", zap.Error(err))
				continue
			}
			if !i.symbols.Contains(ev.Symbol) {
				i.logger.Debug("discarding trade for unsubscribed symbol", zap.String("symbol", ev.Symbol))
				continue
			}
			if err := i.consumer.Consume(ctx, ev); err != nil {
				i.logger.Warn("trade not consumed", zap.String("symbol", ev.Symbol), zap.Error(err))
				continue
			}
			forwarded++
		case typeError:
			i.logger.Warn("stream error message", zap.Int("code", c.Code), zap.String("msg", c.Msg))
		case typeSuccess, typeSubscription:
			i.logger.Debug("stream control message", zap.String("type", c.Type), zap.String("msg", c.Msg))
		}
	}
	return forwarded
}

// Run connects and reads until ctx is cancelled, reconnecting with backoff.
// It returns nil on cancellation, ErrAuthFailed on rejected credentials and
// ErrReconnectExhausted when the failure budget is spent.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		err := i.Connect(ctx)
		if err == nil {
			i.mu.Lock()
			conn := i.conn
			i.mu.Unlock()

			err = i.read(ctx, conn)
			if err == nil || ctx.Err() != nil {
				return nil
			}
			_ = i.transition(model.Failed)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		var te *transitionError
		if errors.As(err, &te) {
			// closed underneath us
			return err
		}

		i.mu.Lock()
		i.failures++
		failures := i.failures
		i.mu.Unlock()

		if errors.Is(err, ErrAuthFailed) {
			return i.giveUp(err, err)
		}
		if i.cfg.Reconnect.Exhausted(failures) {
			return i.giveUp(err, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, failures, err))
		}

		wait := i.cfg.Reconnect.Delay(failures - 1)
		i.logger.Warn("stream connection failed, reconnecting",
			zap.Error(err),
			zap.Int("failures", failures),
			zap.Int("max_attempts", i.cfg.Reconnect.MaxAttempts),
			zap.Duration("wait", wait),
		)
		i.alerts.Notify(fmt.Sprintf("Failed to connect to the WebSocket: %v. Retrying in %s (attempt %d/%d).",
			err, wait.Round(time.Millisecond), failures, i.cfg.Reconnect.MaxAttempts))
		if i.observer != nil {
			i.observer.Reconnect()
		}

		if err := i.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

func (i *Ingestor) giveUp(cause, ret error) error {
	i.mu.Lock()
	i.terminal = true
	i.mu.Unlock()

	i.logger.Error("stream connection failed permanently", zap.Error(cause))
	i.alerts.Notify(fmt.Sprintf("Failed to connect to the WebSocket, giving up: %v", cause))
	return ret
}

// read consumes frames until an error or ctx is cancelled. Cancellation
// stops reads without closing the connection; Close does that.
func (i *Ingestor) read(ctx context.Context, conn Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	// Once cancellation has expired the deadline, later extensions are
	// ignored so a blocked ReadMessage cannot be pushed back out.
	var (
		deadlineMu sync.Mutex
		cancelled  bool
	)
	extend := func() error {
		deadlineMu.Lock()
		defer deadlineMu.Unlock()
		if cancelled {
			return nil
		}
		return conn.SetReadDeadline(time.Now().Add(i.cfg.ReadTimeout))
	}

	go func() {
		select {
		case <-ctx.Done():
			deadlineMu.Lock()
			cancelled = true
			// unblock ReadMessage
			_ = conn.SetReadDeadline(time.Now())
			deadlineMu.Unlock()
		case <-stop:
		}
	}()

	if i.cfg.ReadTimeout > 0 {
		if ps, ok := conn.(pongSetter); ok {
			ps.SetPongHandler(extend)
		}
	}

	if i.cfg.PingInterval > 0 {
		go func() {
			ticker := time.NewTicker(i.cfg.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					if err := conn.Ping(); err != nil {
						i.logger.Debug("ping failed", zap.Error(err))
						return
					}
				}
			}
		}()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if i.cfg.ReadTimeout > 0 {
			_ = extend()
		}
		raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		i.OnFrame(ctx, raw)
	}
}

// Close sends a normal close frame, closes the connection and moves to
// Closed. It is a no-op after a terminal failure or a previous Close.
func (i *Ingestor) Close(ctx context.Context) error {
	i.mu.Lock()
	if i.terminal || i.state == model.Closed {
		conn := i.conn
		i.conn = nil
		i.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	conn := i.conn
	i.conn = nil
	i.mu.Unlock()

	var err error
	if conn != nil {
		done := make(chan error, 1)
		go func() { done <- conn.WriteClose("shutdown") }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if cerr := conn.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			i.logger.Warn("closing stream connection", zap.Error(err))
		}
	}

	if terr := i.transition(model.Closed); terr == nil {
		i.alerts.Notify(msgClosed)
	}
	return err
}
