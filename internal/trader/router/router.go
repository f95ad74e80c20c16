// Package router fans trades out to per-symbol lanes. Each lane owns its
// symbol's EMA updates, signal evaluation and transition memory, so one
// symbol never waits on another.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ematrader/internal/trader/ema"
	"ematrader/internal/trader/model"
	"ematrader/internal/trader/signal"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("router closed")

// OrderSink accepts orders produced by signal transitions.
type OrderSink interface {
	Enqueue(ctx context.Context, req model.OrderRequest) error
}

// Observer counts ticks and evaluated signals.
type Observer interface {
	TickObserved(symbol string)
	SignalEvaluated(symbol string, s model.Signal)
}

type Config struct {
	SessionID   uuid.UUID
	Quantity    decimal.Decimal
	TimeInForce string
	LaneBuffer  int
}

const defaultLaneBuffer = 256

type lane struct {
	symbol string
	ticks  chan model.TradeEvent

	// owned by the lane goroutine
	lastSide model.Side
	cycle    uint64
}

// Router implements stream.Consumer.
type Router struct {
	cfg      Config
	engine   *ema.Engine
	orders   OrderSink
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	// sendMu orders lane sends against Close closing the lane channels
	sendMu sync.RWMutex
	closed bool

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

type Option func(*Router)

func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func New(engine *ema.Engine, orders OrderSink, cfg Config, logger *zap.Logger, opts ...Option) *Router {
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = defaultLaneBuffer
	}
	if cfg.SessionID == uuid.Nil {
		cfg.SessionID = uuid.New()
	}
	if cfg.Quantity.IsZero() {
		cfg.Quantity = decimal.NewFromInt(1)
	}
	r := &Router{
		cfg:    cfg,
		engine: engine,
		orders: orders,
		logger: logger.Named("router"),
		now:    time.Now,
		lanes:  make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SessionID is the namespace for this process's dedupe keys.
func (r *Router) SessionID() uuid.UUID { return r.cfg.SessionID }

// Consume routes ev to its symbol's lane. It blocks while the lane is full;
// trades are never dropped.
func (r *Router) Consume(ctx context.Context, ev model.TradeEvent) error {
	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	l := r.lane(ev.Symbol)
	select {
	case l.ticks <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) lane(symbol string) *lane {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.lanes[symbol]; ok {
		return l
	}
	l := &lane{
		symbol: symbol,
		ticks:  make(chan model.TradeEvent, r.cfg.LaneBuffer),
	}
	r.lanes[symbol] = l
	r.wg.Add(1)
	go r.run(l)
	r.logger.Debug("lane started", zap.String("symbol", symbol))
	return l
}

func (r *Router) run(l *lane) {
	defer r.wg.Done()
	for ev := range l.ticks {
		r.process(l, ev)
	}
}

func (r *Router) process(l *lane, ev model.TradeEvent) {
	if r.observer != nil {
		r.observer.TickObserved(ev.Symbol)
	}

	value, ready := r.engine.Update(ev.Symbol, ev.Price)
	r.logger.Info("trade",
		zap.String("symbol", ev.Symbol),
		zap.Stringer("price", ev.Price),
		zap.Time("ts", ev.Timestamp),
		zap.Stringer("ema", value),
		zap.Bool("ready", ready),
	)
	if !ready {
		return
	}

	sig := signal.Evaluate(ev.Price, value)
	if r.observer != nil {
		r.observer.SignalEvaluated(ev.Symbol, sig)
	}

	side, ok := sig.Side()
	if !ok {
		r.logger.Info("signal", zap.String("symbol", ev.Symbol), zap.Stringer("signal", sig))
		return
	}
	if side == l.lastSide {
		r.logger.Info("signal unchanged",
			zap.String("symbol", ev.Symbol),
			zap.Stringer("signal", sig))
		return
	}

	prev := l.lastSide
	l.lastSide = side
	l.cycle++

	req := model.OrderRequest{
		Symbol:      ev.Symbol,
		Side:        side,
		Quantity:    r.cfg.Quantity,
		TimeInForce: r.cfg.TimeInForce,
		DedupeKey:   DedupeKey(r.cfg.SessionID, ev.Symbol, l.cycle),
		Cycle:       l.cycle,
		Price:       ev.Price,
		EMA:         value,
		CreatedAt:   r.now(),
	}
	r.logger.Info("signal",
		zap.String("symbol", ev.Symbol),
		zap.Stringer("signal", sig),
		zap.Stringer("price", ev.Price),
		zap.Stringer("ema", value),
		zap.Uint64("cycle", l.cycle),
		zap.String("dedupe_key", req.DedupeKey),
	)

	// Enqueue never blocks, so a stalled broker cannot back up into this lane.
	// Background: shutdown must not cancel lanes mid-drain.
	if err := r.orders.Enqueue(context.Background(), req); err != nil {
		// the next tick with this signal may try again under a new cycle
		l.lastSide = prev
		r.logger.Warn("order not enqueued",
			zap.String("symbol", ev.Symbol),
			zap.String("dedupe_key", req.DedupeKey),
			zap.Error(err))
	}
}

// Close stops accepting trades and waits for every lane to finish what it
// has buffered, or for ctx to expire.
func (r *Router) Close(ctx context.Context) error {
	r.sendMu.Lock()
	if r.closed {
		r.sendMu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Lock()
	for _, l := range r.lanes {
		close(l.ticks)
	}
	r.mu.Unlock()
	r.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining lanes: %w", ctx.Err())
	}
}

// DedupeKey is the deterministic client order id for a symbol's cycle.
func DedupeKey(session uuid.UUID, symbol string, cycle uint64) string {
	return uuid.NewSHA1(session, []byte(fmt.Sprintf("%s/%d", symbol, cycle))).String()
}
