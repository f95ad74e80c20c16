// Package dispatch submits orders to the broker with per-symbol serialization,
// dedupe and bounded retry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ematrader/internal/trader/alert"
	"ematrader/internal/trader/backoff"
	"ematrader/internal/trader/model"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broker places a single market order. Implementations return *BrokerError
// for classified failures.
type Broker interface {
	PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error)
}

// OrderLookup is an optional Broker capability. A transient failure can hide
// an order the broker did accept, so a retry rejected for reusing the client
// order id is checked against it before being reported.
type OrderLookup interface {
	OrderByClientID(ctx context.Context, clientOrderID string) (model.OrderResult, bool, error)
}

// Outcome labels used for logs, metrics and the journal.
const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeAuthError = "auth_error"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeQueueFull = "queue_full"
	OutcomeAbandoned = "abandoned"
)

// Entry is one recorded dispatch outcome.
type Entry struct {
	Request  model.OrderRequest
	Result   model.OrderResult
	Outcome  string
	Attempts int
	Err      error
	At       time.Time
}

// Journal records outcomes for audit. Failures are logged and ignored.
type Journal interface {
	Record(ctx context.Context, e Entry) error
}

// Observer is notified of every outcome (metrics).
type Observer interface {
	OrderOutcome(symbol, side, outcome string)
}

type Config struct {
	MaxAttempts    int            // broker calls per logical order, >= 1
	Backoff        backoff.Policy // wait between transient failures
	QueueSize      int            // per-symbol queue for Enqueue
	RequestTimeout time.Duration  // per broker call
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 16
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

type queued struct {
	req      model.OrderRequest
	enqueued time.Time
}

type lane struct {
	symbol string
	queue  chan queued

	submitMu sync.Mutex // one outstanding broker submission per symbol

	mu         sync.Mutex
	lastKey    string
	lastResult model.OrderResult
	pending    map[string]model.OrderRequest // queued or in flight
}

func (l *lane) reserve(req model.OrderRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if req.DedupeKey == l.lastKey {
		return ErrDuplicate
	}
	if _, ok := l.pending[req.DedupeKey]; ok {
		return ErrDuplicate
	}
	l.pending[req.DedupeKey] = req
	return nil
}

func (l *lane) release(key string) {
	l.mu.Lock()
	delete(l.pending, key)
	l.mu.Unlock()
}

func (l *lane) complete(key string, res model.OrderResult) {
	l.mu.Lock()
	delete(l.pending, key)
	l.lastKey = key
	l.lastResult = res
	l.mu.Unlock()
}

func (l *lane) last() model.OrderResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastResult
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	broker   Broker
	alerts   alert.Sink
	journal  Journal
	observer Observer
	logger   *zap.Logger
	cfg      Config
	sleep    func(context.Context, time.Duration) error

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu       sync.Mutex
	lanes    map[string]*lane
	closing  atomic.Bool
	stopping chan struct{}
	wg       sync.WaitGroup
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

func WithJournal(j Journal) Option   { return func(d *Dispatcher) { d.journal = j } }
func WithObserver(o Observer) Option { return func(d *Dispatcher) { d.observer = o } }

// WithSleep replaces the retry wait, mainly for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

func New(broker Broker, alerts alert.Sink, cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		broker:    broker,
		alerts:    alerts,
		logger:    logger.Named("dispatch"),
		cfg:       cfg,
		sleep:     backoff.Sleep,
		runCtx:    ctx,
		cancelRun: cancel,
		lanes:     make(map[string]*lane),
		stopping:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit sends req synchronously. Calls for the same symbol are serialized;
// a dedupe key already queued, in flight or last submitted returns ErrDuplicate
// along with the last result for the symbol, without a broker call.
func (d *Dispatcher) Submit(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	l, err := d.lane(req.Symbol)
	if err != nil {
		return model.OrderResult{}, err
	}
	if req.DedupeKey == "" {
		req.DedupeKey = uuid.NewString()
	}
	if err := l.reserve(req); err != nil {
		d.report(req, model.OrderResult{}, OutcomeDuplicate, 0, err)
		return l.last(), err
	}
	return d.process(ctx, l, req)
}

// Enqueue hands req to the symbol's worker without waiting. When the
// symbol's queue is full the order is reported failed with ErrQueueFull and
// alerted; callers on the tick path must never block behind a slow broker.
func (d *Dispatcher) Enqueue(ctx context.Context, req model.OrderRequest) error {
	l, err := d.lane(req.Symbol)
	if err != nil {
		d.report(req, model.OrderResult{}, OutcomeFailed, 0, err)
		return err
	}
	if req.DedupeKey == "" {
		req.DedupeKey = uuid.NewString()
	}
	if err := ctx.Err(); err != nil {
		d.report(req, model.OrderResult{}, OutcomeFailed, 0, err)
		return err
	}
	if err := l.reserve(req); err != nil {
		d.report(req, model.OrderResult{}, OutcomeDuplicate, 0, err)
		return err
	}

	select {
	case l.queue <- queued{req: req, enqueued: time.Now()}:
		d.logger.Debug("order queued",
			zap.String("symbol", req.Symbol),
			zap.String("side", req.Side.String()),
			zap.String("dedupe_key", req.DedupeKey),
			zap.Int("queue_len", len(l.queue)))
		return nil
	default:
		l.release(req.DedupeKey)
		d.report(req, model.OrderResult{}, OutcomeQueueFull, 0, ErrQueueFull)
		d.alerts.Notify(fmt.Sprintf("Order not submitted, queue saturated: %s %s %s", req.Side, req.Quantity, req.Symbol))
		return ErrQueueFull
	}
}

// Drain stops accepting orders and waits for queued and in-flight ones.
// Whatever is still pending when ctx expires is logged as abandoned.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	if !d.closing.Swap(true) {
		close(d.stopping)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.cancelRun()
	}

	abandoned := d.pending()
	for _, req := range abandoned {
		d.report(req, model.OrderResult{}, OutcomeAbandoned, 0, ErrDrainTimeout)
	}
	d.cancelRun()
	if len(abandoned) > 0 {
		return fmt.Errorf("%w: %d order(s)", ErrDrainTimeout, len(abandoned))
	}
	d.logger.Info("dispatcher drained")
	return nil
}

func (d *Dispatcher) pending() []model.OrderRequest {
	d.mu.Lock()
	lanes := make([]*lane, 0, len(d.lanes))
	for _, l := range d.lanes {
		lanes = append(lanes, l)
	}
	d.mu.Unlock()

	var out []model.OrderRequest
	for _, l := range lanes {
		l.mu.Lock()
		for _, req := range l.pending {
			out = append(out, req)
		}
		l.pending = make(map[string]model.OrderRequest)
		l.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Cycle < out[j].Cycle
	})
	return out
}

func (d *Dispatcher) lane(symbol string) (*lane, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing.Load() {
		return nil, ErrClosed
	}
	if l, ok := d.lanes[symbol]; ok {
		return l, nil
	}
	l := &lane{
		symbol:  symbol,
		queue:   make(chan queued, d.cfg.QueueSize),
		pending: make(map[string]model.OrderRequest),
	}
	d.lanes[symbol] = l
	d.wg.Add(1)
	go d.worker(l)
	return l, nil
}

func (d *Dispatcher) worker(l *lane) {
	defer d.wg.Done()
	for {
		select {
		case item := <-l.queue:
			d.handle(l, item)
		case <-d.stopping:
			for {
				select {
				case item := <-l.queue:
					d.handle(l, item)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) handle(l *lane, item queued) {
	if d.runCtx.Err() != nil {
		// left pending; Drain reports it as abandoned
		return
	}
	d.logger.Debug("order dequeued",
		zap.String("symbol", item.req.Symbol),
		zap.String("dedupe_key", item.req.DedupeKey),
		zap.Duration("waited", time.Since(item.enqueued)))
	_, _ = d.process(d.runCtx, l, item.req)
}

func (d *Dispatcher) process(ctx context.Context, l *lane, req model.OrderRequest) (model.OrderResult, error) {
	l.submitMu.Lock()
	defer l.submitMu.Unlock()

	res, err := d.submitWithRetry(ctx, req)
	if err != nil && ctx.Err() != nil && d.runCtx.Err() != nil {
		// cancelled by Drain: keep it pending so it is reported as abandoned
		return res, err
	}
	l.complete(req.DedupeKey, res)
	return res, err
}

func (d *Dispatcher) submitWithRetry(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
		res, err := d.broker.PlaceOrder(callCtx, req)
		cancel()

		if err == nil {
			res.Attempts = attempt
			if res.ClientOrderID == "" {
				res.ClientOrderID = req.DedupeKey
			}
			d.report(req, res, OutcomeAccepted, attempt, nil)
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return d.cancelled(req, attempt, ctx.Err())
		}

		switch Classify(err) {
		case KindRejected:
			if attempt > 1 {
				if res, ok := d.placedEarlier(ctx, req); ok {
					res.Attempts = attempt
					d.report(req, res, OutcomeAccepted, attempt, nil)
					return res, nil
				}
			}
			d.report(req, model.OrderResult{Attempts: attempt}, OutcomeRejected, attempt, err)
			d.alerts.Notify(fmt.Sprintf("Order rejected: %s %s %s: %v", req.Side, req.Quantity, req.Symbol, err))
			return model.OrderResult{Attempts: attempt}, err
		case KindAuth:
			d.report(req, model.OrderResult{Attempts: attempt}, OutcomeAuthError, attempt, err)
			d.alerts.Notify(fmt.Sprintf("Order failed, broker authentication error: %s %s %s: %v", req.Side, req.Quantity, req.Symbol, err))
			return model.OrderResult{Attempts: attempt}, err
		}

		if attempt == d.cfg.MaxAttempts {
			break
		}

		wait := d.cfg.Backoff.Delay(attempt - 1)
		d.logger.Warn("transient broker error, retrying",
			zap.String("symbol", req.Symbol),
			zap.String("dedupe_key", req.DedupeKey),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		if err := d.sleep(ctx, wait); err != nil {
			return d.cancelled(req, attempt, err)
		}
	}

	err := fmt.Errorf("order %s failed after %d attempts: %w", req.DedupeKey, d.cfg.MaxAttempts, lastErr)
	d.report(req, model.OrderResult{Attempts: d.cfg.MaxAttempts}, OutcomeFailed, d.cfg.MaxAttempts, err)
	d.alerts.Notify(fmt.Sprintf("Order failed after %d attempts: %s %s %s: %v", d.cfg.MaxAttempts, req.Side, req.Quantity, req.Symbol, lastErr))
	return model.OrderResult{Attempts: d.cfg.MaxAttempts}, err
}

// placedEarlier reports whether an earlier attempt of req reached the broker.
func (d *Dispatcher) placedEarlier(ctx context.Context, req model.OrderRequest) (model.OrderResult, bool) {
	lookup, ok := d.broker.(OrderLookup)
	if !ok {
		return model.OrderResult{}, false
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	res, found, err := lookup.OrderByClientID(callCtx, req.DedupeKey)
	if err != nil {
		d.logger.Warn("order lookup failed",
			zap.String("symbol", req.Symbol),
			zap.String("dedupe_key", req.DedupeKey),
			zap.Error(err))
		return model.OrderResult{}, false
	}
	if !found {
		return model.OrderResult{}, false
	}
	if res.ClientOrderID == "" {
		res.ClientOrderID = req.DedupeKey
	}
	d.logger.Info("rejected retry matched an accepted order",
		zap.String("symbol", req.Symbol),
		zap.String("dedupe_key", req.DedupeKey),
		zap.String("broker_order_id", res.BrokerOrderID))
	return res, true
}

func (d *Dispatcher) cancelled(req model.OrderRequest, attempts int, cause error) (model.OrderResult, error) {
	err := fmt.Errorf("order %s cancelled: %w", req.DedupeKey, cause)
	res := model.OrderResult{Attempts: attempts}
	if d.runCtx.Err() == nil {
		d.report(req, res, OutcomeFailed, attempts, err)
	}
	return res, err
}

// report writes the structured log line, metric and journal entry for one outcome.
func (d *Dispatcher) report(req model.OrderRequest, res model.OrderResult, outcome string, attempts int, err error) {
	fields := []zap.Field{
		zap.String("symbol", req.Symbol),
		zap.String("side", req.Side.String()),
		zap.String("qty", req.Quantity.String()),
		zap.String("dedupe_key", req.DedupeKey),
		zap.Uint64("cycle", req.Cycle),
		zap.String("outcome", outcome),
		zap.Int("attempts", attempts),
	}
	switch outcome {
	case OutcomeAccepted:
		d.logger.Info("order accepted", append(fields,
			zap.String("broker_order_id", res.BrokerOrderID),
			zap.String("status", res.Status))...)
	case OutcomeDuplicate:
		d.logger.Info("duplicate order suppressed", fields...)
	case OutcomeAbandoned:
		d.logger.Warn("order abandoned", append(fields, zap.Error(err))...)
	default:
		d.logger.Error("order failed", append(fields, zap.Error(err))...)
	}

	if d.observer != nil {
		d.observer.OrderOutcome(req.Symbol, req.Side.String(), outcome)
	}
	if d.journal != nil && outcome != OutcomeDuplicate {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		entry := Entry{Request: req, Result: res, Outcome: outcome, Attempts: attempts, Err: err, At: time.Now()}
		if jerr := d.journal.Record(ctx, entry); jerr != nil {
			d.logger.Warn("failed to journal order outcome", zap.String("dedupe_key", req.DedupeKey), zap.Error(jerr))
		}
	}
}

// IsTerminal reports whether err ends a submission without retry.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrAuth)
}
