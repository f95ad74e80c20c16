// Package alert delivers lifecycle notifications on a best-effort basis.
//
// Notify never blocks the caller and never returns an error: messages are
// queued, delivered by a single worker with a per-message timeout, and dropped
// with a warning when the queue is full.
package alert

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sink is the notification channel consumed by the trading pipeline.
type Sink interface {
	Notify(message string)
}

// Sender performs the actual delivery.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// DropCounter is told about every message dropped under queue pressure.
type DropCounter interface {
	AlertDropped()
}

const (
	DefaultQueueSize = 64
	DefaultTimeout   = 5 * time.Second
)

// Async queues messages for a Sender.
type Async struct {
	sender  Sender
	timeout time.Duration
	logger  *zap.Logger
	drops   DropCounter

	queue chan string
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the delivery worker.
func NewAsync(sender Sender, queueSize int, timeout time.Duration, logger *zap.Logger) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	a := &Async{
		sender:  sender,
		timeout: timeout,
		logger:  logger.Named("alert"),
		queue:   make(chan string, queueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// WithDropCounter attaches a drop observer. Call before the first Notify.
func (a *Async) WithDropCounter(c DropCounter) *Async {
	a.drops = c
	return a
}

// Notify enqueues message, dropping it if the queue is full or closed.
func (a *Async) Notify(message string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logger.Warn("alert dropped after close", zap.String("message", message))
		return
	}

	select {
	case a.queue <- message:
	default:
		a.logger.Warn("alert queue full, dropping message", zap.String("message", message))
		if a.drops != nil {
			a.drops.AlertDropped()
		}
	}
}

// Close stops accepting messages and waits for queued ones until ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		a.logger.Warn("alert flush interrupted", zap.Int("pending", len(a.queue)))
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer close(a.done)
	for msg := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.sender.Send(ctx, msg)
		cancel()
		if err != nil {
			a.logger.Warn("failed to deliver alert", zap.String("message", msg), zap.Error(err))
			continue
		}
		a.logger.Debug("alert delivered", zap.String("message", msg))
	}
}

// Log is a Sink that only writes to the local log. Used when no channel is configured.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("alert")}
}

func (l *Log) Notify(message string) {
	l.logger.Info("alert", zap.String("message", message))
}
