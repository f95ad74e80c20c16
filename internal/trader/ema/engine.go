// Package ema keeps one streaming exponential moving average per symbol.
//
// The average is the dot product of a bounded price window against a fixed,
// exponentially increasing weight vector (most recent price weighted highest)
// normalized to sum to exactly one.
package ema

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// WarmupPolicy decides what Update reports before a full window is observed.
type WarmupPolicy int

const (
	// WarmupWithhold reports no value until period observations arrived.
	WarmupWithhold WarmupPolicy = iota
	// WarmupSeed fills the window with the first observed price.
	WarmupSeed
)

func (p WarmupPolicy) String() string {
	if p == WarmupSeed {
		return "seed"
	}
	return "withhold"
}

// ParseWarmupPolicy accepts "withhold" or "seed".
func ParseWarmupPolicy(s string) (WarmupPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "withhold":
		return WarmupWithhold, nil
	case "seed":
		return WarmupSeed, nil
	default:
		return WarmupWithhold, fmt.Errorf("invalid warmup policy: %q", s)
	}
}

var ErrInvalidPeriod = errors.New("ema: period must be at least 1")

const weightPlaces = 12

// State is a copy of one symbol's EMA state.
type State struct {
	Symbol  string
	Window  []decimal.Decimal // oldest first, len <= period
	Current decimal.Decimal
	Count   uint64 // observations received
	Ready   bool
}

type symbolState struct {
	mu      sync.Mutex
	window  []decimal.Decimal
	current decimal.Decimal
	count   uint64
	ready   bool
}

// Engine owns the per-symbol states. Update for a given symbol must be called
// from a single goroutine; distinct symbols may be updated concurrently.
type Engine struct {
	period  int
	policy  WarmupPolicy
	weights []decimal.Decimal // index 0 applies to the oldest price

	globalMu sync.RWMutex
	states   map[string]*symbolState
}

// New builds an engine with a fixed weight vector for the given period.
func New(period int, policy WarmupPolicy) (*Engine, error) {
	if period < 1 {
		return nil, ErrInvalidPeriod
	}
	return &Engine{
		period:  period,
		policy:  policy,
		weights: Weights(period),
		states:  make(map[string]*symbolState),
	}, nil
}

// Weights returns the normalized weights exp(linspace(-1, 0, n)) / sum,
// oldest first. The last weight absorbs rounding so the sum is exactly one.
func Weights(n int) []decimal.Decimal {
	if n == 1 {
		return []decimal.Decimal{decimal.NewFromInt(1)}
	}
	raw := make([]float64, n)
	var total float64
	for i := range raw {
		raw[i] = math.Exp(-1 + float64(i)/float64(n-1))
		total += raw[i]
	}

	out := make([]decimal.Decimal, n)
	sum := decimal.Zero
	for i := 0; i < n-1; i++ {
		out[i] = decimal.NewFromFloat(raw[i] / total).Round(weightPlaces)
		sum = sum.Add(out[i])
	}
	out[n-1] = decimal.NewFromInt(1).Sub(sum)
	return out
}

func (e *Engine) Period() int          { return e.period }
func (e *Engine) Policy() WarmupPolicy { return e.policy }

// Weights returns a copy of the engine's weight vector.
func (e *Engine) Weights() []decimal.Decimal {
	out := make([]decimal.Decimal, len(e.weights))
	copy(out, e.weights)
	return out
}

// Update appends price to the symbol's window and returns the current EMA.
// ready is false while the warm-up policy withholds a value.
func (e *Engine) Update(symbol string, price decimal.Decimal) (decimal.Decimal, bool) {
	st := e.state(symbol)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.count++
	if st.count == 1 && e.policy == WarmupSeed {
		for i := 0; i < e.period; i++ {
			st.window = append(st.window, price)
		}
	} else if len(st.window) < e.period {
		st.window = append(st.window, price)
	} else {
		copy(st.window, st.window[1:])
		st.window[e.period-1] = price
	}

	if len(st.window) < e.period {
		return decimal.Zero, false
	}

	ema := decimal.Zero
	for i, p := range st.window {
		ema = ema.Add(p.Mul(e.weights[i]))
	}
	st.current = ema
	st.ready = true
	return ema, true
}

// Snapshot returns a copy of the symbol's state, if any tick was seen.
func (e *Engine) Snapshot(symbol string) (State, bool) {
	e.globalMu.RLock()
	st, ok := e.states[symbol]
	e.globalMu.RUnlock()
	if !ok {
		return State{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	window := make([]decimal.Decimal, len(st.window))
	copy(window, st.window)
	return State{
		Symbol:  symbol,
		Window:  window,
		Current: st.current,
		Count:   st.count,
		Ready:   st.ready,
	}, true
}

// Symbols returns the symbols with state, in no particular order.
func (e *Engine) Symbols() []string {
	e.globalMu.RLock()
	defer e.globalMu.RUnlock()
	out := make([]string, 0, len(e.states))
	for sym := range e.states {
		out = append(out, sym)
	}
	return out
}

func (e *Engine) state(symbol string) *symbolState {
	e.globalMu.RLock()
	st, ok := e.states[symbol]
	e.globalMu.RUnlock()
	if ok {
		return st
	}

	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	if st, ok = e.states[symbol]; !ok {
		st = &symbolState{window: make([]decimal.Decimal, 0, e.period)}
		e.states[symbol] = st
	}
	return st
}
