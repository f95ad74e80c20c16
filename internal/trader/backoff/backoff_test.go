package backoff

import (
	"context"
	"testing"
	"time"
)

// go test -v --run TestDelayBounds
func TestDelayBounds(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 60 * time.Second}

	tests := []struct {
		attempt  int
		minDelay time.Duration
		maxDelay time.Duration
	}{
		{0, 500 * time.Millisecond, 1 * time.Second},
		{1, 1 * time.Second, 2 * time.Second},
		{2, 2 * time.Second, 4 * time.Second},
		{3, 4 * time.Second, 8 * time.Second},
		{10, 30 * time.Second, 60 * time.Second},
		{100, 30 * time.Second, 60 * time.Second},
		{-1, 500 * time.Millisecond, 1 * time.Second},
	}

	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			d := p.Delay(tt.attempt)
			if d < tt.minDelay || d >= tt.maxDelay {
				t.Fatalf("Delay(%d) = %s, want in [%s, %s)", tt.attempt, d, tt.minDelay, tt.maxDelay)
			}
		}
	}
}

// go test -v --run TestDelayStrictlyIncreasing
func TestDelayStrictlyIncreasing(t *testing.T) {
	// worst case for monotonicity: max jitter on n, zero jitter on n+1
	hi := Policy{Base: 100 * time.Millisecond, Cap: time.Hour, Rand: func(n int64) int64 { return n - 1 }}
	lo := Policy{Base: 100 * time.Millisecond, Cap: time.Hour, Rand: func(n int64) int64 { return 0 }}

	for n := 0; n < 10; n++ {
		if hi.Delay(n) >= lo.Delay(n+1) {
			t.Fatalf("attempt %d: %s not below next %s", n, hi.Delay(n), lo.Delay(n+1))
		}
	}
}

// go test -v --run TestExhausted
func TestExhausted(t *testing.T) {
	p := Policy{MaxAttempts: 3}
	if p.Exhausted(2) {
		t.Error("2 failures should not exhaust 3 attempts")
	}
	if !p.Exhausted(3) {
		t.Error("3 failures should exhaust 3 attempts")
	}
	if (Policy{}).Exhausted(1000) {
		t.Error("unbounded policy should never exhaust")
	}
}

// go test -v --run TestSleepCancelled
func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Minute); err == nil {
		t.Fatal("expected context error")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly on cancellation")
	}
}

// go test -v --run TestGrows
func TestGrows(t *testing.T) {
	tests := []struct {
		name    string
		p       Policy
		retries int
		want    bool
	}{
		{"single retry", Policy{Base: time.Second, Cap: time.Second}, 1, true},
		{"no retries", Policy{Base: time.Second, Cap: time.Second}, 0, true},
		{"last wait hits cap", Policy{Base: 500 * time.Millisecond, Cap: 4 * time.Second}, 4, true},
		{"cap flattens tail", Policy{Base: 500 * time.Millisecond, Cap: 3 * time.Second}, 4, false},
		{"defaults", Policy{Base: DefaultBase, Cap: DefaultCap}, 4, true},
		{"huge budget", Policy{Base: time.Millisecond, Cap: time.Hour}, 1000, false},
		{"cap below base", Policy{Base: time.Second, Cap: time.Millisecond}, 1, false},
	}
	for _, tt := range tests {
		if got := tt.p.Grows(tt.retries); got != tt.want {
			t.Errorf("%s: Grows(%d) = %v, want %v", tt.name, tt.retries, got, tt.want)
		}
	}
}
