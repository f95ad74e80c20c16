package alert

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingSender struct {
	mu      sync.Mutex
	sent    []string
	err     error
	started chan struct{}
	release chan struct{}
}

func (s *recordingSender) Send(ctx context.Context, text string) error {
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return s.err
}

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type dropCount struct{ n atomic.Int32 }

func (d *dropCount) AlertDropped() { d.n.Add(1) }

// go test -v --run TestAsyncDeliversInOrder
func TestAsyncDeliversInOrder(t *testing.T) {
	sender := &recordingSender{}
	a := NewAsync(sender, 8, time.Second, zap.NewNop())

	a.Notify("one")
	a.Notify("two")
	a.Notify("three")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	assert.Equal(t, []string{"one", "two", "three"}, sender.messages())
}

// go test -v --run TestAsyncDropsWhenFull
func TestAsyncDropsWhenFull(t *testing.T) {
	sender := &recordingSender{started: make(chan struct{}, 4), release: make(chan struct{})}
	drops := &dropCount{}
	a := NewAsync(sender, 1, time.Second, zap.NewNop()).WithDropCounter(drops)

	a.Notify("in-flight")
	<-sender.started // worker holds the first message
	a.Notify("queued")
	a.Notify("dropped")

	assert.Equal(t, int32(1), drops.n.Load())

	close(sender.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	assert.Equal(t, []string{"in-flight", "queued"}, sender.messages())

	// after close, Notify must not panic
	a.Notify("late")
}

// go test -v --run TestAsyncSwallowsSendErrors
func TestAsyncSwallowsSendErrors(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	sender := &recordingSender{err: errors.New("telegram down")}
	a := NewAsync(sender, 4, time.Second, zap.New(core))

	a.Notify("boom")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))

	assert.Equal(t, 1, logs.FilterMessage("failed to deliver alert").Len())
}

// go test -v --run TestLogSink
func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	NewLog(zap.New(core)).Notify("hello")

	entries := logs.FilterMessage("alert").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].ContextMap()["message"])
}

// go test -v --run TestTelegramSend
func TestTelegramSend(t *testing.T) {
	var mu sync.Mutex
	var texts []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"trader","username":"trader_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			texts = append(texts, r.FormValue("text"))
			mu.Unlock()
			w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":1,"chat":{"id":42,"type":"private"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tg, err := NewTelegram("token", "42", "[ematrader]", srv.URL+"/bot%s/%s", time.Second)
	require.NoError(t, err)
	require.NoError(t, tg.Send(context.Background(), "connected"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"[ematrader] connected"}, texts)
}

// go test -v --run TestTelegramInvalidChatID
func TestTelegramInvalidChatID(t *testing.T) {
	_, err := NewTelegram("", "not-a-number", "", "", time.Second)
	if err == nil {
		t.Error("Expected error for invalid chat ID, got nil")
	}
}

// go test -v --run TestTelegramConnectsOnFirstSend
func TestTelegramConnectsOnFirstSend(t *testing.T) {
	var getMe atomic.Int32
	var sent atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			if getMe.Add(1) == 1 {
				w.Write([]byte(`{"ok":false,"error_code":502,"description":"Bad Gateway"}`))
				return
			}
			w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"trader","username":"trader_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			sent.Add(1)
			w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":1,"chat":{"id":42,"type":"private"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	// constructing never touches the network
	tg, err := NewTelegram("token", "42", "", srv.URL+"/bot%s/%s", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(0), getMe.Load())

	// Bot API down: the send fails, nothing is cached
	assert.Error(t, tg.Send(context.Background(), "first"))
	assert.Equal(t, int32(0), sent.Load())

	// recovered: the next send connects and delivers
	require.NoError(t, tg.Send(context.Background(), "second"))
	require.NoError(t, tg.Send(context.Background(), "third"))
	assert.Equal(t, int32(2), getMe.Load())
	assert.Equal(t, int32(2), sent.Load())
}

// go test -v --run TestTelegramUnreachable
func TestTelegramUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL + "/bot%s/%s"
	srv.Close()

	tg, err := NewTelegram("token", "42", "", endpoint, time.Second)
	require.NoError(t, err)

	core, logs := observer.New(zap.WarnLevel)
	a := NewAsync(tg, 4, time.Second, zap.New(core))
	a.Notify("connected")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	assert.Equal(t, 1, logs.FilterMessage("failed to deliver alert").Len())
}
