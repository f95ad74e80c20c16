package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ematrader/internal/trader/alert"
	"ematrader/internal/trader/dispatch"
	"ematrader/internal/trader/model"
	"ematrader/internal/trader/router"
	"ematrader/internal/trader/stream"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// compile-time checks that Metrics plugs into every observer hook
var (
	_ router.Observer   = (*Metrics)(nil)
	_ dispatch.Observer = (*Metrics)(nil)
	_ stream.Observer   = (*Metrics)(nil)
	_ alert.DropCounter = (*Metrics)(nil)
)

func counterValue(t *testing.T, g prometheus.Gatherer, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := g.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metric
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s %v not found", name, labels)
	return 0
}

// go test -v --run TestObserverHooks
func TestObserverHooks(t *testing.T) {
	m := New()

	m.TickObserved("AAPL")
	m.TickObserved("AAPL")
	m.SignalEvaluated("AAPL", model.Buy)
	m.OrderOutcome("AAPL", "buy", dispatch.OutcomeRejected)
	m.ConnectionStateChanged(model.Streaming)
	m.Reconnect()
	m.AlertDropped()

	reg := m.Registry()
	assert.Equal(t, 2.0, counterValue(t, reg, "ticks_total", map[string]string{"symbol": "AAPL"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "signals_total", map[string]string{"symbol": "AAPL", "signal": "BUY"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "orders_total", map[string]string{"symbol": "AAPL", "side": "buy", "outcome": "rejected"}))
	assert.Equal(t, float64(model.Streaming), counterValue(t, reg, "connection_state", nil))
	assert.Equal(t, 1.0, counterValue(t, reg, "reconnects_total", nil))
	assert.Equal(t, 1.0, counterValue(t, reg, "alerts_dropped_total", nil))
}

// go test -v --run TestHandlerExposesMetrics
func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.TickObserved("MSFT")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), `ticks_total{symbol="MSFT"} 1`))
}

// go test -v --run TestServe
func TestServe(t *testing.T) {
	srv := New().Serve("127.0.0.1:0", zap.NewNop())
	defer srv.Close()
	assert.Equal(t, "127.0.0.1:0", srv.Addr)
}
