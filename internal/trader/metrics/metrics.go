package metrics

import (
	"errors"
	"net/http"

	"ematrader/internal/trader/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the trader's collectors on a private registry. It satisfies
// the observer interfaces of router, dispatch, stream and alert.
type Metrics struct {
	registry *prometheus.Registry

	TicksTotal         *prometheus.CounterVec
	SignalsTotal       *prometheus.CounterVec
	OrdersTotal        *prometheus.CounterVec
	ConnectionState    prometheus.Gauge
	ReconnectsTotal    prometheus.Counter
	AlertsDroppedTotal prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "ticks_total", Help: "Count of trades ingested"},
			[]string{"symbol"},
		),
		SignalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "signals_total", Help: "Signals evaluated"},
			[]string{"symbol", "signal"},
		),
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "orders_total", Help: "Order outcomes"},
			[]string{"symbol", "side", "outcome"},
		),
		ConnectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "connection_state", Help: "Market data connection state (0=disconnected .. 6=failed)"},
		),
		ReconnectsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "reconnects_total", Help: "Market data reconnect attempts"},
		),
		AlertsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "alerts_dropped_total", Help: "Alerts dropped because the queue was full"},
		),
	}
	m.registry.MustRegister(
		m.TicksTotal,
		m.SignalsTotal,
		m.OrdersTotal,
		m.ConnectionState,
		m.ReconnectsTotal,
		m.AlertsDroppedTotal,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) TickObserved(symbol string) {
	m.TicksTotal.WithLabelValues(symbol).Inc()
}

func (m *Metrics) SignalEvaluated(symbol string, s model.Signal) {
	m.SignalsTotal.WithLabelValues(symbol, s.String()).Inc()
}

func (m *Metrics) OrderOutcome(symbol, side, outcome string) {
	m.OrdersTotal.WithLabelValues(symbol, side, outcome).Inc()
}

func (m *Metrics) ConnectionStateChanged(s model.ConnectionState) {
	m.ConnectionState.Set(float64(s))
}

func (m *Metrics) Reconnect() { m.ReconnectsTotal.Inc() }

func (m *Metrics) AlertDropped() { m.AlertsDroppedTotal.Inc() }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr in the background.
func (m *Metrics) Serve(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	return srv
}
