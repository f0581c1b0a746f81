// Package metrics exposes bracket lifecycle counters over a Prometheus endpoint.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"bracketBot/internal/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	signals       *prometheus.CounterVec
	ordersPlaced  *prometheus.CounterVec
	orderErrors   *prometheus.CounterVec
	bracketEvents *prometheus.CounterVec
	repairs       *prometheus.CounterVec
	reconciles    *prometheus.CounterVec
	tracked       *prometheus.GaugeVec
	balance       prometheus.Gauge
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracketbot_signals_total",
			Help: "Signals received, by admission result",
		}, []string{"result"}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracketbot_orders_placed_total",
			Help: "Orders accepted by the exchange, by role",
		}, []string{"role"}),
		orderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracketbot_order_errors_total",
			Help: "Failed exchange order operations",
		}, []string{"operation"}),
		bracketEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracketbot_bracket_events_total",
			Help: "Position state machine events applied",
		}, []string{"event"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracketbot_reconcile_repairs_total",
			Help: "Drift repaired by the reconciliation watchdog",
		}, []string{"kind"}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bracketbot_reconcile_runs_total",
			Help: "Reconciliation passes, by outcome",
		}, []string{"outcome"}),
		tracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bracketbot_tracked_orders",
			Help: "Orders currently tracked in the order book",
		}, []string{"role"}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bracketbot_wallet_balance",
			Help: "Last known wallet balance of the quote asset",
		}),
	}
	m.registry.MustRegister(
		m.signals, m.ordersPlaced, m.orderErrors, m.bracketEvents,
		m.repairs, m.reconciles, m.tracked, m.balance,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) SignalReceived(result string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(result).Inc()
}

func (m *Metrics) OrderPlaced(role string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(role).Inc()
}

func (m *Metrics) OrderError(operation string) {
	if m == nil {
		return
	}
	m.orderErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) BracketEvent(event string) {
	if m == nil {
		return
	}
	m.bracketEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) Repaired(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.repairs.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) ReconcileRun(outcome string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(outcome).Inc()
}

// SetTracked replaces the tracked order gauges with counts per role.
func (m *Metrics) SetTracked(counts map[string]int) {
	if m == nil {
		return
	}
	m.tracked.Reset()
	for role, n := range counts {
		m.tracked.WithLabelValues(role).Set(float64(n))
	}
}

func (m *Metrics) SetBalance(v float64) {
	if m == nil {
		return
	}
	m.balance.Set(v)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger ports.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "Metrics endpoint listening", map[string]interface{}{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
