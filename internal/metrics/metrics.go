package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Collector owns a private registry with the exchange's metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry        *prometheus.Registry
	ordersCreated   prometheus.Counter
	ordersCancelled prometheus.Counter
	fills           *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	fillDuration    prometheus.Histogram
	commission      *prometheus.CounterVec
	wsClients       prometheus.Gauge
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Collector{
		registry: registry,
		ordersCreated: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "exchange_orders_created_total",
			Help: "Total number of orders created",
		}),
		ordersCancelled: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "exchange_orders_cancelled_total",
			Help: "Total number of orders cancelled by their owner",
		}),
		fills: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_fills_total",
			Help: "Total number of settled fills by side of the filled order",
		}, []string{"side"}),
		rejections: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_rejections_total",
			Help: "Total number of rejected operations by reason",
		}, []string{"operation", "reason"}),
		fillDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "exchange_fill_duration_seconds",
			Help:    "Time taken to settle a fill, including waiting for locks",
			Buckets: prometheus.DefBuckets,
		}),
		commission: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "exchange_commission_total",
			Help: "Commission charged, by currency",
		}, []string{"currency"}),
		wsClients: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "exchange_ws_clients",
			Help: "Number of connected websocket clients",
		}),
	}
}

func (m *Collector) OrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

func (m *Collector) OrderCancelled() {
	if m == nil {
		return
	}
	m.ordersCancelled.Inc()
}

func (m *Collector) Fill(side string, duration time.Duration, currency string, commission decimal.Decimal) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(side).Inc()
	m.fillDuration.Observe(duration.Seconds())
	m.commission.WithLabelValues(currency).Add(commission.InexactFloat64())
}

func (m *Collector) Rejected(operation, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation, reason).Inc()
}

func (m *Collector) WSClientConnected() {
	if m == nil {
		return
	}
	m.wsClients.Inc()
}

func (m *Collector) WSClientDisconnected() {
	if m == nil {
		return
	}
	m.wsClients.Dec()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Collector) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
