package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 使用独立的 registry，方法对 nil 接收者安全
type Collector struct {
	registry         *prometheus.Registry
	submissions      *prometheus.CounterVec
	confirmLatency   prometheus.Histogram
	ledgerOperations *prometheus.CounterVec
	reconciliations  *prometheus.CounterVec
	readFailures     *prometheus.CounterVec
	outboxDeliveries *prometheus.CounterVec
}

func New() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_pipeline_submissions_total",
			Help: "Transactions handed to the pipeline, by contract method and outcome",
		}, []string{"method", "outcome"}),
		confirmLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_pipeline_confirmation_seconds",
			Help:    "Time from broadcast to receipt",
			Buckets: []float64{1, 2, 5, 10, 20, 40, 60, 90, 120},
		}),
		ledgerOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ledger_operations_total",
			Help: "Ledger mutations, by operation and result",
		}, []string{"operation", "result"}),
		reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_reconciliations_total",
			Help: "Reconciliation decisions for in-flight transactions",
		}, []string{"outcome"}),
		readFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_chain_read_failures_total",
			Help: "Failed contract reads, by method and error kind",
		}, []string{"method", "kind"}),
		outboxDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_outbox_deliveries_total",
			Help: "Outbox messages handed to the broker, by result",
		}, []string{"result"}),
	}
}

func (c *Collector) Submission(method, outcome string) {
	if c == nil {
		return
	}
	c.submissions.WithLabelValues(method, outcome).Inc()
}

func (c *Collector) Confirmation(d time.Duration) {
	if c == nil {
		return
	}
	c.confirmLatency.Observe(d.Seconds())
}

func (c *Collector) LedgerOperation(operation string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	c.ledgerOperations.WithLabelValues(operation, result).Inc()
}

func (c *Collector) Reconciliation(outcome string) {
	if c == nil {
		return
	}
	c.reconciliations.WithLabelValues(outcome).Inc()
}

func (c *Collector) ReadFailure(method, kind string) {
	if c == nil {
		return
	}
	c.readFailures.WithLabelValues(method, kind).Inc()
}

func (c *Collector) OutboxDelivery(result string) {
	if c == nil {
		return
	}
	c.outboxDeliveries.WithLabelValues(result).Inc()
}

// Registry 供测试读取指标
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
