package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector agrupa as métricas Prometheus do rate limiter.
// Um Collector nil é válido e ignora todas as observações.
type Collector struct {
	registry        *prometheus.Registry
	decisions       *prometheus.CounterVec
	storageErrors   *prometheus.CounterVec
	storageDuration *prometheus.HistogramVec
	reloads         *prometheus.CounterVec
}

// New cria um Collector com registry próprio
func New() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Admission decisions by outcome and reporting scope.",
		}, []string{"outcome", "scope"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_storage_errors_total",
			Help: "Failed storage operations.",
		}, []string{"operation"}),
		storageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratelimit_storage_duration_seconds",
			Help:    "Latency of storage operations.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"backend", "operation"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_config_reloads_total",
			Help: "Configuration reload attempts by result.",
		}, []string{"result"}),
	}

	registry.MustRegister(
		c.decisions,
		c.storageErrors,
		c.storageDuration,
		c.reloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// ObserveDecision conta uma decisão de admissão
func (c *Collector) ObserveDecision(outcome, scope string) {
	if c == nil {
		return
	}
	if scope == "" {
		scope = "none"
	}
	c.decisions.WithLabelValues(outcome, scope).Inc()
}

// ObserveStorage registra latência e falha de uma operação de storage
func (c *Collector) ObserveStorage(backend, operation string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	c.storageDuration.WithLabelValues(backend, operation).Observe(elapsed.Seconds())
	if err != nil {
		c.storageErrors.WithLabelValues(operation).Inc()
	}
}

// ObserveReload conta uma tentativa de recarga de configuração
func (c *Collector) ObserveReload(success bool) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	c.reloads.WithLabelValues(result).Inc()
}

// Registry expõe o registry para testes
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler retorna o handler HTTP de exposição das métricas
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
