package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gauge is a point-in-time value sampled on every scrape.
type Gauge struct {
	Name  string
	Help  string
	Value func() float64
}

// NewRegistry returns a Prometheus registry exposing m, the given gauges and
// the Go runtime collector.
func NewRegistry(m *Metrics, gauges ...Gauge) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	if m != nil {
		reg.MustRegister(m)
	}
	for _, g := range gauges {
		if g.Value == nil {
			continue
		}
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      g.Name,
			Help:      g.Help,
		}, g.Value))
	}
	return reg
}

// PrometheusHandler exposes m and gauges in Prometheus' exposition format.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	reg := NewRegistry(m, gauges...)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
