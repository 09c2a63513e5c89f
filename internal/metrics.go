package internal

import (
	"fmt"
	"net/http"

	"github.com/rcrowley/go-metrics"
	"github.com/rcrowley/go-metrics/exp"
)

// Metrics is a namespaced go-metrics registry.
type Metrics struct {
	namespace string
	registry  metrics.Registry
}

// NewMetrics ...
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		namespace: namespace,
		registry:  metrics.NewRegistry(),
	}
}

func (m *Metrics) name(subsystem, name string) string {
	return fmt.Sprintf("%s.%s.%s", m.namespace, subsystem, name)
}

// Counter ...
func (m *Metrics) Counter(subsystem, name string) metrics.Counter {
	return metrics.GetOrRegisterCounter(m.name(subsystem, name), m.registry)
}

// Gauge ...
func (m *Metrics) Gauge(subsystem, name string) metrics.Gauge {
	return metrics.GetOrRegisterGauge(m.name(subsystem, name), m.registry)
}

// Timer ...
func (m *Metrics) Timer(subsystem, name string) metrics.Timer {
	return metrics.GetOrRegisterTimer(m.name(subsystem, name), m.registry)
}

// Handler serves all registered metrics as JSON.
func (m *Metrics) Handler() http.Handler {
	return exp.ExpHandler(m.registry)
}
