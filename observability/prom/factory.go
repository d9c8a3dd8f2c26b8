// Package prom adapts prometheus/client_golang collectors to the
// observability MetricFactory interface.
package prom

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xraph/turnstile/observability"
)

// compile-time interface check
var _ observability.MetricFactory = (*Factory)(nil)

// Factory creates prometheus-backed counters and histograms. Metric
// names are normalized to prometheus conventions (dots become
// underscores). Repeated requests for the same name return the same
// collector.
type Factory struct {
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// NewFactory creates a Factory registering collectors with the given
// registerer. A nil registerer uses prometheus.DefaultRegisterer.
func NewFactory(registerer prometheus.Registerer) *Factory {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Factory{
		registerer: registerer,
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Counter implements observability.MetricFactory.
func (f *Factory) Counter(name string) observability.Counter {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: normalize(name) + "_total",
		Help: name,
	})
	f.registerer.MustRegister(c)
	f.counters[name] = c
	return c
}

// Histogram implements observability.MetricFactory.
func (f *Factory) Histogram(name string) observability.Histogram {
	f.mu.Lock()
	defer f.mu.Unlock()

	if h, ok := f.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    normalize(name),
		Help:    name,
		Buckets: prometheus.DefBuckets,
	})
	f.registerer.MustRegister(h)
	f.histograms[name] = h
	return h
}

func normalize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
