package metrics

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every exported metric name.
const Namespace = "btpm"

var (
	_registry = newRegistry()

	_mu         sync.Mutex
	_collectors = make(map[string]prometheus.Collector)
)

func newRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector())
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

// Registry exposes the private registry, mainly for tests.
func Registry() *prometheus.Registry {
	return _registry
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(_registry, promhttp.HandlerOpts{})
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func labelNames(dims Dimension) []string {
	if len(dims) == 0 {
		return nil
	}
	names := make([]string, 0, len(dims))
	for k := range dims {
		names = append(names, sanitize(k))
	}
	sort.Strings(names)
	return names
}

func labels(dims Dimension) prometheus.Labels {
	if len(dims) == 0 {
		return prometheus.Labels{}
	}
	l := make(prometheus.Labels, len(dims))
	for k, v := range dims {
		l[sanitize(k)] = v
	}
	return l
}

// lookup returns the collector for (policy, group, name, label set), creating and
// registering it on first use. A registration conflict yields nil and the sample is dropped.
func lookup(policy Policy, group, name string, names []string) prometheus.Collector {
	key := policy.String() + "|" + group + "|" + name + "|" + strings.Join(names, ",")

	_mu.Lock()
	defer _mu.Unlock()

	if c, ok := _collectors[key]; ok {
		return c
	}

	subsystem := sanitize(group)
	metricName := sanitize(name)
	help := group + " " + name

	var c prometheus.Collector
	switch policy {
	case PolicySum:
		c = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: metricName, Help: help,
		}, names)
	case PolicySet:
		c = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: metricName, Help: help,
		}, names)
	case PolicyStopwatch:
		c = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace, Subsystem: subsystem, Name: metricName + "_seconds", Help: help,
			Buckets: prometheus.DefBuckets,
		}, names)
	default:
		return nil
	}

	if err := _registry.Register(c); err != nil {
		return nil
	}
	_collectors[key] = c
	return c
}

// IncrCounterWithGroup adds v to a counter.
func IncrCounterWithGroup(group, name string, v Value) {
	IncrCounterWithDimGroup(group, name, v, nil)
}

// IncrCounterWithDimGroup adds v to the counter series selected by dims.
func IncrCounterWithDimGroup(group, name string, v Value, dims Dimension) {
	if v < 0 {
		return
	}
	c, ok := lookup(PolicySum, group, name, labelNames(dims)).(*prometheus.CounterVec)
	if !ok {
		return
	}
	c.With(labels(dims)).Add(float64(v))
}

// UpdateGaugeWithGroup sets a gauge.
func UpdateGaugeWithGroup(group, name string, v Value) {
	UpdateGaugeWithDimGroup(group, name, v, nil)
}

// UpdateGaugeWithDimGroup sets the gauge series selected by dims.
func UpdateGaugeWithDimGroup(group, name string, v Value, dims Dimension) {
	g, ok := lookup(PolicySet, group, name, labelNames(dims)).(*prometheus.GaugeVec)
	if !ok {
		return
	}
	g.With(labels(dims)).Set(float64(v))
}

// RecordStopwatchWithGroup observes the time elapsed since start.
func RecordStopwatchWithGroup(group, name string, start time.Time) {
	RecordStopwatchWithDimGroup(group, name, start, nil)
}

// RecordStopwatchWithDimGroup observes the time elapsed since start in the series selected by dims.
func RecordStopwatchWithDimGroup(group, name string, start time.Time, dims Dimension) {
	h, ok := lookup(PolicyStopwatch, group, name, labelNames(dims)).(*prometheus.HistogramVec)
	if !ok {
		return
	}
	h.With(labels(dims)).Observe(time.Since(start).Seconds())
}
