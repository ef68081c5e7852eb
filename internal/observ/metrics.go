package observ

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "premium_engine"

// registry lazily creates prometheus vectors keyed by metric name. The label
// names of a metric are fixed by its first use; later calls fill missing
// labels with "" and drop unknown ones.
type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
	labels   map[string][]string
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
		labels:   map[string][]string{},
	}
	r.prom.MustRegister(collectors.NewGoCollector())
	r.prom.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *registry) values(name string, lbl map[string]string) prometheus.Labels {
	out := prometheus.Labels{}
	for _, k := range r.labels[name] {
		out[k] = lbl[k]
	}
	return out
}

func (r *registry) counter(name string, lbl map[string]string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.counters[name]
	if !ok {
		r.labels[name] = labelNames(lbl)
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, r.labels[name])
		r.prom.MustRegister(vec)
		r.counters[name] = vec
	}
	return vec.With(r.values(name, lbl))
}

func (r *registry) gauge(name string, lbl map[string]string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.gauges[name]
	if !ok {
		r.labels[name] = labelNames(lbl)
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
		}, r.labels[name])
		r.prom.MustRegister(vec)
		r.gauges[name] = vec
	}
	return vec.With(r.values(name, lbl))
}

func (r *registry) histogram(name string, lbl map[string]string) prometheus.Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	vec, ok := r.hist[name]
	if !ok {
		r.labels[name] = labelNames(lbl)
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, r.labels[name])
		r.prom.MustRegister(vec)
		r.hist[name] = vec
	}
	return vec.With(r.values(name, lbl))
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	reg.counter(name, labels).Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.gauge(name, labels).Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	reg.histogram(name, labels).Observe(value)
}

// RecordDuration records a duration in seconds under name+"_seconds".
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_seconds", duration.Seconds(), labels)
}

// Handler exposes the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry for tests.
func Gatherer() prometheus.Gatherer {
	return reg.prom
}
