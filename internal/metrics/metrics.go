// Package metrics defines the proxy's metrics sink boundary and a
// Prometheus-backed implementation of it, plus a background sampler that
// publishes basic process-health gauges.
//
// Grounded on original_source/proxy/metrics.py: the counter/histogram
// names and the request/pool latency bucket edges are a direct port of
// that file's Prometheus client usage, and the Sampler below ports its
// monitor_active_threads background loop. The Prometheus client itself is
// grounded on its use across the pack (caddyserver-caddy's metrics module,
// docker-compose, and several other_examples manifests).
package metrics

import (
	"context"
	"net/http"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink is the metrics boundary the pool and engine emit through. Config
// and wiring of the concrete implementation live outside this interface,
// so the proxy's hot paths never depend on Prometheus directly.
type Sink interface {
	IncrementUpstreamErrors(upstream string)
	IncrementPoolErrors()
	ObserveRequestLatency(upstream string, seconds float64)
	ObservePoolLatency(seconds float64)
}

// latencyBuckets matches the reference implementation's histogram edges.
var latencyBuckets = []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10}

// Prometheus is the production Sink, registering its series on the
// registry passed to New so callers can serve them with promhttp.
type Prometheus struct {
	upstreamErrors *prometheus.CounterVec
	poolErrors     prometheus.Counter
	requestLatency *prometheus.HistogramVec
	poolLatency    prometheus.Histogram
}

// NewPrometheus registers the proxy's series on reg and returns a Sink
// backed by them.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		upstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_upstream_errors_total",
			Help: "Total upstream connection or I/O errors, by upstream.",
		}, []string{"upstream"}),
		poolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "proxy_pool_errors_total",
			Help: "Total failures acquiring a connection from the upstream pool.",
		}),
		requestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "proxy_request_latency_seconds",
			Help:    "End-to-end latency of a proxied request, by upstream.",
			Buckets: latencyBuckets,
		}, []string{"upstream"}),
		poolLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_latency_seconds",
			Help:    "Time spent waiting to acquire an upstream connection.",
			Buckets: latencyBuckets,
		}),
	}
}

func (p *Prometheus) IncrementUpstreamErrors(upstream string) {
	p.upstreamErrors.WithLabelValues(upstream).Inc()
}

func (p *Prometheus) IncrementPoolErrors() {
	p.poolErrors.Inc()
}

func (p *Prometheus) ObserveRequestLatency(upstream string, seconds float64) {
	p.requestLatency.WithLabelValues(upstream).Observe(seconds)
}

func (p *Prometheus) ObservePoolLatency(seconds float64) {
	p.poolLatency.Observe(seconds)
}

// Sampler publishes basic process-health gauges once a second: active
// goroutines as a proxy for in-flight tasks, the Go runtime's view of
// resident/virtual memory, and accumulated process CPU time. It
// supplements the request/pool counters and histograms above with the
// process telemetry the reference implementation's monitor_active_threads
// loop exposed, served on the same registry.
type Sampler struct {
	activeTasks prometheus.Gauge
	residentMem prometheus.Gauge
	virtualMem  prometheus.Gauge
	cpuSeconds  prometheus.Gauge
	interval    time.Duration
}

// NewSampler registers the sampler's gauges on reg.
func NewSampler(reg prometheus.Registerer) *Sampler {
	factory := promauto.With(reg)
	return &Sampler{
		activeTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_tasks",
			Help: "Number of currently running goroutines, sampled once a second.",
		}),
		residentMem: factory.NewGauge(prometheus.GaugeOpts{
			Name: "process_resident_memory_bytes",
			Help: "Resident memory reported by the Go runtime, sampled once a second.",
		}),
		virtualMem: factory.NewGauge(prometheus.GaugeOpts{
			Name: "process_virtual_memory_bytes",
			Help: "Virtual memory reported by the Go runtime, sampled once a second.",
		}),
		cpuSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "process_cpu_seconds_total",
			Help: "Total user+system CPU time consumed by the process, sampled once a second.",
		}),
		interval: time.Second,
	}
}

// Run samples until ctx is canceled. Callers run it in its own goroutine.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	s.activeTasks.Set(float64(runtime.NumGoroutine()))

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.residentMem.Set(float64(mem.Sys))
	s.virtualMem.Set(float64(mem.HeapSys + mem.StackSys))

	s.cpuSeconds.Set(processCPUSeconds())
}

// processCPUSeconds reads this process's accumulated user+system CPU time
// via getrusage(2). No library in the retrieved pack wraps this
// syscall-level process accounting portably, so it is read directly
// through the standard library rather than left unported.
func processCPUSeconds() float64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	user := time.Duration(ru.Utime.Sec)*time.Second + time.Duration(ru.Utime.Usec)*time.Microsecond
	sys := time.Duration(ru.Stime.Sec)*time.Second + time.Duration(ru.Stime.Usec)*time.Microsecond
	return (user + sys).Seconds()
}

// Handler returns the HTTP handler to serve the default registry on the
// metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns the HTTP handler to serve reg on the metrics
// listener.
func HandlerFor(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
