package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives lifecycle events for an external metrics system.
// The zero-dependency Noop implementation is the default everywhere;
// the daemon substitutes PrometheusCollector.
type Collector interface {
	// ServerStarted is called when a managed server spawn succeeds.
	ServerStarted()

	// ServerReady records the spawn-to-ready latency.
	ServerReady(latency time.Duration)

	// ServerExited records the managed server's exit code.
	ServerExited(code int)

	// ServerKilled records a completed kill, with the time the process
	// tree took to die.
	ServerKilled(wait time.Duration)

	// StepRan records one install-step invocation.
	StepRan(step string, d time.Duration, ok bool)

	// LinesDelivered counts log lines handed to tail subscribers.
	LinesDelivered(n int)
}

// Noop discards all events.
type Noop struct{}

func (Noop) ServerStarted() {}

func (Noop) ServerReady(time.Duration) {}

func (Noop) ServerExited(int) {}

func (Noop) ServerKilled(time.Duration) {}

func (Noop) StepRan(string, time.Duration, bool) {}

func (Noop) LinesDelivered(int) {}

var _ Collector = Noop{}
var _ Collector = (*PrometheusCollector)(nil)

// PrometheusCollector implements Collector on a private prometheus
// registry, exposed by the daemon's /metrics endpoint.
type PrometheusCollector struct {
	starts       prometheus.Counter
	readyLatency prometheus.Histogram
	exits        *prometheus.CounterVec
	killWait     prometheus.Histogram
	steps        *prometheus.HistogramVec
	lines        prometheus.Counter

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a collector with its own registry.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "loom"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.starts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "server_starts_total",
		Help:      "Total number of successful managed-server spawns",
	})
	pc.readyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "server_ready_latency_seconds",
		Help:      "Time from spawn to readiness of the managed server",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})
	pc.exits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "server_exits_total",
		Help:      "Managed-server exits by exit code",
	}, []string{"code"})
	pc.killWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "server_kill_wait_seconds",
		Help:      "Time for the managed server's process tree to die on kill",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10},
	})
	pc.steps = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "install_step_duration_seconds",
		Help:      "Duration of install-step invocations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"step", "outcome"})
	pc.lines = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_lines_delivered_total",
		Help:      "Log lines delivered to tail subscribers",
	})

	pc.registry.MustRegister(
		pc.starts,
		pc.readyLatency,
		pc.exits,
		pc.killWait,
		pc.steps,
		pc.lines,
	)
	return pc
}

// Registry returns the private registry for HTTP exposition.
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// ServerStarted records a successful spawn.
func (pc *PrometheusCollector) ServerStarted() {
	pc.starts.Inc()
}

// ServerReady records the spawn-to-ready latency.
func (pc *PrometheusCollector) ServerReady(latency time.Duration) {
	pc.readyLatency.Observe(latency.Seconds())
}

// ServerExited records the exit code.
func (pc *PrometheusCollector) ServerExited(code int) {
	pc.exits.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ServerKilled records how long the process tree took to die.
func (pc *PrometheusCollector) ServerKilled(wait time.Duration) {
	pc.killWait.Observe(wait.Seconds())
}

// StepRan records one install-step invocation.
func (pc *PrometheusCollector) StepRan(step string, d time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	pc.steps.WithLabelValues(step, outcome).Observe(d.Seconds())
}

// LinesDelivered counts delivered log lines.
func (pc *PrometheusCollector) LinesDelivered(n int) {
	pc.lines.Add(float64(n))
}
