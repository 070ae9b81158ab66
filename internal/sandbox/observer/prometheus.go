package observer

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "codesandbox"

// Prometheus records sandbox metrics into a prometheus registry.
type Prometheus struct {
	compiles     *prometheus.CounterVec
	compileTime  *prometheus.HistogramVec
	runs         *prometheus.CounterVec
	runTime      *prometheus.HistogramVec
	runMemory    *prometheus.HistogramVec
	cleanupFiles *prometheus.CounterVec
}

// NewPrometheus registers sandbox collectors on reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		compiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compiles_total",
			Help:      "Compile steps by language and outcome.",
		}, []string{"language", "ok"}),
		compileTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compile_duration_seconds",
			Help:      "Wall time of compile steps.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"language"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Program runs by language and status.",
		}, []string{"language", "status"}),
		runTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Runtime of sandboxed programs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"language"}),
		runMemory: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_memory_bytes",
			Help:      "Peak memory of sandboxed programs.",
			Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 10),
		}, []string{"language"}),
		cleanupFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workspace_files_removed_total",
			Help:      "Workspace artifacts removed by cleanup trigger.",
		}, []string{"trigger"}),
	}
	for _, c := range []prometheus.Collector{p.compiles, p.compileTime, p.runs, p.runTime, p.runMemory, p.cleanupFiles} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) ObserveCompile(_ context.Context, language string, ok bool, timeMs int64, _ int64) {
	p.compiles.WithLabelValues(language, strconv.FormatBool(ok)).Inc()
	p.compileTime.WithLabelValues(language).Observe(float64(timeMs) / 1000)
}

func (p *Prometheus) ObserveRun(_ context.Context, language string, status string, timeMs int64, memoryKB int64) {
	p.runs.WithLabelValues(language, status).Inc()
	p.runTime.WithLabelValues(language).Observe(float64(timeMs) / 1000)
	if memoryKB > 0 {
		p.runMemory.WithLabelValues(language).Observe(float64(memoryKB) * 1024)
	}
}

func (p *Prometheus) ObserveCleanup(_ context.Context, trigger string, removed int) {
	p.cleanupFiles.WithLabelValues(trigger).Add(float64(removed))
}
