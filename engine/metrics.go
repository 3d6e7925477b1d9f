package engine

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bibin-skaria/pkgchunk/layers"
)

// MetricsCollector records per-stage timing and allocation figures. It is
// a StageHook and only reads process statistics.
type MetricsCollector struct {
	mutex    sync.Mutex
	registry *prometheus.Registry
	starts   map[string]stageStart

	stageDuration   *prometheus.GaugeVec
	stageHeapDelta  *prometheus.GaugeVec
	stageAllocBytes *prometheus.GaugeVec
	stageRuns       *prometheus.CounterVec
	layerBytes      prometheus.Counter
}

type stageStart struct {
	at         time.Time
	heapAlloc  uint64
	totalAlloc uint64
}

// NewMetricsCollector creates a collector with its own registry, labelled
// with the build ID.
func NewMetricsCollector(buildID string) *MetricsCollector {
	labels := prometheus.Labels{"build_id": buildID}

	m := &MetricsCollector{
		registry: prometheus.NewRegistry(),
		starts:   make(map[string]stageStart),
		stageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pkgchunk_stage_duration_seconds",
			Help:        "Wall time spent in each pipeline stage",
			ConstLabels: labels,
		}, []string{"stage"}),
		stageHeapDelta: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pkgchunk_stage_heap_delta_bytes",
			Help:        "Change in live heap bytes across each stage",
			ConstLabels: labels,
		}, []string{"stage"}),
		stageAllocBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "pkgchunk_stage_allocated_bytes",
			Help:        "Bytes allocated during each stage",
			ConstLabels: labels,
		}, []string{"stage"}),
		stageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "pkgchunk_stage_runs_total",
			Help:        "Stage completions, by result",
			ConstLabels: labels,
		}, []string{"stage", "result"}),
		layerBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "pkgchunk_layer_bytes_total",
			Help:        "Compressed bytes of all packed layers",
			ConstLabels: labels,
		}),
	}

	m.registry.MustRegister(
		m.stageDuration,
		m.stageHeapDelta,
		m.stageAllocBytes,
		m.stageRuns,
		m.layerBytes,
	)
	return m
}

func (m *MetricsCollector) StartStage(name string) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.starts[name] = stageStart{at: time.Now(), heapAlloc: ms.HeapAlloc, totalAlloc: ms.TotalAlloc}
}

func (m *MetricsCollector) EndStage(name string, err error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m.mutex.Lock()
	start, ok := m.starts[name]
	delete(m.starts, name)
	m.mutex.Unlock()
	if !ok {
		return
	}

	m.stageDuration.WithLabelValues(name).Set(time.Since(start.at).Seconds())
	m.stageHeapDelta.WithLabelValues(name).Set(float64(ms.HeapAlloc) - float64(start.heapAlloc))
	m.stageAllocBytes.WithLabelValues(name).Set(float64(ms.TotalAlloc - start.totalAlloc))

	result := "success"
	if err != nil {
		result = "failure"
	}
	m.stageRuns.WithLabelValues(name, result).Inc()
}

func (m *MetricsCollector) LayerPacked(layer *layers.Layer) {
	m.layerBytes.Add(float64(layer.Size))
}

// Registry exposes the collector's registry.
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes all metrics in the Prometheus text format.
func (m *MetricsCollector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
