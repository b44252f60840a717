package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus instruments for the position pipeline and the
// read API. One instance is created at startup and shared by the loop, the
// sinks and the handlers.
type Metrics struct {
	registry *prometheus.Registry

	CycleDuration prometheus.Histogram
	CyclesTotal   *prometheus.CounterVec
	ObjectsTotal  *prometheus.CounterVec
	CycleOverruns prometheus.Counter
	GeoSyncErrors prometheus.Counter
	PublishErrors prometheus.Counter
	LastPublish   prometheus.Gauge
	SnapshotSize  prometheus.Gauge
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	Recomputes    *prometheus.CounterVec
	StreamClients prometheus.Gauge
}

// New creates a metrics registry with all Orbitrack instruments plus the
// standard Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orbitrack_cycle_duration_seconds",
			Help:    "Duration of one full pipeline cycle in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbitrack_cycles_total",
			Help: "Total pipeline cycles by outcome",
		}, []string{"result"}),
		ObjectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbitrack_objects_total",
			Help: "Total per-object solver outcomes across all cycles",
		}, []string{"result"}),
		CycleOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbitrack_cycle_overruns_total",
			Help: "Cycles that ran longer than the scheduling period",
		}),
		GeoSyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbitrack_geosync_errors_total",
			Help: "Failed spatial index batch writes",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbitrack_publish_errors_total",
			Help: "Failed snapshot cache publishes",
		}),
		LastPublish: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orbitrack_last_publish_timestamp_seconds",
			Help: "Unix time of the last successful snapshot publish",
		}),
		SnapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orbitrack_snapshot_objects",
			Help: "Object count in the last published snapshot",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbitrack_cache_hits_total",
			Help: "Read API requests served from the snapshot cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orbitrack_cache_misses_total",
			Help: "Read API requests that missed the snapshot cache",
		}),
		Recomputes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orbitrack_degraded_recomputes_total",
			Help: "Degraded-path synchronous recomputations by outcome",
		}, []string{"result"}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orbitrack_stream_clients",
			Help: "Currently connected snapshot stream clients",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CycleDuration, m.CyclesTotal, m.ObjectsTotal, m.CycleOverruns,
		m.GeoSyncErrors, m.PublishErrors, m.LastPublish, m.SnapshotSize,
		m.CacheHits, m.CacheMisses, m.Recomputes, m.StreamClients,
	)
	return m
}

// ObserveCycle records one cycle's outcome.
func (m *Metrics) ObserveCycle(duration time.Duration, succeeded, failed int, publishOK bool) {
	m.CycleDuration.Observe(duration.Seconds())
	m.ObjectsTotal.WithLabelValues("success").Add(float64(succeeded))
	m.ObjectsTotal.WithLabelValues("failure").Add(float64(failed))
	if publishOK {
		m.CyclesTotal.WithLabelValues("published").Inc()
		m.LastPublish.SetToCurrentTime()
		m.SnapshotSize.Set(float64(succeeded))
	} else {
		m.CyclesTotal.WithLabelValues("failed").Inc()
	}
}

// Handler serves this registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
