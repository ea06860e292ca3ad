// Package metrics exposes the core pipeline's health as Prometheus
// collectors: per-instance connection state, filter rejection counts,
// and the aggregator's snapshot version.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solarwatt/core/internal/aggregator"
	"github.com/solarwatt/core/internal/stdkeys"
)

// Registry holds the collectors this package exposes, registered
// against a private registry so the process can run other prometheus
// consumers (e.g. test code) without collector-name collisions.
type Registry struct {
	registry *prometheus.Registry

	connected        *prometheus.GaugeVec
	snapshotVersion  prometheus.Gauge
	filterRejections *prometheus.GaugeVec
}

func NewRegistry(namespace string) *Registry {
	reg := prometheus.NewRegistry()

	connected := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "plugin_connected",
		Help:      "1 if the plugin instance is connected, 0 otherwise.",
	}, []string{"instance"})

	snapshotVersion := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "snapshot_version",
		Help:      "Monotonically increasing SystemState snapshot version.",
	})

	filterRejections := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "filter_rejections_total",
		Help:      "Cumulative number of samples the adaptive filter has rejected, per key.",
	}, []string{"key"})

	reg.MustRegister(connected, snapshotVersion, filterRejections)
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return &Registry{
		registry:         reg,
		connected:        connected,
		snapshotVersion:  snapshotVersion,
		filterRejections: filterRejections,
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Sync pulls the current aggregator snapshot and rejection counters
// into the Prometheus gauges; intended to be called on a short ticker
// alongside the supervisor's own periodic jobs.
func (r *Registry) Sync(agg *aggregator.Aggregator, energyKeys []stdkeys.Key) {
	snap := agg.Snapshot()
	r.snapshotVersion.Set(float64(snap.Version))

	for instance, st := range snap.PluginStatus {
		v := 0.0
		if st.State == aggregator.ConnConnected {
			v = 1.0
		}
		r.connected.WithLabelValues(instance).Set(v)
	}

	for _, key := range energyKeys {
		r.filterRejections.WithLabelValues(string(key)).Set(float64(agg.RejectionCount(key)))
	}
}

// RunSyncLoop calls Sync on interval until stop is closed.
func (r *Registry) RunSyncLoop(agg *aggregator.Aggregator, energyKeys []stdkeys.Key, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Sync(agg, energyKeys)
		}
	}
}
