package main

import (
	"fmt"
	"log/slog"

	"github.com/metal-stack/v"
	"github.com/prometheus/client_golang/prometheus"
)

// snapshotCollector renders the published snapshot. Each scrape reads the
// snapshot pointer once and so never mixes two generations.
type snapshotCollector struct {
	store  *snapshotStore
	descs  *descriptions
	logger *slog.Logger
}

func newSnapshotCollector(store *snapshotStore, descs *descriptions, logger *slog.Logger) *snapshotCollector {
	return &snapshotCollector{store: store, descs: descs, logger: logger}
}

// Describe implements prometheus.Collector.
func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.descs.all() {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.store.Load()
	if snap == nil {
		c.logger.Debug("no snapshot published yet")
		return
	}
	for _, s := range snap.Samples {
		m, ok := c.descs.byName[s.Name]
		if !ok {
			continue
		}
		metric, err := prometheus.NewConstMetric(m.desc, m.valueType, s.Value, s.Labels...)
		if err != nil {
			ch <- prometheus.NewInvalidMetric(m.desc, err)
			continue
		}
		ch <- metric
	}
	ch <- prometheus.MustNewConstMetric(c.descs.snapshotTimestamp.desc, prometheus.GaugeValue, float64(snap.Timestamp.Unix()))
}

// newBuildInfo exports the binary version as a constant gauge.
func newBuildInfo(namespace string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "exporter",
		Name:        "build_info",
		Help:        "Version of the nftables exporter, value is always 1",
		ConstLabels: prometheus.Labels{"version": fmt.Sprint(v.V)},
	})
	g.Set(1)
	return g
}
