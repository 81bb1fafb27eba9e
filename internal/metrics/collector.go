// Package metrics collects prometheus metrics for filesystem operations and
// tiering activity. The system has no network surface, so the registry is
// not served over HTTP; the metrics admin command gathers it on demand and
// ships the text exposition down the response pipe.
package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Collector owns the registry and all instruments.
type Collector struct {
	registry *prometheus.Registry

	opCounter    *prometheus.CounterVec
	opErrors     *prometheus.CounterVec
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter

	passCounter  prometheus.Counter
	passBusy     prometheus.Counter
	movedFiles   *prometheus.CounterVec
	movedBytes   *prometheus.CounterVec
	tierUsage    *prometheus.GaugeVec
	tierQuota    *prometheus.GaugeVec
	tierCapacity *prometheus.GaugeVec
}

// New creates a Collector with all instruments registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		opCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autotier",
			Name:      "fs_operations_total",
			Help:      "Filesystem operations by type.",
		}, []string{"op"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autotier",
			Name:      "fs_operation_errors_total",
			Help:      "Failed filesystem operations by type.",
		}, []string{"op"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotier",
			Name:      "fs_read_bytes_total",
			Help:      "Bytes read through the mount.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotier",
			Name:      "fs_written_bytes_total",
			Help:      "Bytes written through the mount.",
		}),
		passCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotier",
			Name:      "tier_passes_total",
			Help:      "Completed tiering passes.",
		}),
		passBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "autotier",
			Name:      "tier_passes_busy_total",
			Help:      "Tiering passes skipped because another was running.",
		}),
		movedFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autotier",
			Name:      "tier_moved_files_total",
			Help:      "Files moved into each tier.",
		}, []string{"tier"}),
		movedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autotier",
			Name:      "tier_moved_bytes_total",
			Help:      "Bytes moved into each tier.",
		}, []string{"tier"}),
		tierUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "autotier",
			Name:      "tier_usage_bytes",
			Help:      "Live usage per tier.",
		}, []string{"tier"}),
		tierQuota: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "autotier",
			Name:      "tier_quota_bytes",
			Help:      "Quota per tier.",
		}, []string{"tier"}),
		tierCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "autotier",
			Name:      "tier_capacity_bytes",
			Help:      "Backing filesystem capacity per tier.",
		}, []string{"tier"}),
	}

	c.registry.MustRegister(
		c.opCounter, c.opErrors, c.bytesRead, c.bytesWritten,
		c.passCounter, c.passBusy, c.movedFiles, c.movedBytes,
		c.tierUsage, c.tierQuota, c.tierCapacity,
	)
	return c
}

// RecordOp counts one filesystem operation; failed marks it as an error too.
func (c *Collector) RecordOp(op string, failed bool) {
	c.opCounter.WithLabelValues(op).Inc()
	if failed {
		c.opErrors.WithLabelValues(op).Inc()
	}
}

// RecordRead counts bytes read through the mount.
func (c *Collector) RecordRead(n int64) {
	c.bytesRead.Add(float64(n))
}

// RecordWrite counts bytes written through the mount.
func (c *Collector) RecordWrite(n int64) {
	c.bytesWritten.Add(float64(n))
}

// RecordPass counts one completed tiering pass.
func (c *Collector) RecordPass() {
	c.passCounter.Inc()
}

// RecordPassBusy counts a pass that found the lock already held.
func (c *Collector) RecordPassBusy() {
	c.passBusy.Inc()
}

// RecordMove counts one file moved into a tier.
func (c *Collector) RecordMove(tierID string, size int64) {
	c.movedFiles.WithLabelValues(tierID).Inc()
	c.movedBytes.WithLabelValues(tierID).Add(float64(size))
}

// SetTierStats publishes a tier's live gauges.
func (c *Collector) SetTierStats(tierID string, usage, quota, capacity int64) {
	c.tierUsage.WithLabelValues(tierID).Set(float64(usage))
	c.tierQuota.WithLabelValues(tierID).Set(float64(quota))
	c.tierCapacity.WithLabelValues(tierID).Set(float64(capacity))
}

// Render gathers the registry and returns the prometheus text exposition.
func (c *Collector) Render() (string, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return "", fmt.Errorf("failed to gather metrics: %w", err)
	}
	var b strings.Builder
	enc := expfmt.NewEncoder(&b, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			return "", fmt.Errorf("failed to encode metrics: %w", err)
		}
	}
	return b.String(), nil
}
