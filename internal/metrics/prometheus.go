package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sloppy/tplsync/internal/db"
)

var (
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tplsync_operation_duration_seconds",
			Help:    "Time spent in link, unlink and host delete operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)

	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tplsync_operations_total",
			Help: "Total number of linkage operations",
		},
		[]string{"operation", "status"},
	)

	EntitiesPropagated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tplsync_entities_propagated_total",
			Help: "Inherited entities created or updated on linked hosts",
		},
		[]string{"kind"},
	)

	LockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tplsync_lock_wait_seconds",
			Help:    "Time spent waiting for host advisory locks",
			Buckets: prometheus.DefBuckets,
		},
	)

	TemplateLinks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tplsync_template_links",
			Help: "Number of host to template links",
		},
	)

	HostsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tplsync_hosts",
			Help: "Number of hosts by status",
		},
		[]string{"status"},
	)
)

// RecordOperation observes one finished operation.
func RecordOperation(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	OperationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordPropagated counts inherited copies written for kind.
func RecordPropagated(kind db.EntityKind, n int) {
	if n <= 0 {
		return
	}
	EntitiesPropagated.WithLabelValues(kind.String()).Add(float64(n))
}

// Collector refreshes inventory gauges from the store.
type Collector struct {
	store *db.DB
}

func NewCollector(store *db.DB) *Collector {
	return &Collector{store: store}
}

// UpdateSystemMetrics recomputes the host and link gauges.
func (c *Collector) UpdateSystemMetrics(ctx context.Context) error {
	return c.store.View(ctx, func(tx *db.Tx) error {
		hosts, err := tx.Hosts(ctx, db.HostFilter{Flags: []db.Flag{db.FlagNormal}})
		if err != nil {
			return err
		}
		counts := map[db.HostStatus]int{
			db.HostMonitored:    0,
			db.HostNotMonitored: 0,
			db.HostTemplate:     0,
		}
		for _, h := range hosts {
			counts[h.Status]++
		}
		for status, n := range counts {
			HostsByStatus.WithLabelValues(status.String()).Set(float64(n))
		}

		links, err := tx.AllTemplateLinks(ctx)
		if err != nil {
			return err
		}
		TemplateLinks.Set(float64(len(links)))
		return nil
	})
}
