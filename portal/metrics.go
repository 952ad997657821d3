package portal

import (
	"github.com/ahmadzakiakmal/herbtrace/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "herbtrace"

// Metrics holds the portal's prometheus collectors
type Metrics struct {
	Submissions   *prometheus.CounterVec
	SubmitLatency prometheus.Histogram
	Worklists     *prometheus.CounterVec
	Notifications *prometheus.CounterVec
}

// NewMetrics registers the portal collectors on reg. Facade gauges read the
// facade status at scrape time.
func NewMetrics(reg prometheus.Registerer, facade *repository.Facade) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		Submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Event submissions by role and outcome.",
		}, []string{"role", "outcome"}),
		SubmitLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submit_duration_seconds",
			Help:      "Time to validate and append one event.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		Worklists: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worklist_requests_total",
			Help:      "Worklist requests by role and access type.",
		}, []string{"role", "access"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Worklist notifications by result.",
		}, []string{"result"}),
	}

	if facade != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_degraded",
			Help:      "1 while the facade serves from its fallback store.",
		}, func() float64 {
			if facade.Status().Degraded {
				return 1
			}
			return 0
		})
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_writes_total",
			Help:      "Appends accepted by the facade.",
		}, func() float64 { return float64(facade.Status().WriteCount) })
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_fallback_writes_total",
			Help:      "Appends accepted by the fallback store.",
		}, func() float64 { return float64(facade.Status().FallbackWrites) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_pending_replay",
			Help:      "Fallback writes waiting for the primary store.",
		}, func() float64 { return float64(facade.Status().PendingReplay) })
	}
	return m
}
