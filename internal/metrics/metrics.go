// Package metrics exposes the coordination-hot-path Prometheus
// counters/gauges named in SPEC_FULL.md's ambient stack section,
// grounded on gotmyname2018-wormhole-svm/node/pkg/processor/processor.go's
// use of prometheus/client_golang + promauto alongside a go-ethereum
// flavored codebase.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Coordinator holds every counter/gauge the coordinator, elector, and
// epoch task touch on their hot paths.
type Coordinator struct {
	ElectedJobs    prometheus.Counter
	SlashedJobs    prometheus.Counter
	RespondedJobs  prometheus.Counter
	WaitlistedJobs prometheus.Counter
	ActiveJobs     prometheus.Gauge
	WaitlistDepth  prometheus.Gauge
}

// NewCoordinator registers and returns the coordinator metric set
// against reg (pass prometheus.DefaultRegisterer in production).
func NewCoordinator(reg prometheus.Registerer) *Coordinator {
	factory := promauto.With(reg)
	return &Coordinator{
		ElectedJobs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "jobs_elected_total",
			Help:      "Jobs for which this enclave was the elected relay gateway.",
		}),
		SlashedJobs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "jobs_slashed_total",
			Help:      "Slash transactions submitted after a relay timeout.",
		}),
		RespondedJobs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "jobs_responded_total",
			Help:      "Job responses relayed back to the request chain.",
		}),
		WaitlistedJobs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "jobs_waitlisted_total",
			Help:      "Jobs deferred pending an epoch snapshot.",
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "active_jobs",
			Help:      "Jobs currently owned by this enclave.",
		}),
		WaitlistDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "waitlist_depth",
			Help:      "Total jobs across all epochs currently waitlisted.",
		}),
	}
}
