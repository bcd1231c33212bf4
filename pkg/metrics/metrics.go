package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "payout"

// Registry 本服務專用的 registry，避免和 default registry 互相污染 (測試時尤其重要)
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	ObligationsCreated = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "obligations_created_total",
		Help:      "Obligations accepted into the payout pool, by reason.",
	}, []string{"reason"})

	AggregationCycles = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregation_cycles_total",
		Help:      "Aggregation cycles run, by result.",
	}, []string{"result"})

	AggregationDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "aggregation_cycle_seconds",
		Help:      "Wall time of one aggregation cycle.",
		Buckets:   prometheus.DefBuckets,
	})

	RestaurantsSkipped = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregation_skipped_total",
		Help:      "Restaurants skipped during aggregation, by reason.",
	}, []string{"reason"})

	AggregatesClaimed = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aggregates_claimed_total",
		Help:      "Aggregates created or re-claimed by aggregation cycles.",
	})

	Submissions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Transfer submissions to the provider, by result.",
	}, []string{"result"})

	Outcomes = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outcomes_total",
		Help:      "Provider outcomes applied to aggregates, by source and status.",
	}, []string{"source", "status"})

	AlertsRaised = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_raised_total",
		Help:      "Standing alerts raised or re-raised, by kind.",
	}, []string{"kind"})

	EventsPublished = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_events_published_total",
		Help:      "Outbox events handed to the publisher.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler 給 /metrics 使用
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
