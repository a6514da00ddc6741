package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	livekitNamespace string = "livekit"
)

var (
	initialized atomic.Bool

	TransitionCounter *prometheus.CounterVec
	CommandCounter    *prometheus.CounterVec
	EvaluationCounter prometheus.Counter

	promSubscribedSources  prometheus.Gauge
	promPausedSources      prometheus.Gauge
	promCommittedBitrate   prometheus.Gauge
	promUsableBudget       prometheus.Gauge
	promPendingCommands    prometheus.Gauge
	promEstimateCongestion prometheus.Gauge
)

func Init(clientID string) {
	if initialized.Swap(true) {
		return
	}

	constLabels := prometheus.Labels{"client_id": clientID}

	TransitionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   livekitNamespace,
			Subsystem:   "downlink_allocator",
			Name:        "transitions",
			ConstLabels: constLabels,
		},
		[]string{"kind"},
	)

	CommandCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   livekitNamespace,
			Subsystem:   "downlink_allocator",
			Name:        "commands",
			ConstLabels: constLabels,
		},
		[]string{"kind", "status"},
	)

	EvaluationCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   livekitNamespace,
			Subsystem:   "downlink_allocator",
			Name:        "evaluations",
			ConstLabels: constLabels,
		},
	)

	promSubscribedSources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   livekitNamespace,
			Subsystem:   "downlink_allocator",
			Name:        "subscribed_sources",
			ConstLabels: constLabels,
		},
	)

	promPausedSources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   livekitNamespace,
			Subsystem:   "downlink_allocator",
			Name:        "paused_sources",
			ConstLabels: constLabels,
		},
	)

	promCommittedBitrate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   livekitNamespace,
			Subsystem:   "downlink_allocator",
			Name:        "committed_bitrate_bps",
			ConstLabels: constLabels,
			Help:        "Total bitrate of the layers the last cycle decided to subscribe.",
		},
	)

	promUsableBudget = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   livekitNamespace,
			Subsystem:   "downlink_allocator",
			Name:        "usable_budget_bps",
			ConstLabels: constLabels,
			Help:        "Spendable downlink budget after margin and congestion penalty.",
		},
	)

	promPendingCommands = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   livekitNamespace,
			Subsystem:   "downlink_allocator",
			Name:        "pending_commands",
			ConstLabels: constLabels,
		},
	)

	promEstimateCongestion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   livekitNamespace,
			Subsystem:   "downlink_allocator",
			Name:        "congested",
			ConstLabels: constLabels,
			Help:        "1 while the budget is attenuated for congestion.",
		},
	)

	prometheus.MustRegister(TransitionCounter)
	prometheus.MustRegister(CommandCounter)
	prometheus.MustRegister(EvaluationCounter)
	prometheus.MustRegister(promSubscribedSources)
	prometheus.MustRegister(promPausedSources)
	prometheus.MustRegister(promCommittedBitrate)
	prometheus.MustRegister(promUsableBudget)
	prometheus.MustRegister(promPendingCommands)
	prometheus.MustRegister(promEstimateCongestion)
}

func RecordEvaluation(subscribed int, paused int, committedBitrate int64, usableBudget int64, congested bool, pendingCommands int) {
	if !initialized.Load() {
		return
	}

	EvaluationCounter.Inc()
	promSubscribedSources.Set(float64(subscribed))
	promPausedSources.Set(float64(paused))
	promCommittedBitrate.Set(float64(committedBitrate))
	promUsableBudget.Set(float64(usableBudget))
	promPendingCommands.Set(float64(pendingCommands))
	if congested {
		promEstimateCongestion.Set(1)
	} else {
		promEstimateCongestion.Set(0)
	}
}

func RecordTransition(kind string) {
	if !initialized.Load() {
		return
	}
	TransitionCounter.WithLabelValues(kind).Inc()
}

func RecordCommand(kind string, status string) {
	if !initialized.Load() {
		return
	}
	CommandCounter.WithLabelValues(kind, status).Inc()
}
