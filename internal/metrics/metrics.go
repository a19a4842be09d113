// Package metrics exposes Prometheus counters for the conversation flow core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BTreeMap/OnboardPipe/internal/extraction"
	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/validation"
)

const namespace = "onboardpipe"

// Metrics holds the flow counters. A nil *Metrics records nothing.
type Metrics struct {
	GuardDroppedFields   *prometheus.CounterVec // labels: rule
	ValidationRejections *prometheus.CounterVec // labels: reason
	ActionOutcomes       *prometheus.CounterVec // labels: tool, outcome
	Turns                *prometheus.CounterVec // labels: flow, status
	StageTransitions     *prometheus.CounterVec // labels: flow
}

var (
	_ flow.Recorder       = (*Metrics)(nil)
	_ extraction.Recorder = (*Metrics)(nil)
)

// New registers the counters with reg. Pass prometheus.NewRegistry() in tests; registering twice
// with the same registry panics.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GuardDroppedFields: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_dropped_fields_total",
			Help:      "Fields removed from model extractions, by guard rule",
		}, []string{"rule"}),
		ValidationRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejections_total",
			Help:      "Extracted values rejected by the field validator, by reason",
		}, []string{"reason"}),
		ActionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_outcomes_total",
			Help:      "Stage action results, by tool and outcome",
		}, []string{"tool", "outcome"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Processed user turns, by flow and resulting status",
		}, []string{"flow", "status"}),
		StageTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_transitions_total",
			Help:      "Stage transitions taken, by flow",
		}, []string{"flow"}),
	}
}

// GuardDropped implements extraction.Recorder.
func (m *Metrics) GuardDropped(rule string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GuardDroppedFields.WithLabelValues(rule).Add(float64(n))
}

func (m *Metrics) ValidationRejected(reason validation.Reason) {
	if m == nil {
		return
	}
	m.ValidationRejections.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) ActionOutcome(tool models.ToolName, outcome string) {
	if m == nil {
		return
	}
	m.ActionOutcomes.WithLabelValues(string(tool), outcome).Inc()
}

func (m *Metrics) TurnProcessed(flowSlug string, status models.ConversationStatus) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(flowSlug, string(status)).Inc()
}

func (m *Metrics) StageTransition(flowSlug string) {
	if m == nil {
		return
	}
	m.StageTransitions.WithLabelValues(flowSlug).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
