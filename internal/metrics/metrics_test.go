package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/BTreeMap/OnboardPipe/internal/models"
	"github.com/BTreeMap/OnboardPipe/internal/validation"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.GuardDropped("narrowing", 2)
	m.GuardDropped("narrowing", 0)
	m.ValidationRejected(validation.ReasonZipInvalid)
	m.ActionOutcome(models.ToolGenerateQuote, "success")
	m.TurnProcessed("quote", models.StatusActive)
	m.TurnProcessed("quote", models.StatusActive)
	m.StageTransition("quote")

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"guard drops", m.GuardDroppedFields.WithLabelValues("narrowing"), 2},
		{"rejections", m.ValidationRejections.WithLabelValues("zip_invalid"), 1},
		{"actions", m.ActionOutcomes.WithLabelValues("generate_quote", "success"), 1},
		{"turns", m.Turns.WithLabelValues("quote", "active"), 2},
		{"transitions", m.StageTransitions.WithLabelValues("quote"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.GuardDropped("x", 1)
	m.ValidationRejected(validation.ReasonEnum)
	m.ActionOutcome(models.ToolNotifyAgent, "failure")
	m.TurnProcessed("f", models.StatusPaused)
	m.StageTransition("f")
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.StageTransition("donation")

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `onboardpipe_stage_transitions_total{flow="donation"} 1`) {
		t.Errorf("metric missing from output:\n%s", rec.Body.String())
	}
}
