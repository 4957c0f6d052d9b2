package orchestrator

import (
	"context"
	"fmt"
	"math"

	"github.com/fyrsmithlabs/npsd/internal/analyzer"
	"github.com/fyrsmithlabs/npsd/internal/confidence"
	"github.com/fyrsmithlabs/npsd/internal/parallel"
	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

const (
	// RestrictedRecommendation replaces every consulting output when the
	// data grade is low.
	RestrictedRecommendation = "Expand the sample and improve data collection before acting on these findings."

	// LowConfidenceAnnotation marks recommendations whose unit floor exceeds
	// the data grade.
	LowConfidenceAnnotation = "Underlying data confidence is low; review before execution."

	lowConfidenceCap = 0.5
)

var advisors = []unit.ID{unit.StrategyAdvisor, unit.ProductAdvisor, unit.MarketingAdvisor, unit.RiskAdvisor}

// Floors is the minimum grade score each consulting unit expects.
var Floors = map[unit.ID]float64{
	unit.StrategyAdvisor:  0.5,
	unit.ProductAdvisor:   0.6,
	unit.MarketingAdvisor: 0.6,
	unit.RiskAdvisor:      0.7,
	unit.ExecutiveSummary: 0.6,
}

var consultingFocus = map[unit.ID]string{
	unit.StrategyAdvisor:  "strategy",
	unit.ProductAdvisor:   "product",
	unit.MarketingAdvisor: "marketing",
	unit.RiskAdvisor:      "risk",
	unit.ExecutiveSummary: "executive",
}

type consultingHandler struct {
	*env
}

func (h *consultingHandler) Phase() run.Phase { return run.Consulting }

func (h *consultingHandler) Execute(ctx context.Context, state *RunState) *run.PhaseResult {
	r := run.NewPhaseResult(run.Consulting)
	grade, _ := gradeFrom(state.Results[run.Foundation])

	if confidence.Gate(grade.Grade) == confidence.Restricted {
		for _, id := range run.Consulting.Units() {
			r.Record(restricted(id, grade))
		}
		return r
	}

	f, err := decodeFoundation(state.Results[run.Foundation])
	if err != nil {
		for _, id := range run.Consulting.Units() {
			r.Record(upstreamFailed(id, unit.NPSMetrics))
		}
		h.collectErrors(r)
		return r
	}

	var coord analyzer.Coordination
	if !decodeOutcome(state.Results[run.Analysis], unit.Coordinator, &coord) {
		for _, id := range run.Consulting.Units() {
			r.Record(upstreamFailed(id, unit.Coordinator))
		}
		h.collectErrors(r)
		return r
	}

	input := func(id unit.ID) analyzer.ConsultingInput {
		return analyzer.ConsultingInput{
			Unit:       id,
			Focus:      consultingFocus[id],
			Metrics:    f.metrics,
			Insights:   coord.Insights,
			Confidence: grade,
			Limit:      analyzer.Limit(id),
		}
	}

	group := parallel.Group{Name: "advisors"}
	for _, id := range advisors {
		group.Tasks = append(group.Tasks, h.task(id, input(id)))
	}
	advice := map[unit.ID]analyzer.Recommendations{}
	for id, out := range h.coordinator.Run(ctx, group) {
		out = h.applyFloor(out, grade.Grade)
		r.Record(out)
		var recs analyzer.Recommendations
		if out.Succeeded() && out.Decode(&recs) == nil {
			advice[id] = recs
		}
	}

	summary := input(unit.ExecutiveSummary)
	summary.Advice = advice
	r.Record(h.applyFloor(h.call(ctx, unit.ExecutiveSummary, summary), grade.Grade))

	h.collectErrors(r)
	return r
}

func restricted(id unit.ID, grade confidence.Assessment) unit.Outcome {
	return unit.Success(id, analyzer.Recommendations{
		Unit:       id,
		Restricted: true,
		Recommendations: []analyzer.Recommendation{{
			Title:      RestrictedRecommendation,
			Detail:     grade.Justification,
			Confidence: grade.Grade.Score(),
		}},
	})
}

// applyFloor annotates and caps the recommendations of a unit whose floor
// exceeds the grade score. The unit still runs.
func (h *consultingHandler) applyFloor(out unit.Outcome, g confidence.Grade) unit.Outcome {
	if !out.Succeeded() || Floors[out.Unit] <= g.Score() {
		return out
	}
	var recs analyzer.Recommendations
	if err := out.Decode(&recs); err != nil {
		return unit.Fail(out.Unit, unit.KindClassification, err.Error(), 0)
	}
	for i := range recs.Recommendations {
		recs.Recommendations[i].Annotation = LowConfidenceAnnotation
		recs.Recommendations[i].Confidence = math.Min(recs.Recommendations[i].Confidence, lowConfidenceCap)
	}
	return unit.Success(out.Unit, recs)
}

// collectErrors records each failed unit as "C3: message".
func (h *consultingHandler) collectErrors(r *run.PhaseResult) {
	for _, id := range r.Failed() {
		out, _ := r.Outcome(id)
		r.Errors = append(r.Errors, fmt.Sprintf("%s: %s", id, out.Failure.Message))
	}
}

func decodeOutcome(r *run.PhaseResult, id unit.ID, v any) bool {
	if r == nil {
		return false
	}
	out, ok := r.Outcome(id)
	return ok && out.Decode(v) == nil
}
