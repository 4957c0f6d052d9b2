package orchestrator

import (
	"context"

	"github.com/fyrsmithlabs/npsd/internal/analyzer"
	"github.com/fyrsmithlabs/npsd/internal/confidence"
	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// foundationHandler runs A0 to A3 strictly in order. Each unit consumes its
// predecessor's output; once one fails, every successor is recorded as an
// upstream failure without being called.
type foundationHandler struct {
	*env
}

func (h *foundationHandler) Phase() run.Phase { return run.Foundation }

func (h *foundationHandler) Execute(ctx context.Context, state *RunState) *run.PhaseResult {
	r := run.NewPhaseResult(run.Foundation)

	var (
		cleaned analyzer.CleanedData
		metrics analyzer.NPSMetrics
		failed  unit.ID
	)

	steps := []struct {
		id  unit.ID
		run func() unit.Outcome
	}{
		{unit.Ingest, func() unit.Outcome {
			return h.call(ctx, unit.Ingest, state.Run.Input)
		}},
		{unit.NPSMetrics, func() unit.Outcome {
			return h.call(ctx, unit.NPSMetrics, cleaned)
		}},
		{unit.Confidence, func() unit.Outcome {
			return h.local(ctx, unit.Confidence, func(context.Context) (any, error) {
				return h.assess(cleaned)
			})
		}},
		{unit.ThemeClusters, func() unit.Outcome {
			return h.call(ctx, unit.ThemeClusters, analyzer.ThemeInput{Comments: cleaned.Comments(), Metrics: metrics})
		}},
	}

	for _, step := range steps {
		if failed != "" {
			r.Record(upstreamFailed(step.id, failed))
			continue
		}

		out := step.run()
		if out.Succeeded() {
			var err error
			switch step.id {
			case unit.Ingest:
				err = out.Decode(&cleaned)
			case unit.NPSMetrics:
				err = out.Decode(&metrics)
			}
			if err != nil {
				out = unit.Fail(step.id, unit.KindClassification, err.Error(), 0)
			}
		}
		r.Record(out)
		if !out.Succeeded() {
			failed = step.id
		}
	}
	return r
}

// assess grades the cleaned data: total records against the valid share.
func (h *foundationHandler) assess(cleaned analyzer.CleanedData) (confidence.Assessment, error) {
	rate := 0.0
	if cleaned.Total > 0 {
		rate = float64(cleaned.Valid) / float64(cleaned.Total)
	}
	a, err := h.cfg.Thresholds.Assess(cleaned.Total, rate)
	if err != nil {
		return a, unit.Permanent(unit.KindInvalidInput, err)
	}
	return a, nil
}
