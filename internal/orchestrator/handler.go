package orchestrator

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/npsd/internal/analyzer"
	"github.com/fyrsmithlabs/npsd/internal/confidence"
	"github.com/fyrsmithlabs/npsd/internal/logging"
	"github.com/fyrsmithlabs/npsd/internal/parallel"
	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// RunState is what a phase handler may read: the immutable run context and
// the results of earlier phases.
type RunState struct {
	Run     run.Context
	Results map[run.Phase]*run.PhaseResult
}

// PhaseHandler executes the units of one phase. It records an outcome for
// every declared unit and never returns an error; failures are outcomes.
type PhaseHandler interface {
	Phase() run.Phase
	Execute(ctx context.Context, state *RunState) *run.PhaseResult
}

// env is shared by the built-in phase handlers.
type env struct {
	cfg         Config
	analyzer    analyzer.Analyzer
	executor    *unit.Executor
	coordinator *parallel.Coordinator
	logger      *logging.Logger
}

// call runs one external analysis unit under its retry policy.
func (e *env) call(ctx context.Context, id unit.ID, input any) unit.Outcome {
	return e.executor.Execute(ctx, id, e.cfg.policy(id), func(ctx context.Context) (any, error) {
		raw, err := e.analyzer.Analyze(ctx, id, input)
		if err != nil {
			return nil, err
		}
		return raw, nil
	})
}

// local runs a unit implemented in-process under its retry policy.
func (e *env) local(ctx context.Context, id unit.ID, fn unit.Func) unit.Outcome {
	return e.executor.Execute(ctx, id, e.cfg.policy(id), fn)
}

func (e *env) task(id unit.ID, input any) parallel.Task {
	return parallel.Task{ID: id, Run: func(ctx context.Context) unit.Outcome {
		return e.call(ctx, id, input)
	}}
}

// upstreamFailed is the outcome recorded for a unit whose input never arrived.
func upstreamFailed(id, upstream unit.ID) unit.Outcome {
	return unit.Fail(id, unit.KindInvalidInput, fmt.Sprintf("upstream unit %s failed", upstream), 0)
}

// foundationOutputs are the decoded Foundation payloads later phases consume.
type foundationOutputs struct {
	cleaned    analyzer.CleanedData
	metrics    analyzer.NPSMetrics
	assessment confidence.Assessment
	graded     bool
	themes     []analyzer.Theme
}

func decodeFoundation(r *run.PhaseResult) (foundationOutputs, error) {
	var f foundationOutputs
	if r == nil {
		return f, fmt.Errorf("foundation result unavailable")
	}
	for id, dst := range map[unit.ID]any{unit.Ingest: &f.cleaned, unit.NPSMetrics: &f.metrics} {
		out, ok := r.Outcome(id)
		if !ok {
			return f, fmt.Errorf("foundation has no outcome for %s", id)
		}
		if err := out.Decode(dst); err != nil {
			return f, err
		}
	}
	f.assessment, f.graded = gradeFrom(r)
	if out, ok := r.Outcome(unit.ThemeClusters); ok && out.Succeeded() {
		var t analyzer.Themes
		if err := out.Decode(&t); err == nil {
			f.themes = t.Themes
		}
	}
	return f, nil
}

// gradeFrom reads the A2 assessment. A missing or failed A2 yields a low
// grade so the consulting gate stays restricted.
func gradeFrom(r *run.PhaseResult) (confidence.Assessment, bool) {
	if r != nil {
		if out, ok := r.Outcome(unit.Confidence); ok && out.Succeeded() {
			var a confidence.Assessment
			if err := out.Decode(&a); err == nil {
				return a, true
			}
		}
	}
	return confidence.Assessment{Grade: confidence.Low, Justification: "confidence assessment unavailable"}, false
}
