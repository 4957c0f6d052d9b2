package workflows

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/npsd/internal/orchestrator"
	"github.com/fyrsmithlabs/npsd/internal/run"
)

// Stepper is the orchestrator surface the activities drive.
type Stepper interface {
	Start(ctx context.Context, rc run.Context) error
	Step(ctx context.Context, runID string) (*run.Aggregate, error)
}

// Activities wraps a Stepper for registration with a worker.
type Activities struct {
	Orchestrator Stepper
}

// StartActivity stores the run manifest and announces the run.
func (a *Activities) StartActivity(ctx context.Context, rc run.Context) error {
	defer observe(ctx, "start", time.Now())
	err := a.Orchestrator.Start(ctx, rc)
	if err != nil {
		countError(ctx, "start")
	}
	return classify(err, nil)
}

// StepActivity advances the run by exactly one phase.
func (a *Activities) StepActivity(ctx context.Context, runID string) (*run.Aggregate, error) {
	defer observe(ctx, "step", time.Now())

	agg, err := a.Orchestrator.Step(ctx, runID)
	if err != nil {
		countError(ctx, "step")
		return nil, classify(err, agg)
	}
	return agg, nil
}

// classify marks errors a retry cannot fix as non-retryable. The partial
// aggregate, when there is one, travels as the error details.
func classify(err error, agg *run.Aggregate) error {
	if err == nil {
		return nil
	}
	var details []interface{}
	if agg != nil {
		details = append(details, agg)
	}
	switch {
	case errors.Is(err, run.ErrRecoveryMismatch):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeRecoveryMismatch, err, details...)
	case errors.Is(err, run.ErrCheckpointWrite):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeCheckpointWrite, err, details...)
	case errors.Is(err, orchestrator.ErrUnknownRun):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeUnknownRun, err)
	default:
		return err
	}
}

func observe(ctx context.Context, name string, start time.Time) {
	activityDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("activity", name)))
}

func countError(ctx context.Context, name string) {
	activityErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("activity", name)))
}
