// Package workflows drives runs as Temporal workflows. Each activity
// advances a run by one phase, so a crashed worker resumes from the latest
// checkpoint on the next attempt.
package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/npsd/internal/run"
)

// DefaultTaskQueue is used when no task queue is configured.
const DefaultTaskQueue = "npsd-runs"

// DefaultStepTimeout bounds a single StepActivity.
const DefaultStepTimeout = 300 * time.Second

// RunInput starts a new run.
type RunInput struct {
	Run         run.Context   // Manifest to store before the first phase
	StepTimeout time.Duration // StartToClose for each activity; 0 uses DefaultStepTimeout
}

// ResumeInput continues a stored run.
type ResumeInput struct {
	RunID       string
	StepTimeout time.Duration
}

// RunWorkflow stores the manifest and steps the run to a terminal state.
func RunWorkflow(ctx workflow.Context, input RunInput) (*run.Aggregate, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting run", "run_id", input.Run.ID, "responses", input.Run.Input.SampleSize())

	ctx = withActivityOptions(ctx, input.StepTimeout)

	var a *Activities
	if err := workflow.ExecuteActivity(ctx, a.StartActivity, input.Run).Get(ctx, nil); err != nil {
		return nil, WrapActivityError("failed to store run manifest", err)
	}
	return stepUntilTerminal(ctx, input.Run.ID)
}

// ResumeWorkflow steps a stored run to a terminal state.
func ResumeWorkflow(ctx workflow.Context, input ResumeInput) (*run.Aggregate, error) {
	workflow.GetLogger(ctx).Info("Resuming run", "run_id", input.RunID)
	return stepUntilTerminal(withActivityOptions(ctx, input.StepTimeout), input.RunID)
}

func withActivityOptions(ctx workflow.Context, timeout time.Duration) workflow.Context {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeRecoveryMismatch, ErrTypeCheckpointWrite, ErrTypeUnknownRun},
		},
	})
}

func stepUntilTerminal(ctx workflow.Context, runID string) (*run.Aggregate, error) {
	logger := workflow.GetLogger(ctx)
	var a *Activities

	// One step per phase, plus one that finds every phase checkpointed.
	for i := 0; i <= len(run.Phases()); i++ {
		var agg run.Aggregate
		if err := workflow.ExecuteActivity(ctx, a.StepActivity, runID).Get(ctx, &agg); err != nil {
			logger.Error("Step failed", "run_id", runID, "error", err)
			return nil, WrapActivityError("failed to advance run", err)
		}
		logger.Info("Step finished",
			"run_id", runID,
			"state", agg.Status.State,
			"completed_phases", len(agg.Status.CompletedPhases))
		if agg.Terminal() {
			return &agg, nil
		}
	}
	return nil, fmt.Errorf("run %s did not reach a terminal state after %d steps", runID, len(run.Phases())+1)
}
