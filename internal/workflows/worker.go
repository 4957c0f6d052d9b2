package workflows

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/fyrsmithlabs/npsd/internal/config"
	"github.com/fyrsmithlabs/npsd/internal/run"
)

// Dial connects to the Temporal frontend.
func Dial(cfg config.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create Temporal client: %w", err)
	}
	return c, nil
}

// Register adds the run workflows and activities to w.
func Register(w worker.Registry, stepper Stepper) {
	w.RegisterWorkflow(RunWorkflow)
	w.RegisterWorkflow(ResumeWorkflow)
	w.RegisterActivity(&Activities{Orchestrator: stepper})
}

// NewWorker creates a worker on taskQueue with the run workflows registered.
func NewWorker(c client.Client, taskQueue string, stepper Stepper) worker.Worker {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w, stepper)
	return w
}

// StartRun starts RunWorkflow keyed by the run id, so a run is never
// executed twice concurrently.
func StartRun(ctx context.Context, c client.Client, taskQueue string, input RunInput) (client.WorkflowRun, error) {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	options := client.StartWorkflowOptions{
		ID:        workflowID(input.Run.ID),
		TaskQueue: taskQueue,
	}
	we, err := c.ExecuteWorkflow(ctx, options, RunWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}
	return we, nil
}

// StartResume starts ResumeWorkflow for a stored run.
func StartResume(ctx context.Context, c client.Client, taskQueue string, input ResumeInput) (client.WorkflowRun, error) {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	options := client.StartWorkflowOptions{
		ID:        workflowID(input.RunID),
		TaskQueue: taskQueue,
	}
	we, err := c.ExecuteWorkflow(ctx, options, ResumeWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow: %w", err)
	}
	return we, nil
}

// Await blocks until the workflow returns its aggregate.
func Await(ctx context.Context, we client.WorkflowRun) (*run.Aggregate, error) {
	var agg run.Aggregate
	if err := we.Get(ctx, &agg); err != nil {
		return nil, err
	}
	return &agg, nil
}

func workflowID(runID string) string {
	return "npsd-run-" + runID
}
