package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/npsd/internal/logging"
	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/survey"
	"github.com/fyrsmithlabs/npsd/internal/workflows"
)

type runOptions struct {
	input    string
	output   string
	temporal bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Analyze a survey file",
		Long: `Run all three phases over a survey file (.json, .yaml or .csv) and
print the aggregate. A run that stops early can be continued with resume.

Examples:
  # Analyze and print the aggregate
  npsd run --input responses.csv

  # Write the aggregate to a file
  npsd run --input responses.json --output result.json

  # Hand the run to a Temporal worker
  npsd run --input responses.json --temporal`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSurvey(cmd, root, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "survey file to analyze")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "-", "where to write the aggregate ('-' for stdout)")
	cmd.Flags().BoolVar(&opts.temporal, "temporal", false, "execute through the Temporal worker instead of in-process")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func runSurvey(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	ds, err := survey.LoadFile(opts.input)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	rc := run.NewContext(ds, time.Now())
	ctx = logging.WithRunID(ctx, rc.ID)
	a.logger.Info(ctx, "run starting",
		zap.String("dataset", ds.Name),
		zap.Int("responses", ds.SampleSize()))

	var agg *run.Aggregate
	if opts.temporal {
		agg, err = executeOnTemporal(ctx, a, workflows.RunInput{
			Run:         rc,
			StepTimeout: a.cfg.Orchestrator.WorkflowTimeout.Duration(),
		})
	} else {
		agg, err = a.orchestrator.Execute(ctx, rc)
	}
	if agg != nil {
		if werr := writeJSON(cmd.OutOrStdout(), opts.output, agg); werr != nil {
			err = errors.Join(err, werr)
		}
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", rc.ID, err)
	}
	return nil
}

func executeOnTemporal(ctx context.Context, a *app, input workflows.RunInput) (*run.Aggregate, error) {
	c, err := workflows.Dial(a.cfg.Temporal)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	we, err := workflows.StartRun(ctx, c, a.cfg.Temporal.TaskQueue, input)
	if err != nil {
		return nil, err
	}
	a.logger.Info(ctx, "workflow started",
		zap.String("workflow_id", we.GetID()),
		zap.String("workflow_run_id", we.GetRunID()))
	return workflows.Await(ctx, we)
}

func newResumeCmd(root *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a run from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			ctx = logging.WithRunID(ctx, args[0])
			agg, err := a.orchestrator.Resume(ctx, args[0])
			if agg != nil {
				if werr := writeJSON(cmd.OutOrStdout(), output, agg); werr != nil {
					err = errors.Join(err, werr)
				}
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "where to write the aggregate ('-' for stdout)")
	return cmd
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show which phases of a run are checkpointed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			report, err := a.orchestrator.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), "-", report); err != nil {
				return err
			}
			if !report.Known {
				return fmt.Errorf("run %s not found", args[0])
			}
			return nil
		},
	}
}

// writeJSON writes v as indented JSON to path, or to stdout for "-".
func writeJSON(stdout io.Writer, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	data = append(data, '\n')
	if path == "" || path == "-" {
		_, err = stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
