package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/npsd/internal/httpapi"
	"github.com/fyrsmithlabs/npsd/internal/workflows"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			srv, err := httpapi.NewServer(a.orchestrator, a.logger, &httpapi.Config{
				Host: a.cfg.Server.Host,
				Port: a.cfg.Server.Port,
			})
			if err != nil {
				return err
			}

			serverErrors := make(chan error, 1)
			go func() {
				serverErrors <- srv.Start()
			}()

			select {
			case err := <-serverErrors:
				if err != nil {
					return fmt.Errorf("http server error: %w", err)
				}
				return nil
			case <-ctx.Done():
				a.logger.Info(ctx, "shutdown signal received")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newWorkerCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a Temporal worker that executes runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, root)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			c, err := workflows.Dial(a.cfg.Temporal)
			if err != nil {
				return err
			}
			defer c.Close()

			a.logger.Info(ctx, "temporal client connected",
				zap.String("host", a.cfg.Temporal.HostPort),
				zap.String("namespace", a.cfg.Temporal.Namespace))

			w := workflows.NewWorker(c, a.cfg.Temporal.TaskQueue, a.orchestrator)

			a.logger.Info(ctx, "worker starting", zap.String("task_queue", a.cfg.Temporal.TaskQueue))
			if err := w.Start(); err != nil {
				return fmt.Errorf("worker error: %w", err)
			}

			<-ctx.Done()
			a.logger.Info(ctx, "shutdown signal received")
			w.Stop()
			return nil
		},
	}
}
