package main

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/npsd/internal/analyzer"
	"github.com/fyrsmithlabs/npsd/internal/checkpoint"
	"github.com/fyrsmithlabs/npsd/internal/config"
	"github.com/fyrsmithlabs/npsd/internal/events"
	"github.com/fyrsmithlabs/npsd/internal/logging"
	"github.com/fyrsmithlabs/npsd/internal/metrics"
	"github.com/fyrsmithlabs/npsd/internal/orchestrator"
	"github.com/fyrsmithlabs/npsd/internal/telemetry"
)

// app holds the wired dependencies of one command invocation.
type app struct {
	cfg          *config.Config
	logger       *logging.Logger
	telemetry    *telemetry.Telemetry
	checkpoints  *checkpoint.Manager
	events       events.Publisher
	orchestrator *orchestrator.Orchestrator
}

// newApp loads configuration and wires storage, events, metrics and the
// orchestrator. Close releases everything it opened.
func newApp(ctx context.Context, opts *rootOptions) (_ *app, err error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	a := &app{cfg: cfg, events: events.Nop{}}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.telemetry, err = telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	a.logger, err = logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	for _, problem := range a.telemetry.Degraded() {
		a.logger.Warn(ctx, "telemetry degraded", zap.String("problem", problem))
	}

	m := metrics.NewMetrics()

	storage, err := checkpoint.Open(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint storage: %w", err)
	}
	a.checkpoints, err = checkpoint.NewManager(storage,
		checkpoint.WithLogger(a.logger),
		checkpoint.WithCompression(cfg.Checkpoint.Compress),
		checkpoint.WithSaveTimeout(cfg.Checkpoint.SaveTimeout.Duration()),
		checkpoint.WithTelemetry(a.telemetry),
		checkpoint.WithObserver(m),
	)
	if err != nil {
		return nil, err
	}

	if cfg.Events.Enabled {
		pub, err := events.Connect(cfg.Events.URL, cfg.Events.SubjectPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to connect event publisher: %w", err)
		}
		a.events = pub
	}

	an, err := newAnalyzer(ctx, cfg, a.logger)
	if err != nil {
		return nil, err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(a.logger),
		orchestrator.WithEvents(a.events),
		orchestrator.WithRecorder(m),
		orchestrator.WithTelemetry(a.telemetry),
	}
	if cfg.RateLimit.RPS > 0 {
		orchOpts = append(orchOpts, orchestrator.WithRateLimit(
			rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)))
	}
	a.orchestrator, err = orchestrator.New(orchestrator.FromAppConfig(cfg), an, a.checkpoints, orchOpts...)
	if err != nil {
		return nil, err
	}

	a.logger.Info(ctx, "npsd initialized",
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.Bool("events", cfg.Events.Enabled),
		zap.Bool("llm", cfg.LLM.APIKey.IsSet()),
	)
	return a, nil
}

// newAnalyzer routes the deterministic units to Builtin and the rest to the
// LLM, or to the offline Heuristic when no API key is configured.
func newAnalyzer(ctx context.Context, cfg *config.Config, logger *logging.Logger) (analyzer.Analyzer, error) {
	var fallback analyzer.Analyzer = analyzer.Heuristic{}
	if cfg.LLM.APIKey.IsSet() {
		llm, err := analyzer.NewLLM(analyzer.LLMConfig{
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			APIKey:      cfg.LLM.APIKey.Value(),
			Temperature: cfg.LLM.Temperature,
			CallTimeout: cfg.LLM.CallTimeout.Duration(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create llm analyzer: %w", err)
		}
		fallback = llm
		if cfg.LLM.CacheSize > 0 {
			fallback = analyzer.NewCache(llm, cfg.LLM.CacheSize, cfg.LLM.CacheTTL.Duration(), logger)
		}
	} else {
		logger.Info(ctx, "no llm api key configured, using heuristic analysis")
	}
	builtin := analyzer.Builtin{}
	return analyzer.NewRouter(fallback).Route(builtin, builtin.Units()...), nil
}

// Close releases the app's resources.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.checkpoints != nil {
		errs = append(errs, a.checkpoints.Close())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Sync())
	}
	return errors.Join(errs...)
}
