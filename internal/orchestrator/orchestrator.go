package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/npsd/internal/analyzer"
	"github.com/fyrsmithlabs/npsd/internal/checkpoint"
	"github.com/fyrsmithlabs/npsd/internal/degradation"
	"github.com/fyrsmithlabs/npsd/internal/events"
	"github.com/fyrsmithlabs/npsd/internal/logging"
	"github.com/fyrsmithlabs/npsd/internal/parallel"
	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/survey"
	"github.com/fyrsmithlabs/npsd/internal/telemetry"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

const instrumentationName = "github.com/fyrsmithlabs/npsd/internal/orchestrator"

// ErrUnknownRun is returned when no manifest exists for a run id.
var ErrUnknownRun = errors.New("unknown run")

// Recorder observes phase and run completion in addition to units.
type Recorder interface {
	unit.Recorder
	PhaseFinished(p run.Phase, status run.PhaseStatus, elapsed time.Duration)
	RunFinished(state run.State)
}

// PhaseProgress reports progress during execution.
type PhaseProgress struct {
	RunID      string          `json:"run_id"`
	Phase      run.Phase       `json:"phase"`
	Status     run.PhaseStatus `json:"status"`
	Message    string          `json:"message"`
	Percentage int             `json:"percentage"`
}

// ProgressCallback receives progress updates during execution.
type ProgressCallback func(progress PhaseProgress)

// Orchestrator sequences the phases of a run over a checkpoint manager.
type Orchestrator struct {
	cfg         Config
	checkpoints *checkpoint.Manager
	degradation *degradation.Handler
	handlers    map[run.Phase]PhaseHandler
	events      events.Publisher
	recorder    Recorder
	logger      *logging.Logger
	tracer      trace.Tracer
	now         func() time.Time
	progress    ProgressCallback

	limiter *rate.Limiter

	// locks serializes Step per run. Entries live while a Step holds or
	// waits for them.
	locksMu sync.Mutex
	locks   map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEvents publishes lifecycle events to p.
func WithEvents(p events.Publisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithRecorder reports unit, phase and run metrics to r.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithTelemetry uses t for spans instead of the global provider.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(o *Orchestrator) { o.tracer = t.Tracer(instrumentationName) }
}

// WithRateLimit throttles every unit attempt.
func WithRateLimit(l *rate.Limiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// WithClock overrides the time source used for new runs.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithHandler replaces the handler for h.Phase().
func WithHandler(h PhaseHandler) Option {
	return func(o *Orchestrator) { o.handlers[h.Phase()] = h }
}

// New creates an Orchestrator.
func New(cfg Config, a analyzer.Analyzer, checkpoints *checkpoint.Manager, opts ...Option) (*Orchestrator, error) {
	if a == nil {
		return nil, errors.New("analyzer is required")
	}
	if checkpoints == nil {
		return nil, errors.New("checkpoint manager is required")
	}
	cfg = cfg.withDefaults()

	o := &Orchestrator{
		cfg:         cfg,
		checkpoints: checkpoints,
		degradation: degradation.New(cfg.Critical),
		handlers:    map[run.Phase]PhaseHandler{},
		events:      events.Nop{},
		logger:      logging.Nop(),
		tracer:      otel.Tracer(instrumentationName),
		now:         time.Now,
		locks:       map[string]*runLock{},
	}

	for _, opt := range opts {
		opt(o)
	}

	execOpts := []unit.Option{unit.WithLogger(o.logger)}
	if o.limiter != nil {
		execOpts = append(execOpts, unit.WithLimiter(o.limiter))
	}
	if o.recorder != nil {
		execOpts = append(execOpts, unit.WithRecorder(o.recorder))
	}
	e := &env{
		cfg:         cfg,
		analyzer:    a,
		executor:    unit.NewExecutor(execOpts...),
		coordinator: parallel.New(cfg.MaxConcurrency, o.logger),
		logger:      o.logger,
	}
	for _, h := range []PhaseHandler{&foundationHandler{e}, &analysisHandler{e}, &consultingHandler{e}} {
		if _, ok := o.handlers[h.Phase()]; !ok {
			o.handlers[h.Phase()] = h
		}
	}
	return o, nil
}

// OnProgress sets the progress callback.
func (o *Orchestrator) OnProgress(callback ProgressCallback) {
	o.progress = callback
}

// Run creates a run for input and drives it to a terminal state.
func (o *Orchestrator) Run(ctx context.Context, input survey.Dataset) (*run.Aggregate, error) {
	return o.Execute(ctx, run.NewContext(input, o.now()))
}

// Execute stores the manifest for rc and drives the run to a terminal state
// within the workflow timeout.
func (o *Orchestrator) Execute(ctx context.Context, rc run.Context) (*run.Aggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.WorkflowTimeout)
	defer cancel()

	if err := o.Start(ctx, rc); err != nil {
		agg := o.aggregate(rc, nil, run.StatePartiallyFailed)
		agg.Errors = append(agg.Errors, err.Error())
		return agg, err
	}
	return o.advance(ctx, rc.ID)
}

// Start persists the run manifest and announces the run.
func (o *Orchestrator) Start(ctx context.Context, rc run.Context) error {
	ctx = logging.WithRunID(ctx, rc.ID)
	if err := o.checkpoints.SaveRun(ctx, rc); err != nil {
		o.logger.Error(ctx, "failed to save run manifest", zap.Error(err))
		o.finish(ctx, rc.ID, run.StatePartiallyFailed, err.Error())
		return err
	}
	o.logger.Info(ctx, "run started",
		zap.String("dataset", rc.Input.Name),
		zap.Int("sample_size", rc.Input.SampleSize()),
	)
	o.publish(ctx, events.New(events.RunStarted, rc.ID))
	return nil
}

// Resume continues a stored run after its latest contiguous checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*run.Aggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.WorkflowTimeout)
	defer cancel()

	ok, err := o.checkpoints.Exists(ctx, runID)
	if err != nil {
		err = fmt.Errorf("resume %s: %w", runID, err)
		return o.failed(run.Context{ID: runID}, nil, err), err
	}
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		return o.failed(run.Context{ID: runID}, nil, err), err
	}
	return o.advance(ctx, runID)
}

func (o *Orchestrator) advance(ctx context.Context, runID string) (*run.Aggregate, error) {
	for {
		agg, err := o.Step(ctx, runID)
		if err != nil || agg.Terminal() {
			return agg, err
		}
	}
}

// Step advances a stored run by exactly one phase, starting after its
// latest contiguous checkpoint. A run whose phases are all checkpointed is
// reported as Completed without executing anything. Every path returns an
// aggregate; on error it is PartiallyFailed and holds the contiguous
// checkpointed phases.
func (o *Orchestrator) Step(ctx context.Context, runID string) (agg *run.Aggregate, err error) {
	defer o.lock(runID)()

	ctx = logging.WithRunID(ctx, runID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.Step")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	rc, err := o.checkpoints.LoadRun(ctx, runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		err = fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		return o.failed(run.Context{ID: runID}, nil, err), err
	}
	if err != nil {
		return o.failed(run.Context{ID: runID}, nil, err), err
	}

	results, next, err := o.recover(ctx, runID)
	if err != nil {
		o.logger.Error(ctx, "checkpoint recovery failed", zap.Error(err))
		o.finish(ctx, runID, run.StatePartiallyFailed, err.Error())
		return o.failed(rc, results, err), err
	}
	span.SetAttributes(attribute.Int("phases.recovered", len(results)))

	if next == "" {
		if err := o.checkpoints.Cleanup(ctx, runID); err != nil {
			o.logger.Warn(ctx, "checkpoint cleanup failed", zap.Error(err))
		}
		o.finish(ctx, runID, run.StateCompleted, "")
		return o.aggregate(rc, results, run.StateCompleted), nil
	}
	span.SetAttributes(attribute.String("phase", string(next)))

	result, err := o.runPhase(ctx, rc, results, next)
	if err != nil {
		o.finish(ctx, runID, run.StatePartiallyFailed, err.Error())
		return o.failed(rc, results, err), err
	}

	results = append(results, result)
	if result.Status == run.StatusFailed {
		o.finish(ctx, runID, run.StatePartiallyFailed, fmt.Sprintf("%s phase not viable", next))
		return o.aggregate(rc, results, run.StatePartiallyFailed), nil
	}

	if next.Index() < len(run.Phases())-1 {
		return o.aggregate(rc, results, run.StateRunning), nil
	}

	if err := o.checkpoints.Cleanup(ctx, runID); err != nil {
		o.logger.Warn(ctx, "checkpoint cleanup failed", zap.Error(err))
	}
	o.finish(ctx, runID, run.StateCompleted, "")
	return o.aggregate(rc, results, run.StateCompleted), nil
}

func (o *Orchestrator) lock(runID string) (unlock func()) {
	o.locksMu.Lock()
	l, ok := o.locks[runID]
	if !ok {
		l = &runLock{}
		o.locks[runID] = l
	}
	l.refs++
	o.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(o.locks, runID)
		}
		o.locksMu.Unlock()
	}
}

// recover loads checkpoints in phase order up to the first gap and returns
// them with the next phase to run ("" when all are present). On error the
// phases loaded so far are still returned.
func (o *Orchestrator) recover(ctx context.Context, runID string) ([]*run.PhaseResult, run.Phase, error) {
	var results []*run.PhaseResult
	for _, p := range run.Phases() {
		r, err := o.checkpoints.Load(ctx, runID, p)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return results, p, nil
		}
		if err != nil {
			return results, "", err
		}
		results = append(results, r)
	}
	return results, "", nil
}

// runPhase drives one phase through its state machine. A non-viable phase
// is returned with StatusFailed and is not checkpointed. A phase cut short by
// ctx is neither checkpointed nor returned, so a resume runs it again.
func (o *Orchestrator) runPhase(ctx context.Context, rc run.Context, prior []*run.PhaseResult, p run.Phase) (*run.PhaseResult, error) {
	handler, ok := o.handlers[p]
	if !ok {
		return nil, fmt.Errorf("no handler registered for phase %s", p)
	}

	ctx = logging.WithPhase(ctx, string(p))
	ctx, span := o.tracer.Start(ctx, "phase."+string(p))
	defer span.End()
	start := time.Now()

	m := NewMachine(p)
	if err := m.Transition(StateRunning); err != nil {
		return nil, err
	}
	o.reportProgress(PhaseProgress{RunID: rc.ID, Phase: p, Status: run.StatusPending, Message: fmt.Sprintf("Starting phase: %s", p), Percentage: percentage(p, false)})

	state := &RunState{Run: rc, Results: map[run.Phase]*run.PhaseResult{}}
	for _, r := range prior {
		state.Results[r.Phase] = r
	}

	result := handler.Execute(ctx, state)
	for _, id := range result.Missing() {
		result.Record(unit.Fail(id, unit.KindInternal, "phase handler recorded no outcome", 0))
	}

	if err := interrupted(ctx, result); err != nil {
		result.Status = run.StatusFailed
		_ = m.Transition(StatePartiallyFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Warn(ctx, "phase interrupted, not checkpointed", zap.Error(err))
		o.phaseDone(ctx, rc.ID, p, result, start, events.PhaseFailed, err.Error())
		return nil, err
	}

	decision := o.degradation.Assess(result)
	result.Warnings = append(result.Warnings, decision.Warnings...)
	if err := m.Transition(StateAwaitingCheckpoint); err != nil {
		return nil, err
	}

	if !decision.MinimumViable {
		for _, id := range decision.FailedUnits {
			if !o.degradation.Critical(p, id) {
				continue
			}
			out, _ := result.Outcome(id)
			result.Errors = append(result.Errors, (&run.Error{
				Kind:    run.ErrPhaseValidation,
				Phase:   p,
				Unit:    id,
				Message: out.Failure.Message,
			}).Error())
		}
		result.Status = run.StatusFailed
		_ = m.Transition(StatePartiallyFailed)
		span.SetStatus(codes.Error, decision.Message)
		o.logger.Warn(ctx, "phase not viable", zap.String("reason", decision.Message), zap.Any("failed_units", decision.FailedUnits))
		o.phaseDone(ctx, rc.ID, p, result, start, events.PhaseFailed, decision.Message)
		return result, nil
	}

	result.Status = run.StatusCompleted
	if _, err := o.checkpoints.Save(ctx, rc.ID, p, result); err != nil {
		result.Status = run.StatusFailed
		_ = m.Transition(StatePartiallyFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error(ctx, "checkpoint save failed", zap.Error(err))
		o.phaseDone(ctx, rc.ID, p, result, start, events.PhaseFailed, err.Error())
		return nil, err
	}
	if err := m.Transition(StateCompleted); err != nil {
		return nil, err
	}

	o.logger.Info(ctx, "phase completed",
		zap.Int("units_failed", len(decision.FailedUnits)),
		zap.Duration("duration", time.Since(start)),
	)
	o.phaseDone(ctx, rc.ID, p, result, start, events.PhaseCompleted, decision.Message)
	return result, nil
}

// interrupted reports whether the run was cancelled while r was produced.
func interrupted(ctx context.Context, r *run.PhaseResult) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s phase interrupted: %w", r.Phase, err)
	}
	for _, id := range r.Phase.Units() {
		if out, ok := r.Outcome(id); ok && out.Failure != nil && out.Failure.Kind == unit.KindCancelled {
			return fmt.Errorf("%s phase interrupted: unit %s: %w", r.Phase, id, context.Canceled)
		}
	}
	return nil
}

func (o *Orchestrator) phaseDone(ctx context.Context, runID string, p run.Phase, r *run.PhaseResult, start time.Time, t events.Type, msg string) {
	if o.recorder != nil {
		o.recorder.PhaseFinished(p, r.Status, time.Since(start))
	}
	e := events.New(t, runID)
	e.Phase = string(p)
	e.Message = msg
	e.Warnings = len(r.Warnings)
	o.publish(ctx, e)
	o.reportProgress(PhaseProgress{RunID: runID, Phase: p, Status: r.Status, Message: msg, Percentage: percentage(p, true)})
}

func (o *Orchestrator) finish(ctx context.Context, runID string, state run.State, msg string) {
	if o.recorder != nil {
		o.recorder.RunFinished(state)
	}
	t := events.RunCompleted
	if state == run.StatePartiallyFailed {
		t = events.RunPartiallyFailed
	}
	e := events.New(t, runID)
	e.Message = msg
	o.publish(ctx, e)
	o.logger.Info(ctx, "run finished", zap.String("state", string(state)))
}

func (o *Orchestrator) publish(ctx context.Context, e events.Event) {
	if err := o.events.Publish(ctx, e); err != nil {
		o.logger.Warn(ctx, "failed to publish event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func (o *Orchestrator) reportProgress(p PhaseProgress) {
	if o.progress != nil {
		o.progress(p)
	}
}

func percentage(p run.Phase, done bool) int {
	i := p.Index()
	if done {
		i++
	}
	return i * 100 / len(run.Phases())
}

// aggregate assembles the response. Warnings and errors are the phase
// results' in phase order, so a resumed run reports what an uninterrupted
// one would.
func (o *Orchestrator) aggregate(rc run.Context, results []*run.PhaseResult, state run.State) *run.Aggregate {
	agg := &run.Aggregate{
		Run:      rc,
		Phases:   []run.PhaseResult{},
		Warnings: []string{},
		Errors:   []string{},
		Status:   run.Status{State: state, CompletedPhases: []run.Phase{}},
	}
	for _, r := range results {
		agg.Phases = append(agg.Phases, *r)
		agg.Warnings = append(agg.Warnings, r.Warnings...)
		agg.Errors = append(agg.Errors, r.Errors...)
		if r.Status == run.StatusCompleted {
			agg.Status.CompletedPhases = append(agg.Status.CompletedPhases, r.Phase)
		}
		if r.Phase == run.Foundation {
			if a, ok := gradeFrom(r); ok {
				agg.Confidence = &a
			}
		}
	}
	return agg
}

// failed is the PartiallyFailed aggregate returned alongside err.
func (o *Orchestrator) failed(rc run.Context, results []*run.PhaseResult, err error) *run.Aggregate {
	agg := o.aggregate(rc, results, run.StatePartiallyFailed)
	agg.Errors = append(agg.Errors, err.Error())
	return agg
}

// Status reports which phases of a run are checkpointed. It never
// modifies stored state.
func (o *Orchestrator) Status(ctx context.Context, runID string) (run.StatusReport, error) {
	report := run.StatusReport{RunID: runID, Checkpointed: []run.Phase{}}

	known, err := o.checkpoints.Exists(ctx, runID)
	if err != nil {
		return report, err
	}
	report.Known = known

	phases, err := o.checkpoints.List(ctx, runID)
	if err != nil {
		return report, err
	}
	report.Checkpointed = append(report.Checkpointed, phases...)

	if known {
		have := map[run.Phase]bool{}
		for _, p := range phases {
			have[p] = true
		}
		for _, p := range run.Phases() {
			if !have[p] {
				report.Next = p
				break
			}
		}
	}
	return report, nil
}
