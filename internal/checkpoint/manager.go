package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/npsd/internal/logging"
	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/npsd/internal/checkpoint"

// DefaultSaveTimeout bounds a single Save.
const DefaultSaveTimeout = 10 * time.Second

// Observer is notified of every storage operation.
type Observer interface {
	CheckpointOp(op string, err error)
}

// Manager saves, loads and removes phase checkpoints.
type Manager struct {
	storage     Storage
	logger      *logging.Logger
	observer    Observer
	compress    bool
	saveTimeout time.Duration
	now         func() time.Time

	tracer     trace.Tracer
	meter      metric.Meter
	opsCounter metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithCompression gzips stored payloads.
func WithCompression(enabled bool) Option {
	return func(m *Manager) { m.compress = enabled }
}

// WithSaveTimeout overrides DefaultSaveTimeout.
func WithSaveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.saveTimeout = d
		}
	}
}

// WithTelemetry uses t for spans and counters instead of the global providers.
func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) {
		m.tracer = t.Tracer(instrumentationName)
		m.meter = t.Meter(instrumentationName)
	}
}

// WithObserver reports every operation to o.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock overrides the time source for WrittenAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager over storage.
func NewManager(storage Storage, opts ...Option) (*Manager, error) {
	if storage == nil {
		return nil, errors.New("checkpoint storage is required")
	}
	m := &Manager{
		storage:     storage,
		logger:      logging.Nop(),
		saveTimeout: DefaultSaveTimeout,
		now:         time.Now,
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initMetrics()
	return m, nil
}

func (m *Manager) initMetrics() {
	var err error
	m.opsCounter, err = m.meter.Int64Counter(
		"npsd.checkpoint.operations_total",
		metric.WithDescription("Total number of checkpoint operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		m.logger.Warn(context.Background(), "failed to create checkpoint counter", zap.Error(err))
	}
}

func (m *Manager) record(ctx context.Context, span trace.Span, op string, err error) {
	status := "ok"
	if err != nil && !errors.Is(err, ErrNotFound) {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if m.opsCounter != nil {
		m.opsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", status),
		))
	}
	if m.observer != nil {
		m.observer.CheckpointOp(op, err)
	}
}

// Save durably writes the result of a completed phase. Saving the same
// phase twice overwrites the earlier entry. Any failure wraps
// run.ErrCheckpointWrite.
func (m *Manager) Save(ctx context.Context, runID string, phase run.Phase, result *run.PhaseResult) (cp *Checkpoint, err error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.Save")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("phase", string(phase)),
		attribute.Bool("compressed", m.compress),
	)
	defer func() { m.record(ctx, span, "save", err) }()

	if result == nil || result.Phase != phase {
		return nil, fmt.Errorf("%w: result does not belong to phase %s", run.ErrCheckpointWrite, phase)
	}

	cp = &Checkpoint{
		RunID:          runID,
		Phase:          phase,
		Result:         result,
		UnitsCompleted: result.Succeeded(),
		WrittenAt:      m.now().UTC(),
	}
	data, err := encode(cp, m.compress)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s: %w", run.ErrCheckpointWrite, phase, err)
	}

	sctx, cancel := context.WithTimeout(ctx, m.saveTimeout)
	defer cancel()
	if err := m.storage.Put(sctx, runID, string(phase), data); err != nil {
		return nil, fmt.Errorf("%w: %w", run.ErrCheckpointWrite, err)
	}

	span.SetAttributes(attribute.Int("bytes", len(data)))
	m.logger.Info(ctx, "checkpoint saved",
		zap.Int("units_completed", len(cp.UnitsCompleted)),
		zap.Int("bytes", len(data)),
	)
	return cp, nil
}

// LoadCheckpoint reads the checkpoint for phase and verifies it belongs to
// that phase and holds an outcome for every declared unit.
func (m *Manager) LoadCheckpoint(ctx context.Context, runID string, phase run.Phase) (cp *Checkpoint, err error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.Load")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("phase", string(phase)),
	)
	defer func() { m.record(ctx, span, "load", err) }()

	data, err := m.storage.Get(ctx, runID, string(phase))
	if err != nil {
		return nil, err
	}

	cp = &Checkpoint{}
	if err := decode(data, cp); err != nil {
		return nil, fmt.Errorf("%w: decode %s checkpoint: %w", run.ErrRecoveryMismatch, phase, err)
	}
	if err := verify(phase, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// Load returns the stored result for phase. A missing entry is ErrNotFound.
func (m *Manager) Load(ctx context.Context, runID string, phase run.Phase) (*run.PhaseResult, error) {
	cp, err := m.LoadCheckpoint(ctx, runID, phase)
	if err != nil {
		return nil, err
	}
	return cp.Result, nil
}

func verify(phase run.Phase, cp *Checkpoint) error {
	mismatch := func(format string, args ...any) error {
		return &run.Error{Kind: run.ErrRecoveryMismatch, Phase: phase, Message: fmt.Sprintf(format, args...)}
	}
	if cp.Result == nil {
		return mismatch("checkpoint has no result")
	}
	if cp.Phase != phase || cp.Result.Phase != phase {
		return mismatch("checkpoint is for phase %q", cp.Result.Phase)
	}
	for id, out := range cp.Result.Outcomes {
		if out.Unit != id {
			return mismatch("outcome keyed %s reports unit %s", id, out.Unit)
		}
	}
	if missing := cp.Result.Missing(); len(missing) > 0 {
		return mismatch("missing outcomes for %v", missing)
	}
	return nil
}

// List returns the checkpointed phases of a run in execution order.
func (m *Manager) List(ctx context.Context, runID string) (phases []run.Phase, err error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.List")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))
	defer func() { m.record(ctx, span, "list", err) }()

	keys, err := m.storage.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if p := run.Phase(k); p.Valid() {
			phases = append(phases, p)
		}
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i].Index() < phases[j].Index() })
	return phases, nil
}

// Exists reports whether the run manifest is stored.
func (m *Manager) Exists(ctx context.Context, runID string) (bool, error) {
	keys, err := m.storage.List(ctx, runID)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k == RunKey {
			return true, nil
		}
	}
	return false, nil
}

// Cleanup deletes every entry for the run, including its manifest.
func (m *Manager) Cleanup(ctx context.Context, runID string) (err error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.Cleanup")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))
	defer func() { m.record(ctx, span, "cleanup", err) }()

	if err := m.storage.Delete(ctx, runID); err != nil {
		return fmt.Errorf("cleanup %s: %w", runID, err)
	}
	m.logger.Debug(ctx, "checkpoints removed")
	return nil
}

// SaveRun stores the run manifest.
func (m *Manager) SaveRun(ctx context.Context, rc run.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.SaveRun")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", rc.ID))
	defer func() { m.record(ctx, span, "save_run", err) }()

	data, err := encode(rc, m.compress)
	if err != nil {
		return fmt.Errorf("%w: encode run manifest: %w", run.ErrCheckpointWrite, err)
	}
	sctx, cancel := context.WithTimeout(ctx, m.saveTimeout)
	defer cancel()
	if err := m.storage.Put(sctx, rc.ID, RunKey, data); err != nil {
		return fmt.Errorf("%w: %w", run.ErrCheckpointWrite, err)
	}
	return nil
}

// LoadRun reads the run manifest.
func (m *Manager) LoadRun(ctx context.Context, runID string) (rc run.Context, err error) {
	ctx, span := m.tracer.Start(ctx, "checkpoint.LoadRun")
	defer span.End()
	span.SetAttributes(attribute.String("run.id", runID))
	defer func() { m.record(ctx, span, "load_run", err) }()

	data, err := m.storage.Get(ctx, runID, RunKey)
	if err != nil {
		return run.Context{}, err
	}
	if err := decode(data, &rc); err != nil {
		return run.Context{}, fmt.Errorf("%w: decode run manifest: %w", run.ErrRecoveryMismatch, err)
	}
	if rc.ID != runID {
		return run.Context{}, &run.Error{Kind: run.ErrRecoveryMismatch, Message: fmt.Sprintf("manifest is for run %q", rc.ID)}
	}
	return rc, nil
}

// Close releases the underlying storage.
func (m *Manager) Close() error {
	return m.storage.Close()
}
