package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/npsd/internal/analyzer"
	"github.com/fyrsmithlabs/npsd/internal/checkpoint"
	"github.com/fyrsmithlabs/npsd/internal/confidence"
	"github.com/fyrsmithlabs/npsd/internal/events"
	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/survey"
	"github.com/fyrsmithlabs/npsd/internal/telemetry"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// scriptedAnalyzer serves units from the offline analyzers, counts calls and
// fails the units listed in failures.
type scriptedAnalyzer struct {
	mu       sync.Mutex
	calls    map[unit.ID]int
	failures map[unit.ID]error
	next     analyzer.Analyzer
}

func newScriptedAnalyzer() *scriptedAnalyzer {
	return &scriptedAnalyzer{
		calls:    map[unit.ID]int{},
		failures: map[unit.ID]error{},
		next:     analyzer.NewRouter(analyzer.Heuristic{}).Route(analyzer.Builtin{}, analyzer.Builtin{}.Units()...),
	}
}

func (s *scriptedAnalyzer) fail(id unit.ID, err error) *scriptedAnalyzer {
	s.failures[id] = err
	return s
}

func (s *scriptedAnalyzer) Analyze(ctx context.Context, id unit.ID, input any) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls[id]++
	err := s.failures[id]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.next.Analyze(ctx, id, input)
}

func (s *scriptedAnalyzer) callCount(ids ...unit.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		n += s.calls[id]
	}
	return n
}

// countingStorage counts deletes and can fail puts for one key.
type countingStorage struct {
	*checkpoint.MemoryStorage
	deletes atomic.Int32
	failPut string
}

func (c *countingStorage) Put(ctx context.Context, runID, key string, data []byte) error {
	if key == c.failPut {
		return errors.New("disk full")
	}
	return c.MemoryStorage.Put(ctx, runID, key, data)
}

func (c *countingStorage) Delete(ctx context.Context, runID string) error {
	c.deletes.Add(1)
	return c.MemoryStorage.Delete(ctx, runID)
}

type recordingPublisher struct {
	mu    sync.Mutex
	types []events.Type
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, e.Type)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func testConfig() Config {
	c := DefaultConfig()
	c.Policy = unit.Policy{
		MaxRetries:     1,
		InitialDelay:   time.Millisecond,
		Multiplier:     2,
		MaxDelay:       5 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
	return c
}

// dataset builds n responses; the first invalid of them have no id.
func dataset(n, invalid int) survey.Dataset {
	comments := []string{
		"Fast delivery and friendly support",
		"Checkout kept failing, support never answered",
		"Pricing is fair but delivery was slow",
		"Friendly staff, easy returns",
		"",
	}
	products := []string{"mobile", "web", "retail"}
	regions := []string{"emea", "amer", "apac"}
	channels := []string{"email", "in_app"}

	ds := survey.Dataset{Name: "q1"}
	for i := 0; i < n; i++ {
		r := survey.Response{
			ID:          fmt.Sprintf("r%03d", i),
			Score:       (i * 7) % 11,
			Comment:     comments[i%len(comments)],
			ProductLine: products[i%len(products)],
			Region:      regions[i%len(regions)],
			Channel:     channels[i%len(channels)],
		}
		if i < invalid {
			r.ID = ""
		}
		ds.Responses = append(ds.Responses, r)
	}
	return ds
}

type fixture struct {
	orch     *Orchestrator
	manager  *checkpoint.Manager
	storage  *countingStorage
	analyzer *scriptedAnalyzer
	events   *recordingPublisher
}

func newFixture(t *testing.T, a *scriptedAnalyzer, opts ...Option) *fixture {
	t.Helper()
	storage := &countingStorage{MemoryStorage: checkpoint.NewMemoryStorage()}
	return newFixtureWithStorage(t, a, storage, opts...)
}

func newFixtureWithStorage(t *testing.T, a *scriptedAnalyzer, storage *countingStorage, opts ...Option) *fixture {
	t.Helper()
	mgr, err := checkpoint.NewManager(storage)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	opts = append([]Option{WithEvents(pub)}, opts...)
	o, err := New(testConfig(), a, mgr, opts...)
	require.NoError(t, err)
	return &fixture{orch: o, manager: mgr, storage: storage, analyzer: a, events: pub}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	mgr, err := checkpoint.NewManager(checkpoint.NewMemoryStorage())
	require.NoError(t, err)

	_, err = New(DefaultConfig(), nil, mgr)
	assert.Error(t, err)
	_, err = New(DefaultConfig(), newScriptedAnalyzer(), nil)
	assert.Error(t, err)
}

func TestExecute_CompletesAllPhases(t *testing.T) {
	f := newFixture(t, newScriptedAnalyzer())
	rc := run.NewContext(dataset(200, 0), testEpoch)

	agg, err := f.orch.Execute(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, run.StateCompleted, agg.Status.State)
	assert.Equal(t, run.Phases(), agg.Status.CompletedPhases)
	require.Len(t, agg.Phases, 3)
	require.NotNil(t, agg.Confidence)
	assert.Equal(t, confidence.High, agg.Confidence.Grade)
	assert.Empty(t, agg.Errors)

	for _, p := range agg.Phases {
		assert.Equal(t, run.StatusCompleted, p.Status, p.Phase)
		assert.Empty(t, p.Missing(), p.Phase)
	}

	consulting, ok := agg.Phase(run.Consulting)
	require.True(t, ok)
	summary, _ := consulting.Outcome(unit.ExecutiveSummary)
	var recs analyzer.Recommendations
	require.NoError(t, summary.Decode(&recs))
	assert.NotEmpty(t, recs.Recommendations)
	assert.False(t, recs.Restricted)

	assert.Equal(t, int32(1), f.storage.deletes.Load())
	assert.Equal(t, []events.Type{
		events.RunStarted, events.PhaseCompleted, events.PhaseCompleted, events.PhaseCompleted, events.RunCompleted,
	}, f.events.types)
}

func TestRun_AssignsRunID(t *testing.T) {
	f := newFixture(t, newScriptedAnalyzer(), WithClock(func() time.Time { return testEpoch }))

	agg, err := f.orch.Run(context.Background(), dataset(120, 0))
	require.NoError(t, err)
	assert.NotEmpty(t, agg.Run.ID)
	assert.Equal(t, testEpoch, agg.Run.CreatedAt)
	assert.Equal(t, run.StateCompleted, agg.Status.State)
}

func TestStep_AdvancesOnePhase(t *testing.T) {
	f := newFixture(t, newScriptedAnalyzer())
	ctx := context.Background()
	rc := run.NewContext(dataset(120, 0), testEpoch)
	require.NoError(t, f.orch.Start(ctx, rc))

	agg, err := f.orch.Step(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StateRunning, agg.Status.State)
	assert.Equal(t, []run.Phase{run.Foundation}, agg.Status.CompletedPhases)
	assert.Equal(t, 0, f.analyzer.callCount(unit.PromoterSegment, unit.StrategyAdvisor))

	report, err := f.orch.Status(ctx, rc.ID)
	require.NoError(t, err)
	assert.True(t, report.Known)
	assert.Equal(t, []run.Phase{run.Foundation}, report.Checkpointed)
	assert.Equal(t, run.Analysis, report.Next)
}

func TestStep_UnknownRun(t *testing.T) {
	f := newFixture(t, newScriptedAnalyzer())

	agg, err := f.orch.Step(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownRun)
	require.NotNil(t, agg)
	assert.Equal(t, "missing", agg.Run.ID)
	assert.Equal(t, run.StatePartiallyFailed, agg.Status.State)
	assert.Empty(t, agg.Phases)

	agg, err = f.orch.Resume(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownRun)
	require.NotNil(t, agg)
	assert.Equal(t, []string{err.Error()}, agg.Errors)
}

func TestResume_MatchesUninterruptedRun(t *testing.T) {
	ctx := context.Background()
	rc := run.NewContext(dataset(150, 10), testEpoch)

	straight := newFixture(t, newScriptedAnalyzer())
	want, err := straight.orch.Execute(ctx, rc)
	require.NoError(t, err)

	// Crash after the foundation checkpoint, then resume on a fresh instance.
	storage := &countingStorage{MemoryStorage: checkpoint.NewMemoryStorage()}
	first := newFixtureWithStorage(t, newScriptedAnalyzer(), storage)
	require.NoError(t, first.orch.Start(ctx, rc))
	_, err = first.orch.Step(ctx, rc.ID)
	require.NoError(t, err)

	second := newFixtureWithStorage(t, newScriptedAnalyzer(), storage)
	got, err := second.orch.Resume(ctx, rc.ID)
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("resumed aggregate differs (-want +got):\n%s", diff)
	}
	assert.Equal(t, 0, second.analyzer.callCount(unit.Ingest, unit.NPSMetrics, unit.ThemeClusters))
}

func TestExecute_CriticalFailureKeepsEarlierPhases(t *testing.T) {
	a := newScriptedAnalyzer()
	for _, id := range run.Analysis.Units() {
		a.fail(id, unit.InvalidInput("rejected"))
	}
	f := newFixture(t, a)
	ctx := context.Background()
	rc := run.NewContext(dataset(120, 0), testEpoch)

	agg, err := f.orch.Execute(ctx, rc)
	require.NoError(t, err)

	assert.Equal(t, run.StatePartiallyFailed, agg.Status.State)
	assert.Equal(t, []run.Phase{run.Foundation}, agg.Status.CompletedPhases)
	require.Len(t, agg.Phases, 2)
	assert.Equal(t, run.StatusFailed, agg.Phases[1].Status)
	assert.Contains(t, agg.Errors, fmt.Sprintf("%v: analysis/B9: %s", run.ErrPhaseValidation, ErrNoAnalysisInput))
	assert.Contains(t, agg.Warnings, "unit B1 failed after 0 retries (invalid_input): rejected")
	assert.Equal(t, 0, a.callCount(advisors...), "consulting must not start")
	assert.Equal(t, int32(0), f.storage.deletes.Load())

	report, err := f.orch.Status(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, []run.Phase{run.Foundation}, report.Checkpointed)
	assert.Equal(t, run.Analysis, report.Next)

	// The run stays resumable once the cause is gone.
	a.failures = map[unit.ID]error{}
	agg, err = f.orch.Resume(ctx, rc.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StateCompleted, agg.Status.State)
	assert.Equal(t, int32(1), f.storage.deletes.Load())
}

func TestExecute_FoundationUpstreamFailure(t *testing.T) {
	a := newScriptedAnalyzer().fail(unit.Ingest, unit.InvalidInput("malformed export"))
	f := newFixture(t, a)

	agg, err := f.orch.Execute(context.Background(), run.NewContext(dataset(50, 0), testEpoch))
	require.NoError(t, err)

	assert.Equal(t, run.StatePartiallyFailed, agg.Status.State)
	assert.Empty(t, agg.Status.CompletedPhases)
	assert.Equal(t, 0, a.callCount(unit.NPSMetrics, unit.ThemeClusters))
	assert.Contains(t, agg.Errors, fmt.Sprintf("%v: foundation/A1: upstream unit A0 failed", run.ErrPhaseValidation))

	foundation, ok := agg.Phase(run.Foundation)
	require.True(t, ok)
	out, _ := foundation.Outcome(unit.Confidence)
	assert.Equal(t, unit.KindInvalidInput, out.Failure.Kind)
	assert.Nil(t, agg.Confidence)
	assert.Equal(t, int32(0), f.storage.deletes.Load())
	assert.Equal(t, events.RunPartiallyFailed, f.events.types[len(f.events.types)-1])
}

func TestExecute_NonCriticalFailureDegrades(t *testing.T) {
	a := newScriptedAnalyzer().fail(unit.TextClustering, errors.New("connection reset"))
	f := newFixture(t, a)

	agg, err := f.orch.Execute(context.Background(), run.NewContext(dataset(120, 0), testEpoch))
	require.NoError(t, err)

	assert.Equal(t, run.StateCompleted, agg.Status.State)
	assert.Contains(t, agg.Warnings, "unit B4 failed after 1 retries (remote_unavailable): connection reset")
	assert.Equal(t, 2, a.callCount(unit.TextClustering))
}

func TestExecute_RestrictedWhenConfidenceLow(t *testing.T) {
	a := newScriptedAnalyzer()
	f := newFixture(t, a)

	// 20 records at a 0.50 effective rate.
	agg, err := f.orch.Execute(context.Background(), run.NewContext(dataset(20, 10), testEpoch))
	require.NoError(t, err)

	require.NotNil(t, agg.Confidence)
	assert.Equal(t, confidence.Low, agg.Confidence.Grade)
	assert.Equal(t, 0, a.callCount(run.Consulting.Units()...))
	assert.Equal(t, run.StateCompleted, agg.Status.State)

	consulting, ok := agg.Phase(run.Consulting)
	require.True(t, ok)
	for _, id := range run.Consulting.Units() {
		out, ok := consulting.Outcome(id)
		require.True(t, ok, id)
		var recs analyzer.Recommendations
		require.NoError(t, out.Decode(&recs))
		assert.True(t, recs.Restricted, id)
		require.Len(t, recs.Recommendations, 1)
		assert.Equal(t, RestrictedRecommendation, recs.Recommendations[0].Title)
	}
}

func TestExecute_GradesExactBandEdge(t *testing.T) {
	a := newScriptedAnalyzer()
	f := newFixture(t, a)

	// 30 valid of 44 records sits exactly on the low/medium edge.
	agg, err := f.orch.Execute(context.Background(), run.NewContext(dataset(44, 14), testEpoch))
	require.NoError(t, err)

	require.NotNil(t, agg.Confidence)
	assert.Equal(t, confidence.Medium, agg.Confidence.Grade)
	assert.Equal(t, 30.0, agg.Confidence.EffectiveSamples)
	assert.Positive(t, a.callCount(run.Consulting.Units()...), "consulting must run in full mode")
}

func TestExecute_CheckpointWriteFailure(t *testing.T) {
	storage := &countingStorage{MemoryStorage: checkpoint.NewMemoryStorage(), failPut: string(run.Analysis)}
	f := newFixtureWithStorage(t, newScriptedAnalyzer(), storage)
	ctx := context.Background()
	rc := run.NewContext(dataset(120, 0), testEpoch)

	agg, err := f.orch.Execute(ctx, rc)
	require.ErrorIs(t, err, run.ErrCheckpointWrite)
	require.NotNil(t, agg)

	assert.Equal(t, run.StatePartiallyFailed, agg.Status.State)
	assert.Equal(t, []run.Phase{run.Foundation}, agg.Status.CompletedPhases)
	assert.Len(t, agg.Phases, 1)
	assert.NotEmpty(t, agg.Errors)
	assert.Equal(t, int32(0), storage.deletes.Load())
}

func TestStep_RecoveryMismatch(t *testing.T) {
	f := newFixture(t, newScriptedAnalyzer())
	ctx := context.Background()
	rc := run.NewContext(dataset(120, 0), testEpoch)
	require.NoError(t, f.orch.Start(ctx, rc))

	_, err := f.orch.Step(ctx, rc.ID)
	require.NoError(t, err)

	// A foundation result stored under the analysis key.
	foundation, err := f.manager.Load(ctx, rc.ID, run.Foundation)
	require.NoError(t, err)
	data, err := json.Marshal(checkpoint.Checkpoint{RunID: rc.ID, Phase: run.Analysis, Result: foundation})
	require.NoError(t, err)
	require.NoError(t, f.storage.Put(ctx, rc.ID, string(run.Analysis), data))

	agg, err := f.orch.Step(ctx, rc.ID)
	assert.ErrorIs(t, err, run.ErrRecoveryMismatch)
	require.NotNil(t, agg)
	assert.Equal(t, rc, agg.Run)
	assert.Equal(t, run.StatePartiallyFailed, agg.Status.State)
	assert.Equal(t, []run.Phase{run.Foundation}, agg.Status.CompletedPhases)
	require.Len(t, agg.Phases, 1)
	require.NotNil(t, agg.Confidence)
	assert.Contains(t, agg.Errors, err.Error())
	assert.Equal(t, 0, f.analyzer.callCount(run.Consulting.Units()...))
	assert.Equal(t, int32(0), f.storage.deletes.Load())
}

func TestStep_AllCheckpointedCompletesWithoutWork(t *testing.T) {
	f := newFixture(t, newScriptedAnalyzer())
	ctx := context.Background()
	rc := run.NewContext(dataset(120, 0), testEpoch)
	require.NoError(t, f.orch.Start(ctx, rc))
	for i := 0; i < 3; i++ {
		_, err := f.orch.Step(ctx, rc.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.storage.deletes.Load())

	// Completion removes the manifest.
	report, err := f.orch.Status(ctx, rc.ID)
	require.NoError(t, err)
	assert.False(t, report.Known)
	assert.Empty(t, report.Checkpointed)
}

func TestStatus_UnknownRun(t *testing.T) {
	f := newFixture(t, newScriptedAnalyzer())

	report, err := f.orch.Status(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, report.Known)
	assert.Empty(t, report.Checkpointed)
	assert.Equal(t, run.Phase(""), report.Next)
}

func TestExecute_WorkflowTimeout(t *testing.T) {
	mgr, err := checkpoint.NewManager(checkpoint.NewMemoryStorage())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.WorkflowTimeout = 20 * time.Millisecond
	slow := analyzer.Func(func(ctx context.Context, id unit.ID, input any) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	o, err := New(cfg, slow, mgr)
	require.NoError(t, err)

	rc := run.NewContext(dataset(120, 0), testEpoch)
	agg, err := o.Execute(context.Background(), rc)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, run.StatePartiallyFailed, agg.Status.State)
	assert.Empty(t, agg.Status.CompletedPhases)

	report, err := o.Status(context.Background(), rc.ID)
	require.NoError(t, err)
	assert.True(t, report.Known)
	assert.Empty(t, report.Checkpointed)
}

func TestExecute_InterruptedPhaseIsRerunOnResume(t *testing.T) {
	ctx := context.Background()
	rc := run.NewContext(dataset(150, 10), testEpoch)

	straight := newFixture(t, newScriptedAnalyzer())
	want, err := straight.orch.Execute(ctx, rc)
	require.NoError(t, err)

	storage := checkpoint.NewMemoryStorage()
	mgr, err := checkpoint.NewManager(storage)
	require.NoError(t, err)

	// A3 outlives the workflow timeout after A0 to A2 have succeeded.
	cfg := testConfig()
	cfg.WorkflowTimeout = 50 * time.Millisecond
	healthy := newScriptedAnalyzer()
	stalled := analyzer.Func(func(ctx context.Context, id unit.ID, input any) (json.RawMessage, error) {
		if id == unit.ThemeClusters {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return healthy.Analyze(ctx, id, input)
	})
	first, err := New(cfg, stalled, mgr)
	require.NoError(t, err)

	agg, err := first.Execute(ctx, rc)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, run.StatePartiallyFailed, agg.Status.State)
	assert.Empty(t, agg.Status.CompletedPhases)
	assert.Contains(t, agg.Errors, err.Error())

	report, err := first.Status(ctx, rc.ID)
	require.NoError(t, err)
	assert.True(t, report.Known)
	assert.Empty(t, report.Checkpointed, "an interrupted phase must not be checkpointed")

	second, err := New(testConfig(), newScriptedAnalyzer(), mgr)
	require.NoError(t, err)
	got, err := second.Resume(ctx, rc.ID)
	require.NoError(t, err)

	foundation, ok := got.Phase(run.Foundation)
	require.True(t, ok)
	themes, _ := foundation.Outcome(unit.ThemeClusters)
	assert.True(t, themes.Succeeded())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("resumed aggregate differs (-want +got):\n%s", diff)
	}
}

func TestStep_ReleasesRunLocks(t *testing.T) {
	f := newFixture(t, newScriptedAnalyzer())
	ctx := context.Background()
	rc := run.NewContext(dataset(120, 0), testEpoch)
	require.NoError(t, f.orch.Start(ctx, rc))

	var wg sync.WaitGroup
	completed := make(chan int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			agg, err := f.orch.Step(ctx, rc.ID)
			if assert.NoError(t, err) {
				completed <- len(agg.Status.CompletedPhases)
			}
		}()
	}
	wg.Wait()
	close(completed)

	var counts []int
	for n := range completed {
		counts = append(counts, n)
	}
	assert.ElementsMatch(t, []int{1, 2, 3}, counts)

	f.orch.locksMu.Lock()
	defer f.orch.locksMu.Unlock()
	assert.Empty(t, f.orch.locks)
}

func TestExecute_ProgressAndSpans(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	f := newFixture(t, newScriptedAnalyzer(), WithTelemetry(tt.Telemetry))

	var mu sync.Mutex
	var progress []PhaseProgress
	f.orch.OnProgress(func(p PhaseProgress) {
		mu.Lock()
		defer mu.Unlock()
		progress = append(progress, p)
	})

	rc := run.NewContext(dataset(120, 0), testEpoch)
	_, err := f.orch.Execute(context.Background(), rc)
	require.NoError(t, err)

	require.Len(t, progress, 6)
	assert.Equal(t, 0, progress[0].Percentage)
	assert.Equal(t, 100, progress[5].Percentage)
	assert.Equal(t, run.StatusCompleted, progress[5].Status)

	tt.AssertSpanExists(t, "orchestrator.Step")
	tt.AssertSpanExists(t, "phase.foundation")
	tt.AssertSpanExists(t, "phase.consulting")
	tt.AssertSpanAttribute(t, "orchestrator.Step", "run.id", rc.ID)
	tt.AssertSpanExists(t, "checkpoint.Save")
}
