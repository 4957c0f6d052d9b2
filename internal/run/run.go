// Package run holds the data model shared by the orchestrator, the
// checkpoint manager and the degradation handler.
package run

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/npsd/internal/confidence"
	"github.com/fyrsmithlabs/npsd/internal/survey"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// Phase is one of the three sequential stages of a run.
type Phase string

const (
	Foundation Phase = "foundation"
	Analysis   Phase = "analysis"
	Consulting Phase = "consulting"
)

// Phases returns every phase in execution order.
func Phases() []Phase {
	return []Phase{Foundation, Analysis, Consulting}
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.Index() >= 0
}

// Index returns the execution position of p, or -1.
func (p Phase) Index() int {
	for i, q := range Phases() {
		if q == p {
			return i
		}
	}
	return -1
}

// Units returns the unit identities a phase must record outcomes for.
func (p Phase) Units() []unit.ID {
	switch p {
	case Foundation:
		return []unit.ID{unit.Ingest, unit.NPSMetrics, unit.Confidence, unit.ThemeClusters}
	case Analysis:
		return []unit.ID{
			unit.PromoterSegment, unit.PassiveSegment, unit.DetractorSegment,
			unit.TextClustering, unit.DriverAnalysis,
			unit.ProductDimension, unit.RegionDimension, unit.ChannelDimension,
			unit.Coordinator,
		}
	case Consulting:
		return []unit.ID{
			unit.StrategyAdvisor, unit.ProductAdvisor, unit.MarketingAdvisor, unit.RiskAdvisor,
			unit.ExecutiveSummary,
		}
	}
	return nil
}

// Context identifies one end-to-end run. It is never mutated after creation.
type Context struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Input     survey.Dataset `json:"input"`
}

// NewContext creates a run context with a fresh id.
func NewContext(input survey.Dataset, now time.Time) Context {
	return Context{ID: uuid.NewString(), CreatedAt: now.UTC(), Input: input}
}

// PhaseStatus is the lifecycle status recorded on a PhaseResult.
type PhaseStatus string

const (
	StatusPending   PhaseStatus = "pending"
	StatusCompleted PhaseStatus = "completed"
	StatusFailed    PhaseStatus = "failed"
)

// PhaseResult is the accumulated output of one phase.
type PhaseResult struct {
	Phase    Phase                    `json:"phase"`
	Status   PhaseStatus              `json:"status"`
	Outcomes map[unit.ID]unit.Outcome `json:"outcomes"`
	Warnings []string                 `json:"warnings,omitempty"`
	Errors   []string                 `json:"errors,omitempty"`
}

// NewPhaseResult returns an empty pending result for p.
func NewPhaseResult(p Phase) *PhaseResult {
	return &PhaseResult{Phase: p, Status: StatusPending, Outcomes: map[unit.ID]unit.Outcome{}}
}

// Record stores an outcome. The first outcome recorded for a unit wins.
func (r *PhaseResult) Record(out unit.Outcome) bool {
	if _, exists := r.Outcomes[out.Unit]; exists {
		return false
	}
	r.Outcomes[out.Unit] = out
	return true
}

// Outcome returns the recorded outcome for id.
func (r *PhaseResult) Outcome(id unit.ID) (unit.Outcome, bool) {
	out, ok := r.Outcomes[id]
	return out, ok
}

// Failed returns the ids of failed units in sorted order.
func (r *PhaseResult) Failed() []unit.ID {
	var ids []unit.ID
	for id, out := range r.Outcomes {
		if !out.Succeeded() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Succeeded returns the ids of successful units in sorted order.
func (r *PhaseResult) Succeeded() []unit.ID {
	var ids []unit.ID
	for id, out := range r.Outcomes {
		if out.Succeeded() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Missing returns declared units of the phase that have no outcome.
func (r *PhaseResult) Missing() []unit.ID {
	var ids []unit.ID
	for _, id := range r.Phase.Units() {
		if _, ok := r.Outcomes[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// State is the terminal or in-flight state of a whole run.
type State string

const (
	StateRunning         State = "running"
	StateCompleted       State = "completed"
	StatePartiallyFailed State = "partially_failed"
)

// Status discloses exactly which phases completed.
type Status struct {
	State           State   `json:"state"`
	CompletedPhases []Phase `json:"completed_phases"`
}

// Aggregate is the response returned on every path, full or partial.
type Aggregate struct {
	Run        Context                `json:"run"`
	Phases     []PhaseResult          `json:"phases"`
	Confidence *confidence.Assessment `json:"confidence,omitempty"`
	Warnings   []string               `json:"warnings"`
	Errors     []string               `json:"errors"`
	Status     Status                 `json:"status"`
}

// Phase returns the result for p if present.
func (a *Aggregate) Phase(p Phase) (PhaseResult, bool) {
	for _, r := range a.Phases {
		if r.Phase == p {
			return r, true
		}
	}
	return PhaseResult{}, false
}

// Terminal reports whether the run has finished.
func (a *Aggregate) Terminal() bool {
	return a.Status.State == StateCompleted || a.Status.State == StatePartiallyFailed
}

// StatusReport answers which phases have checkpointed for a run.
type StatusReport struct {
	RunID        string  `json:"run_id"`
	Known        bool    `json:"known"`
	Checkpointed []Phase `json:"checkpointed"`
	Next         Phase   `json:"next,omitempty"`
}
