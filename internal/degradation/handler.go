// Package degradation decides whether a phase with failed units still
// produced a usable result.
package degradation

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// Decision is the verdict for one phase.
type Decision struct {
	MinimumViable bool      `json:"minimum_viable"`
	FailedUnits   []unit.ID `json:"failed_units"`
	Message       string    `json:"message"`
	Warnings      []string  `json:"warnings"`
}

// DefaultCritical returns the units whose failure makes a phase non-viable.
func DefaultCritical() map[run.Phase][]unit.ID {
	return map[run.Phase][]unit.ID{
		run.Foundation: {unit.NPSMetrics},
		run.Analysis:   {unit.Coordinator},
		run.Consulting: {unit.ExecutiveSummary},
	}
}

// Handler applies a critical-unit table.
type Handler struct {
	critical map[run.Phase]map[unit.ID]bool
}

// New creates a Handler. A nil table uses DefaultCritical.
func New(critical map[run.Phase][]unit.ID) *Handler {
	if critical == nil {
		critical = DefaultCritical()
	}
	h := &Handler{critical: map[run.Phase]map[unit.ID]bool{}}
	for p, ids := range critical {
		set := map[unit.ID]bool{}
		for _, id := range ids {
			set[id] = true
		}
		h.critical[p] = set
	}
	return h
}

// Critical reports whether id is critical in phase p.
func (h *Handler) Critical(p run.Phase, id unit.ID) bool {
	return h.critical[p][id]
}

// Assess inspects a phase result. It never mutates r.
func (h *Handler) Assess(r *run.PhaseResult) Decision {
	d := Decision{MinimumViable: true, FailedUnits: r.Failed()}

	var critical []string
	for _, id := range d.FailedUnits {
		out, _ := r.Outcome(id)
		d.Warnings = append(d.Warnings, Warning(out))
		if h.Critical(r.Phase, id) {
			d.MinimumViable = false
			critical = append(critical, string(id))
		}
	}

	switch {
	case !d.MinimumViable:
		d.Message = fmt.Sprintf("%s phase not viable: critical unit %s failed", r.Phase, strings.Join(critical, ", "))
	case len(d.FailedUnits) > 0:
		d.Message = fmt.Sprintf("%s phase degraded: %d unit(s) failed", r.Phase, len(d.FailedUnits))
	default:
		d.Message = fmt.Sprintf("%s phase complete", r.Phase)
	}
	return d
}

// Warning formats a failed outcome, e.g.
// "unit B4 failed after 3 retries (timeout): deadline exceeded".
func Warning(out unit.Outcome) string {
	if out.Failure == nil {
		return ""
	}
	return fmt.Sprintf("unit %s failed after %d retries (%s): %s",
		out.Unit, out.Failure.RetryCount, out.Failure.Kind, out.Failure.Message)
}
