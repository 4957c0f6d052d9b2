package checkpoint

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// RunKey is the reserved storage key for the run manifest.
const RunKey = "_run"

// ErrNotFound is returned when a run or phase has no stored entry.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the durable record of one completed phase.
type Checkpoint struct {
	RunID          string           `json:"run_id"`
	Phase          run.Phase        `json:"phase"`
	Result         *run.PhaseResult `json:"result"`
	UnitsCompleted []unit.ID        `json:"units_completed"`
	WrittenAt      time.Time        `json:"written_at"`
}
