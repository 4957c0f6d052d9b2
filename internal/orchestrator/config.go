package orchestrator

import (
	"time"

	"github.com/fyrsmithlabs/npsd/internal/confidence"
	"github.com/fyrsmithlabs/npsd/internal/config"
	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// Config bounds and parameterizes a run.
type Config struct {
	// MaxConcurrency caps units running at once across all groups.
	// Default: 4
	MaxConcurrency int

	// MaxInsights is how many ranked insights B9 keeps.
	// Default: 5
	MaxInsights int

	// WorkflowTimeout bounds Run, Execute and Resume end to end.
	// Default: 300 seconds
	WorkflowTimeout time.Duration

	// Policy is the retry policy for every unit.
	Policy unit.Policy

	// Policies overrides Policy per unit.
	Policies map[unit.ID]unit.Policy

	// Critical overrides the critical units per phase.
	Critical map[run.Phase][]unit.ID

	Thresholds confidence.Thresholds
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  4,
		MaxInsights:     5,
		WorkflowTimeout: 300 * time.Second,
		Policy:          unit.DefaultPolicy(),
		Thresholds:      confidence.DefaultThresholds(),
	}
}

// FromAppConfig maps the loaded application config.
func FromAppConfig(app *config.Config) Config {
	c := DefaultConfig()
	c.MaxConcurrency = app.Orchestrator.MaxConcurrency
	c.MaxInsights = app.Orchestrator.MaxInsights
	c.WorkflowTimeout = app.Orchestrator.WorkflowTimeout.Duration()
	c.Policy = unit.Policy{
		MaxRetries:     app.Retry.MaxRetries,
		InitialDelay:   app.Retry.InitialDelay.Duration(),
		Multiplier:     app.Retry.Multiplier,
		MaxDelay:       app.Retry.MaxDelay.Duration(),
		Jitter:         app.Retry.Jitter,
		AttemptTimeout: app.Retry.AttemptTimeout.Duration(),
	}
	c.Thresholds = confidence.Thresholds{
		HighMinSamples:       app.Confidence.HighMinSamples,
		HighMinRate:          app.Confidence.HighMinRate,
		MediumHighMinSamples: app.Confidence.MediumHighMinSamples,
		MediumHighMaxSamples: app.Confidence.MediumHighMaxSamples,
		MediumHighMinRate:    app.Confidence.MediumHighMinRate,
		MediumUpperSamples:   app.Confidence.MediumUpperSamples,
		LowMaxSamples:        app.Confidence.LowMaxSamples,
		LowMaxRate:           app.Confidence.LowMaxRate,
	}
	return c
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.MaxInsights <= 0 {
		c.MaxInsights = d.MaxInsights
	}
	if c.WorkflowTimeout <= 0 {
		c.WorkflowTimeout = d.WorkflowTimeout
	}
	if c.Thresholds == (confidence.Thresholds{}) {
		c.Thresholds = d.Thresholds
	}
	return c
}

func (c Config) policy(id unit.ID) unit.Policy {
	if p, ok := c.Policies[id]; ok {
		return p
	}
	return c.Policy
}
