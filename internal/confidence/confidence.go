// Package confidence grades how far the survey data can be trusted and
// gates the consulting phase on that grade.
package confidence

import (
	"errors"
	"fmt"
	"math"
)

// Grade is a four-level data reliability rating.
type Grade string

const (
	Low        Grade = "low"
	Medium     Grade = "medium"
	MediumHigh Grade = "medium-high"
	High       Grade = "high"
)

// Score maps a grade onto [0,1] for comparison with per-unit floors.
func (g Grade) Score() float64 {
	switch g {
	case High:
		return 0.9
	case MediumHigh:
		return 0.75
	case Medium:
		return 0.6
	default:
		return 0.3
	}
}

// Mode is the gate decision derived from a Grade.
type Mode string

const (
	Full       Mode = "full"
	Restricted Mode = "restricted"
)

// ErrInvalidInput is returned for a negative sample size or a rate outside [0,1].
var ErrInvalidInput = errors.New("invalid confidence input")

// Assessment is a grade plus the numbers it was derived from.
type Assessment struct {
	Grade            Grade   `json:"grade"`
	SampleSize       int     `json:"sample_size"`
	EffectiveRate    float64 `json:"effective_rate"`
	EffectiveSamples float64 `json:"effective_samples"`
	Justification    string  `json:"justification"`
}

// Thresholds are the band edges used by Assess.
type Thresholds struct {
	HighMinSamples       float64
	HighMinRate          float64
	MediumHighMinSamples float64
	MediumHighMaxSamples float64
	MediumHighMinRate    float64
	MediumUpperSamples   float64
	LowMaxSamples        float64
	LowMaxRate           float64
}

// DefaultThresholds returns the standard band edges.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HighMinSamples:       150,
		HighMinRate:          0.70,
		MediumHighMinSamples: 80,
		MediumHighMaxSamples: 120,
		MediumHighMinRate:    0.60,
		MediumUpperSamples:   100,
		LowMaxSamples:        30,
		LowMaxRate:           0.30,
	}
}

// Assess grades data with the default thresholds.
func Assess(sampleSize int, effectiveRate float64) (Assessment, error) {
	return DefaultThresholds().Assess(sampleSize, effectiveRate)
}

// Assess grades data. The checks run in a fixed order and the first match
// wins, so the medium-high band overrides the general medium band where
// they overlap.
func (t Thresholds) Assess(sampleSize int, rate float64) (Assessment, error) {
	if sampleSize < 0 || math.IsNaN(rate) || rate < 0 || rate > 1 {
		return Assessment{}, fmt.Errorf("%w: sample size %d, rate %v", ErrInvalidInput, sampleSize, rate)
	}

	eff := effectiveSamples(sampleSize, rate)
	a := Assessment{SampleSize: sampleSize, EffectiveRate: rate, EffectiveSamples: eff}

	switch {
	case eff < t.LowMaxSamples || rate < t.LowMaxRate:
		a.Grade = Low
		a.Justification = fmt.Sprintf("effective samples %.1f (min %.0f) or response rate %.2f (min %.2f) too low",
			eff, t.LowMaxSamples, rate, t.LowMaxRate)
	case eff >= t.MediumHighMinSamples && eff <= t.MediumHighMaxSamples && rate >= t.MediumHighMinRate:
		a.Grade = MediumHigh
		a.Justification = fmt.Sprintf("effective samples %.1f within [%.0f,%.0f] at response rate %.2f",
			eff, t.MediumHighMinSamples, t.MediumHighMaxSamples, rate)
	case eff < t.MediumUpperSamples || (eff < t.HighMinSamples && rate < t.HighMinRate):
		a.Grade = Medium
		a.Justification = fmt.Sprintf("effective samples %.1f at response rate %.2f below high-confidence bar (%.0f at %.2f)",
			eff, rate, t.HighMinSamples, t.HighMinRate)
	case eff >= t.HighMinSamples && rate >= t.HighMinRate:
		a.Grade = High
		a.Justification = fmt.Sprintf("effective samples %.1f at response rate %.2f", eff, rate)
	default:
		a.Grade = Medium
		a.Justification = fmt.Sprintf("effective samples %.1f at response rate %.2f fall between bands", eff, rate)
	}

	return a, nil
}

// effectiveSamples is sampleSize*rate snapped to 1e-9, so a rate computed as
// valid/total multiplies back to the exact valid count at band edges.
func effectiveSamples(sampleSize int, rate float64) float64 {
	return math.Round(float64(sampleSize)*rate*1e9) / 1e9
}

// Gate restricts downstream work only for low-confidence data.
func Gate(g Grade) Mode {
	if g == Low {
		return Restricted
	}
	return Full
}
