// Package unit defines the smallest schedulable analysis task and the
// executor that runs it under a retry policy.
package unit

import (
	"encoding/json"
	"fmt"
)

// ID identifies a unit within a run, e.g. "A1" or "B9".
type ID string

// Well-known unit identities.
const (
	Ingest        ID = "A0"
	NPSMetrics    ID = "A1"
	Confidence    ID = "A2"
	ThemeClusters ID = "A3"

	PromoterSegment  ID = "B1"
	PassiveSegment   ID = "B2"
	DetractorSegment ID = "B3"
	TextClustering   ID = "B4"
	DriverAnalysis   ID = "B5"
	ProductDimension ID = "B6"
	RegionDimension  ID = "B7"
	ChannelDimension ID = "B8"
	Coordinator      ID = "B9"

	StrategyAdvisor  ID = "C1"
	ProductAdvisor   ID = "C2"
	MarketingAdvisor ID = "C3"
	RiskAdvisor      ID = "C4"
	ExecutiveSummary ID = "C5"
)

// Outcome is the terminal result of a unit: either a success payload or a
// failure. Exactly one of Payload and Failure is set.
type Outcome struct {
	Unit    ID              `json:"unit"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
}

// Failure describes why a unit did not produce a payload.
type Failure struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	RetryCount int    `json:"retry_count"`
}

// Success builds a successful outcome, encoding payload as JSON.
// A payload that cannot be encoded becomes a classification failure.
func Success(id ID, payload any) Outcome {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Fail(id, KindClassification, fmt.Sprintf("encode payload: %v", err), 0)
	}
	return Outcome{Unit: id, Payload: raw}
}

// Fail builds a failed outcome.
func Fail(id ID, kind Kind, msg string, retries int) Outcome {
	return Outcome{Unit: id, Failure: &Failure{Kind: kind, Message: msg, RetryCount: retries}}
}

// Succeeded reports whether the outcome carries a payload.
func (o Outcome) Succeeded() bool {
	return o.Failure == nil
}

// Decode unmarshals a successful payload into v.
func (o Outcome) Decode(v any) error {
	if o.Failure != nil {
		return fmt.Errorf("unit %s failed: %s", o.Unit, o.Failure.Message)
	}
	if err := json.Unmarshal(o.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", o.Unit, err)
	}
	return nil
}

// Err converts a failed outcome back into an error, or nil.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return &Error{Unit: o.Unit, Kind: o.Failure.Kind, Err: fmt.Errorf("%s", o.Failure.Message)}
}
