// Package analyzer implements the external analysis call behind every unit.
//
// Builtin covers the deterministic local units (ingest and NPS), Heuristic
// gives an offline rendition of the remaining units, and LLM delegates to an
// OpenAI-compatible model through langchaingo. Router picks one per unit.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// Analyzer performs the external call for one unit.
type Analyzer interface {
	Analyze(ctx context.Context, id unit.ID, input any) (json.RawMessage, error)
}

// Func adapts a function to Analyzer.
type Func func(ctx context.Context, id unit.ID, input any) (json.RawMessage, error)

func (f Func) Analyze(ctx context.Context, id unit.ID, input any) (json.RawMessage, error) {
	return f(ctx, id, input)
}

// Router dispatches by unit id and falls back for unrouted units.
type Router struct {
	routes   map[unit.ID]Analyzer
	fallback Analyzer
}

// NewRouter creates a Router. fallback may be nil.
func NewRouter(fallback Analyzer) *Router {
	return &Router{routes: map[unit.ID]Analyzer{}, fallback: fallback}
}

// Route sends the given units to a.
func (r *Router) Route(a Analyzer, ids ...unit.ID) *Router {
	for _, id := range ids {
		r.routes[id] = a
	}
	return r
}

func (r *Router) Analyze(ctx context.Context, id unit.ID, input any) (json.RawMessage, error) {
	if a, ok := r.routes[id]; ok {
		return a.Analyze(ctx, id, input)
	}
	if r.fallback == nil {
		return nil, unit.Permanent(unit.KindInvalidInput, fmt.Errorf("no analyzer for unit %s", id))
	}
	return r.fallback.Analyze(ctx, id, input)
}

// Decode unmarshals an analyzer response. A malformed response is a
// classification failure.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, unit.Permanent(unit.KindClassification, fmt.Errorf("decode response: %w", err))
	}
	return v, nil
}

func inputAs[T any](id unit.ID, input any) (T, error) {
	v, ok := input.(T)
	if !ok {
		var zero T
		return zero, unit.InvalidInput("unit %s: unexpected input %T", id, input)
	}
	return v, nil
}

func marshal(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, unit.Permanent(unit.KindInternal, err)
	}
	return raw, nil
}
