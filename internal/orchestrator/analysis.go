package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/npsd/internal/analyzer"
	"github.com/fyrsmithlabs/npsd/internal/parallel"
	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// Analysis groups, run concurrently over the shared pool.
var analysisGroups = []struct {
	name    string
	members []unit.ID
}{
	{"segment", []unit.ID{unit.PromoterSegment, unit.PassiveSegment, unit.DetractorSegment}},
	{"analytics", []unit.ID{unit.TextClustering, unit.DriverAnalysis}},
	{"dimension", []unit.ID{unit.ProductDimension, unit.RegionDimension, unit.ChannelDimension}},
}

var analysisFocus = map[unit.ID]string{
	unit.PromoterSegment:  "promoter",
	unit.PassiveSegment:   "passive",
	unit.DetractorSegment: "detractor",
	unit.TextClustering:   "theme",
	unit.DriverAnalysis:   "driver",
	unit.ProductDimension: "product",
	unit.RegionDimension:  "region",
	unit.ChannelDimension: "channel",
}

// ErrNoAnalysisInput is returned by Coordinate when no member succeeded.
var ErrNoAnalysisInput = errors.New("no analysis unit produced insights")

type analysisHandler struct {
	*env
}

func (h *analysisHandler) Phase() run.Phase { return run.Analysis }

func (h *analysisHandler) Execute(ctx context.Context, state *RunState) *run.PhaseResult {
	r := run.NewPhaseResult(run.Analysis)

	f, err := decodeFoundation(state.Results[run.Foundation])
	if err != nil {
		for _, id := range run.Analysis.Units() {
			r.Record(upstreamFailed(id, unit.NPSMetrics))
		}
		return r
	}

	groups := make([]parallel.Group, 0, len(analysisGroups))
	for _, g := range analysisGroups {
		pg := parallel.Group{Name: g.name}
		for _, id := range g.members {
			pg.Tasks = append(pg.Tasks, h.task(id, analyzer.AnalysisInput{
				Unit:       id,
				Focus:      analysisFocus[id],
				Responses:  f.cleaned.Responses,
				Metrics:    f.metrics,
				Themes:     f.themes,
				Confidence: f.assessment,
				Limit:      analyzer.Limit(id),
			}))
		}
		groups = append(groups, pg)
	}

	members := parallel.Merge(h.coordinator.RunGroups(ctx, groups...))
	for _, out := range members {
		r.Record(out)
	}

	r.Record(h.local(ctx, unit.Coordinator, func(context.Context) (any, error) {
		c, err := Coordinate(members, h.cfg.MaxInsights)
		if err != nil {
			return nil, unit.Permanent(unit.KindClassification, err)
		}
		return c, nil
	}))
	return r
}

// Coordinate deduplicates and ranks the insights of successful analysis
// members and keeps the top limit. The result does not depend on map or
// completion order.
func Coordinate(members map[unit.ID]unit.Outcome, limit int) (analyzer.Coordination, error) {
	ids := make([]unit.ID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var c analyzer.Coordination
	best := map[string]analyzer.Insight{}
	for _, id := range ids {
		out := members[id]
		if id == unit.Coordinator || !out.Succeeded() {
			continue
		}
		var ins analyzer.Insights
		if err := out.Decode(&ins); err != nil {
			continue
		}
		c.Sources = append(c.Sources, id)
		for _, in := range ins.Insights {
			if in.Source == "" {
				in.Source = id
			}
			c.Considered++
			key := dedupeKey(in)
			if prev, ok := best[key]; !ok || ranksBefore(in, prev) {
				best[key] = in
			}
		}
	}
	if len(c.Sources) == 0 {
		return c, ErrNoAnalysisInput
	}

	ranked := make([]analyzer.Insight, 0, len(best))
	for _, in := range best {
		ranked = append(ranked, in)
	}
	sort.Slice(ranked, func(i, j int) bool { return ranksBefore(ranked[i], ranked[j]) })
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	c.Insights = make([]analyzer.RankedInsight, 0, len(ranked))
	for _, in := range ranked {
		c.Insights = append(c.Insights, analyzer.RankedInsight{Insight: in, Priority: priority(in.Confidence)})
	}
	return c, nil
}

func dedupeKey(in analyzer.Insight) string {
	return in.Category + "\x00" + strings.ToLower(strings.TrimSpace(in.Title))
}

// ranksBefore orders by confidence desc, magnitude desc, title asc, source
// asc, then detail asc so the order is total.
func ranksBefore(a, b analyzer.Insight) bool {
	switch {
	case a.Confidence != b.Confidence:
		return a.Confidence > b.Confidence
	case a.Magnitude != b.Magnitude:
		return a.Magnitude > b.Magnitude
	case a.Title != b.Title:
		return a.Title < b.Title
	case a.Source != b.Source:
		return a.Source < b.Source
	default:
		return a.Detail < b.Detail
	}
}

func priority(conf float64) string {
	switch {
	case conf > 0.7:
		return analyzer.PriorityHigh
	case conf > 0.5:
		return analyzer.PriorityMedium
	default:
		return analyzer.PriorityLow
	}
}
