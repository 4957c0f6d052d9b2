package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/fyrsmithlabs/npsd/internal/survey"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// Heuristic answers the model-backed units from simple statistics over the
// responses. It needs no network access and is used when no LLM is
// configured.
type Heuristic struct{}

var stopwords = map[string]bool{
	"about": true, "after": true, "again": true, "also": true, "been": true,
	"being": true, "could": true, "every": true, "from": true, "have": true,
	"just": true, "more": true, "much": true, "only": true, "really": true,
	"should": true, "some": true, "than": true, "that": true, "their": true,
	"them": true, "then": true, "there": true, "they": true, "this": true,
	"very": true, "were": true, "what": true, "when": true, "which": true,
	"will": true, "with": true, "would": true, "your": true, "email": true,
	"phone": true,
}

func (h Heuristic) Analyze(_ context.Context, id unit.ID, input any) (json.RawMessage, error) {
	switch id {
	case unit.ThemeClusters:
		in, err := inputAs[ThemeInput](id, input)
		if err != nil {
			return nil, err
		}
		return marshal(Themes{Themes: themes(in.Comments, nil, 5)})

	case unit.PromoterSegment, unit.PassiveSegment, unit.DetractorSegment,
		unit.TextClustering, unit.DriverAnalysis,
		unit.ProductDimension, unit.RegionDimension, unit.ChannelDimension:
		in, err := inputAs[AnalysisInput](id, input)
		if err != nil {
			return nil, err
		}
		return marshal(Insights{Insights: truncate(h.insights(in), in.Limit)})

	case unit.StrategyAdvisor, unit.ProductAdvisor, unit.MarketingAdvisor,
		unit.RiskAdvisor, unit.ExecutiveSummary:
		in, err := inputAs[ConsultingInput](id, input)
		if err != nil {
			return nil, err
		}
		return marshal(Recommendations{Unit: id, Recommendations: truncate(h.advise(in), in.Limit)})

	default:
		return nil, unit.InvalidInput("heuristic analyzer does not serve unit %s", id)
	}
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func keywords(comment string) []string {
	seen := map[string]bool{}
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(comment), func(r rune) bool {
		return !unicode.IsLetter(r)
	}) {
		if len([]rune(w)) < 4 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// themes counts keywords once per comment. scores, when given, drives the
// sentiment label.
func themes(comments []string, scores []int, limit int) []Theme {
	counts := map[string]int{}
	sums := map[string]int{}
	examples := map[string][]string{}
	for i, c := range comments {
		for _, k := range keywords(c) {
			counts[k]++
			if scores != nil {
				sums[k] += scores[i]
			}
			if len(examples[k]) < 2 {
				examples[k] = append(examples[k], c)
			}
		}
	}

	out := make([]Theme, 0, len(counts))
	for k, n := range counts {
		t := Theme{Name: k, Count: n, Examples: examples[k]}
		if scores != nil {
			t.Sentiment = Category(sums[k] / n)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return truncate(out, limit)
}

func support(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

func (h Heuristic) insights(in AnalysisInput) []Insight {
	score := in.Confidence.Grade.Score()
	mk := func(title, detail, category string, share, magnitude float64) Insight {
		return Insight{
			Title:      title,
			Detail:     detail,
			Category:   category,
			Confidence: round(score*(0.5+0.5*share), 2),
			Magnitude:  round(magnitude, 2),
			Source:     in.Unit,
		}
	}

	switch in.Unit {
	case unit.PromoterSegment, unit.PassiveSegment, unit.DetractorSegment:
		want := map[unit.ID]string{
			unit.PromoterSegment:  "promoter",
			unit.PassiveSegment:   "passive",
			unit.DetractorSegment: "detractor",
		}[in.Unit]
		var comments []string
		for _, r := range in.Responses {
			if Category(r.Score) == want && r.Comment != "" {
				comments = append(comments, r.Comment)
			}
		}
		var out []Insight
		for _, t := range themes(comments, nil, in.Limit) {
			share := support(t.Count, len(comments))
			out = append(out, mk(
				fmt.Sprintf("%ss mention %s", strings.ToUpper(want[:1])+want[1:], t.Name),
				fmt.Sprintf("%d of %d %s comments mention %q", t.Count, len(comments), want, t.Name),
				want, share, share,
			))
		}
		return out

	case unit.TextClustering:
		comments, _ := split(in.Responses)
		var out []Insight
		for _, t := range themes(comments, nil, in.Limit) {
			share := support(t.Count, len(comments))
			out = append(out, mk(
				"Recurring theme: "+t.Name,
				fmt.Sprintf("%d of %d comments mention %q", t.Count, len(comments), t.Name),
				"theme", share, share,
			))
		}
		return out

	case unit.DriverAnalysis:
		comments, scores := split(in.Responses)
		overall := mean(scores)
		var out []Insight
		for _, t := range themes(comments, scores, 0) {
			if t.Count < 2 {
				continue
			}
			var sum int
			for i, c := range comments {
				for _, k := range keywords(c) {
					if k == t.Name {
						sum += scores[i]
					}
				}
			}
			delta := float64(sum)/float64(t.Count) - overall
			dir := "lifts"
			if delta < 0 {
				dir = "drags down"
			}
			out = append(out, mk(
				fmt.Sprintf("%s %s scores", t.Name, dir),
				fmt.Sprintf("comments mentioning %q average %.1f against %.1f overall", t.Name, overall+delta, overall),
				"driver", support(t.Count, len(comments)), abs(delta)/survey.MaxScore,
			))
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Magnitude > out[j].Magnitude })
		return out

	case unit.ProductDimension, unit.RegionDimension, unit.ChannelDimension:
		field := map[unit.ID]func(survey.Response) string{
			unit.ProductDimension: func(r survey.Response) string { return r.ProductLine },
			unit.RegionDimension:  func(r survey.Response) string { return r.Region },
			unit.ChannelDimension: func(r survey.Response) string { return r.Channel },
		}[in.Unit]
		groups := map[string][]survey.Response{}
		for _, r := range in.Responses {
			if v := field(r); v != "" {
				groups[v] = append(groups[v], r)
			}
		}
		names := make([]string, 0, len(groups))
		for k := range groups {
			names = append(names, k)
		}
		sort.Strings(names)

		var out []Insight
		for _, name := range names {
			m := ComputeNPS(groups[name])
			delta := m.NPS - in.Metrics.NPS
			out = append(out, mk(
				fmt.Sprintf("%s NPS %+.1f against overall", name, delta),
				fmt.Sprintf("%s scores NPS %.1f across %d responses", name, m.NPS, m.Total),
				in.Focus, support(m.Total, len(in.Responses)), abs(delta)/200,
			))
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Magnitude > out[j].Magnitude })
		return out
	}
	return nil
}

func (h Heuristic) advise(in ConsultingInput) []Recommendation {
	categories := map[unit.ID][]string{
		unit.ProductAdvisor:   {"product", "theme", "driver"},
		unit.MarketingAdvisor: {"promoter", "channel", "region"},
		unit.RiskAdvisor:      {"detractor", "passive", "driver"},
	}[in.Unit]

	verb := map[unit.ID]string{
		unit.StrategyAdvisor:  "Prioritize",
		unit.ProductAdvisor:   "Address in the roadmap",
		unit.MarketingAdvisor: "Amplify",
		unit.RiskAdvisor:      "Mitigate",
	}[in.Unit]

	var out []Recommendation
	if in.Unit == unit.ExecutiveSummary {
		out = append(out, Recommendation{
			Title:      fmt.Sprintf("NPS stands at %.1f", in.Metrics.NPS),
			Detail:     fmt.Sprintf("%.1f%% promoters, %.1f%% passives, %.1f%% detractors", in.Metrics.PromoterPct, in.Metrics.PassivePct, in.Metrics.DetractorPct),
			Confidence: in.Confidence.Grade.Score(),
		})
		ids := make([]unit.ID, 0, len(in.Advice))
		for id := range in.Advice {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if recs := in.Advice[id].Recommendations; len(recs) > 0 {
				out = append(out, recs[0])
			}
		}
		return out
	}

	for _, ins := range in.Insights {
		if categories != nil && !contains(categories, ins.Category) {
			continue
		}
		out = append(out, Recommendation{
			Title:      fmt.Sprintf("%s: %s", verb, ins.Title),
			Detail:     ins.Detail,
			Confidence: ins.Confidence,
		})
	}
	return out
}

func split(rs []survey.Response) ([]string, []int) {
	var comments []string
	var scores []int
	for _, r := range rs {
		if r.Comment != "" {
			comments = append(comments, r.Comment)
			scores = append(scores, r.Score)
		}
	}
	return comments, scores
}

func mean(xs []int) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum int
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
