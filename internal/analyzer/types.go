package analyzer

import (
	"github.com/fyrsmithlabs/npsd/internal/confidence"
	"github.com/fyrsmithlabs/npsd/internal/survey"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// Data quality labels derived from the valid ratio.
const (
	QualityHigh         = "high"
	QualityMedium       = "medium"
	QualityLow          = "low"
	QualityInsufficient = "insufficient"
)

// CleanedData is the output of A0.
type CleanedData struct {
	Responses  []survey.Response `json:"responses"`
	Total      int               `json:"total"`
	Valid      int               `json:"valid"`
	Invalid    int               `json:"invalid"`
	ValidRatio float64           `json:"valid_ratio"`
	Quality    string            `json:"quality"`
}

// Comments returns the non-empty comments in response order.
func (c CleanedData) Comments() []string {
	var out []string
	for _, r := range c.Responses {
		if r.Comment != "" {
			out = append(out, r.Comment)
		}
	}
	return out
}

// NPSMetrics is the output of A1.
type NPSMetrics struct {
	Total        int     `json:"total"`
	Promoters    int     `json:"promoters"`
	Passives     int     `json:"passives"`
	Detractors   int     `json:"detractors"`
	PromoterPct  float64 `json:"promoter_pct"`
	PassivePct   float64 `json:"passive_pct"`
	DetractorPct float64 `json:"detractor_pct"`
	NPS          float64 `json:"nps"`
}

// Theme is one comment cluster.
type Theme struct {
	Name      string   `json:"name"`
	Count     int      `json:"count"`
	Sentiment string   `json:"sentiment,omitempty"`
	Examples  []string `json:"examples,omitempty"`
}

// Themes is the output of A3.
type Themes struct {
	Themes []Theme `json:"themes"`
}

// ThemeInput is the input of A3.
type ThemeInput struct {
	Comments []string   `json:"comments"`
	Metrics  NPSMetrics `json:"metrics"`
}

// Insight is one finding produced by an analysis unit.
type Insight struct {
	Title      string  `json:"title"`
	Detail     string  `json:"detail"`
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Magnitude  float64 `json:"magnitude"`
	Source     unit.ID `json:"source"`
}

// Insights is the output of B1 through B8.
type Insights struct {
	Insights []Insight `json:"insights"`
}

// Priority labels assigned by the coordinator.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// RankedInsight is an insight after deduplication and ranking.
type RankedInsight struct {
	Insight
	Priority string `json:"priority"`
}

// Coordination is the output of B9.
type Coordination struct {
	Insights   []RankedInsight `json:"insights"`
	Considered int             `json:"considered"`
	Sources    []unit.ID       `json:"sources"`
}

// AnalysisInput is the input of B1 through B8.
type AnalysisInput struct {
	Unit       unit.ID               `json:"unit"`
	Focus      string                `json:"focus"`
	Responses  []survey.Response     `json:"responses"`
	Metrics    NPSMetrics            `json:"metrics"`
	Themes     []Theme               `json:"themes,omitempty"`
	Confidence confidence.Assessment `json:"confidence"`
	Limit      int                   `json:"limit"`
}

// Recommendation is one consulting output.
type Recommendation struct {
	Title      string  `json:"title"`
	Detail     string  `json:"detail"`
	Confidence float64 `json:"confidence"`
	Annotation string  `json:"annotation,omitempty"`
}

// Recommendations is the output of C1 through C5.
type Recommendations struct {
	Unit            unit.ID          `json:"unit"`
	Recommendations []Recommendation `json:"recommendations"`
	Restricted      bool             `json:"restricted,omitempty"`
}

// ConsultingInput is the input of C1 through C5. Advice is only set for C5.
type ConsultingInput struct {
	Unit       unit.ID                     `json:"unit"`
	Focus      string                      `json:"focus"`
	Metrics    NPSMetrics                  `json:"metrics"`
	Insights   []RankedInsight             `json:"insights"`
	Confidence confidence.Assessment       `json:"confidence"`
	Advice     map[unit.ID]Recommendations `json:"advice,omitempty"`
	Limit      int                         `json:"limit"`
}

// Limits caps how many items each unit may return.
var Limits = map[unit.ID]int{
	unit.PromoterSegment:  4,
	unit.PassiveSegment:   3,
	unit.DetractorSegment: 3,
	unit.TextClustering:   5,
	unit.DriverAnalysis:   5,
	unit.ProductDimension: 3,
	unit.RegionDimension:  3,
	unit.ChannelDimension: 3,
	unit.StrategyAdvisor:  3,
	unit.ProductAdvisor:   4,
	unit.MarketingAdvisor: 3,
	unit.RiskAdvisor:      3,
	unit.ExecutiveSummary: 7,
}

// Limit returns the item cap for id, or 5 when none is configured.
func Limit(id unit.ID) int {
	if n, ok := Limits[id]; ok {
		return n
	}
	return 5
}
