package analyzer

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/npsd/internal/survey"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// NPS category boundaries on the 0-10 scale.
const (
	PromoterMin  = 9
	PassiveMin   = 7
	DetractorMax = 6
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s-]{7,}\d`)
	htmlPattern  = regexp.MustCompile(`<[^>]+>`)
	punctRun     = regexp.MustCompile(`([!?.])[!?.]{2,}`)
)

// Builtin computes the deterministic foundation units locally.
type Builtin struct{}

// Units lists the units Builtin serves.
func (Builtin) Units() []unit.ID {
	return []unit.ID{unit.Ingest, unit.NPSMetrics}
}

func (b Builtin) Analyze(_ context.Context, id unit.ID, input any) (json.RawMessage, error) {
	switch id {
	case unit.Ingest:
		ds, err := inputAs[survey.Dataset](id, input)
		if err != nil {
			return nil, err
		}
		return marshal(Clean(ds))
	case unit.NPSMetrics:
		data, err := inputAs[CleanedData](id, input)
		if err != nil {
			return nil, err
		}
		return marshal(ComputeNPS(data.Responses))
	default:
		return nil, unit.InvalidInput("builtin analyzer does not serve unit %s", id)
	}
}

// Clean drops unscorable records, masks contact details in comments and
// normalizes whitespace.
func Clean(ds survey.Dataset) CleanedData {
	out := CleanedData{Total: ds.SampleSize()}
	for _, r := range ds.Responses {
		if !r.Valid() {
			out.Invalid++
			continue
		}
		r.ID = strings.TrimSpace(r.ID)
		r.Comment = cleanText(r.Comment)
		out.Responses = append(out.Responses, r)
	}
	out.Valid = len(out.Responses)
	if out.Total > 0 {
		out.ValidRatio = round(float64(out.Valid)/float64(out.Total), 4)
	}
	out.Quality = QualityLabel(out.ValidRatio)
	return out
}

func cleanText(s string) string {
	if s == "" {
		return s
	}
	s = htmlPattern.ReplaceAllString(s, "")
	s = emailPattern.ReplaceAllString(s, "[email]")
	s = phonePattern.ReplaceAllString(s, "[phone]")
	s = punctRun.ReplaceAllString(s, "$1$1")
	s = strings.Map(func(r rune) rune {
		if r < 32 && r != '\n' {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// QualityLabel grades a valid ratio.
func QualityLabel(ratio float64) string {
	switch {
	case ratio >= 0.9:
		return QualityHigh
	case ratio >= 0.7:
		return QualityMedium
	case ratio >= 0.5:
		return QualityLow
	default:
		return QualityInsufficient
	}
}

// Category returns "promoter", "passive" or "detractor" for a score.
func Category(score int) string {
	switch {
	case score >= PromoterMin:
		return "promoter"
	case score >= PassiveMin:
		return "passive"
	default:
		return "detractor"
	}
}

// ComputeNPS counts categories and computes NPS = (%P - %D) x 100.
func ComputeNPS(responses []survey.Response) NPSMetrics {
	m := NPSMetrics{Total: len(responses)}
	for _, r := range responses {
		switch Category(r.Score) {
		case "promoter":
			m.Promoters++
		case "passive":
			m.Passives++
		default:
			m.Detractors++
		}
	}
	if m.Total == 0 {
		return m
	}
	n := float64(m.Total)
	m.PromoterPct = round(float64(m.Promoters)/n*100, 1)
	m.PassivePct = round(float64(m.Passives)/n*100, 1)
	m.DetractorPct = round(float64(m.Detractors)/n*100, 1)
	m.NPS = round((float64(m.Promoters)-float64(m.Detractors))/n*100, 1)
	return m
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
