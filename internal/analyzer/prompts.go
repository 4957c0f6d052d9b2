package analyzer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/fyrsmithlabs/npsd/internal/unit"
)

const insightSchema = `{"insights":[{"title":string,"detail":string,"category":string,"confidence":0..1,"magnitude":0..1}]}`

const recommendationSchema = `{"recommendations":[{"title":string,"detail":string,"confidence":0..1}]}`

var tasks = map[unit.ID]struct {
	role   string
	task   string
	schema string
}{
	unit.ThemeClusters:    {"customer feedback analyst", "Cluster the comments into recurring themes and label each theme's sentiment.", `{"themes":[{"name":string,"count":int,"sentiment":string,"examples":[string]}]}`},
	unit.PromoterSegment:  {"customer loyalty analyst", "Explain what promoters (scores 9-10) value most.", insightSchema},
	unit.PassiveSegment:   {"customer loyalty analyst", "Explain what keeps passives (scores 7-8) from recommending.", insightSchema},
	unit.DetractorSegment: {"customer loyalty analyst", "Identify the root causes of detractor (scores 0-6) dissatisfaction.", insightSchema},
	unit.TextClustering:   {"text analytics specialist", "Find the most significant topics across all comments.", insightSchema},
	unit.DriverAnalysis:   {"statistician", "Identify the factors that most move NPS up or down.", insightSchema},
	unit.ProductDimension: {"product analyst", "Compare NPS and feedback across product lines.", insightSchema},
	unit.RegionDimension:  {"market analyst", "Compare NPS and feedback across regions.", insightSchema},
	unit.ChannelDimension: {"channel analyst", "Compare NPS and feedback across purchase and service channels.", insightSchema},
	unit.StrategyAdvisor:  {"strategy consultant", "Recommend strategic priorities grounded in the insights.", recommendationSchema},
	unit.ProductAdvisor:   {"product strategist", "Recommend product and roadmap changes grounded in the insights.", recommendationSchema},
	unit.MarketingAdvisor: {"marketing strategist", "Recommend marketing and advocacy actions grounded in the insights.", recommendationSchema},
	unit.RiskAdvisor:      {"risk manager", "Identify churn and reputation risks and how to mitigate them.", recommendationSchema},
	unit.ExecutiveSummary: {"executive advisor", "Synthesize the metrics and the advisors' recommendations into an executive summary of prioritized actions.", recommendationSchema},
}

var promptTemplate = template.Must(template.New("prompt").Parse(`You are a {{.Role}} working on a Net Promoter Score survey.

Task: {{.Task}}
Return at most {{.Limit}} items.
Respond with a single JSON object matching this shape and nothing else:
{{.Schema}}

Input:
{{.Input}}
`))

// Prompt renders the model prompt for a unit.
func Prompt(id unit.ID, input any) (string, error) {
	t, ok := tasks[id]
	if !ok {
		return "", unit.InvalidInput("no prompt for unit %s", id)
	}
	data, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", unit.Permanent(unit.KindInvalidInput, fmt.Errorf("encode input: %w", err))
	}

	var buf bytes.Buffer
	err = promptTemplate.Execute(&buf, map[string]any{
		"Role":   t.role,
		"Task":   t.task,
		"Limit":  Limit(id),
		"Schema": t.schema,
		"Input":  string(data),
	})
	if err != nil {
		return "", unit.Permanent(unit.KindInternal, err)
	}
	return buf.String(), nil
}
