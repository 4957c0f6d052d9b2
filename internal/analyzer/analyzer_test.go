package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/fyrsmithlabs/npsd/internal/confidence"
	"github.com/fyrsmithlabs/npsd/internal/survey"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// fakeModel returns a canned completion and records prompts and options.
type fakeModel struct {
	reply   string
	err     error
	prompts []string
	options llms.CallOptions
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, opt := range options {
		opt(&f.options)
	}
	for _, m := range messages {
		for _, p := range m.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				f.prompts = append(f.prompts, tc.Text)
			}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestLLM_InsightsNormalized(t *testing.T) {
	model := &fakeModel{reply: "```json\n" + `{"insights":[
		{"title":"Fast delivery","detail":"d","category":"promoter","confidence":1.4,"magnitude":0.3},
		{"title":"Friendly staff","detail":"d","category":"promoter","confidence":0.6,"magnitude":-1},
		{"title":"Easy returns","detail":"d","category":"promoter","confidence":0.5,"magnitude":0.2},
		{"title":"Good price","detail":"d","category":"promoter","confidence":0.5,"magnitude":0.2}
	]}` + "\n```"}
	l := NewLLMWithModel(model, 0.2, nil)

	raw, err := l.Analyze(context.Background(), unit.PassiveSegment, AnalysisInput{Unit: unit.PassiveSegment, Limit: 3})
	require.NoError(t, err)

	got, err := Decode[Insights](raw)
	require.NoError(t, err)
	require.Len(t, got.Insights, 3)
	assert.Equal(t, 1.0, got.Insights[0].Confidence)
	assert.Equal(t, 0.0, got.Insights[1].Magnitude)
	for _, ins := range got.Insights {
		assert.Equal(t, unit.PassiveSegment, ins.Source)
	}

	require.Len(t, model.prompts, 1)
	assert.Contains(t, model.prompts[0], "passives")
	assert.Contains(t, model.prompts[0], "at most 3 items")
}

func TestLLM_ProseWrappedJSONWithTemperature(t *testing.T) {
	model := &fakeModel{reply: "Here is the analysis you asked for:\n" +
		`{"insights":[{"title":"Slow checkout","detail":"d","category":"detractor","confidence":0.7,"magnitude":0.4}]}` +
		"\nLet me know if you need more."}
	l := NewLLMWithModel(model, 0.3, nil)

	raw, err := l.Analyze(context.Background(), unit.DetractorSegment, AnalysisInput{Unit: unit.DetractorSegment, Limit: 3})
	require.NoError(t, err)
	got, err := Decode[Insights](raw)
	require.NoError(t, err)
	require.Len(t, got.Insights, 1)
	assert.Equal(t, "Slow checkout", got.Insights[0].Title)
	assert.Equal(t, 0.3, model.options.Temperature)
}

func TestLLM_MalformedResponseIsClassification(t *testing.T) {
	l := NewLLMWithModel(&fakeModel{reply: "I cannot help with that"}, 0, nil)
	_, err := l.Analyze(context.Background(), unit.StrategyAdvisor, ConsultingInput{})
	assert.True(t, unit.IsKind(err, unit.KindClassification))
}

func TestLLM_CallErrorIsTransient(t *testing.T) {
	l := NewLLMWithModel(&fakeModel{err: errors.New("503 service unavailable")}, 0, nil)
	_, err := l.Analyze(context.Background(), unit.ThemeClusters, ThemeInput{})
	assert.Equal(t, unit.KindRemoteUnavailable, unit.Classify(err))
}

func TestLLM_Recommendations(t *testing.T) {
	l := NewLLMWithModel(&fakeModel{reply: `{"recommendations":[{"title":"Fix onboarding","detail":"d","confidence":0.8}]}`}, 0, nil)
	raw, err := l.Analyze(context.Background(), unit.RiskAdvisor, ConsultingInput{Unit: unit.RiskAdvisor})
	require.NoError(t, err)

	got, err := Decode[Recommendations](raw)
	require.NoError(t, err)
	assert.Equal(t, unit.RiskAdvisor, got.Unit)
	assert.Equal(t, "Fix onboarding", got.Recommendations[0].Title)
}

func TestNewLLM_RequiresKey(t *testing.T) {
	_, err := NewLLM(LLMConfig{BaseURL: "http://localhost:1", Model: "m"}, nil)
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestPrompt_UnknownUnit(t *testing.T) {
	_, err := Prompt(unit.Coordinator, nil)
	assert.True(t, unit.IsKind(err, unit.KindInvalidInput))
}

func TestRouter(t *testing.T) {
	var calls []unit.ID
	spy := Func(func(ctx context.Context, id unit.ID, input any) (json.RawMessage, error) {
		calls = append(calls, id)
		return json.RawMessage(`{}`), nil
	})

	r := NewRouter(spy).Route(Builtin{}, Builtin{}.Units()...)
	_, err := r.Analyze(context.Background(), unit.Ingest, survey.Dataset{})
	require.NoError(t, err)
	_, err = r.Analyze(context.Background(), unit.TextClustering, nil)
	require.NoError(t, err)
	assert.Equal(t, []unit.ID{unit.TextClustering}, calls)

	_, err = NewRouter(nil).Analyze(context.Background(), unit.TextClustering, nil)
	assert.True(t, unit.IsKind(err, unit.KindInvalidInput))
}

func sampleResponses() []survey.Response {
	return []survey.Response{
		{ID: "1", Score: 10, Comment: "delivery was fast and support friendly", ProductLine: "basic", Region: "north", Channel: "web"},
		{ID: "2", Score: 9, Comment: "fast delivery", ProductLine: "basic", Region: "north", Channel: "web"},
		{ID: "3", Score: 3, Comment: "billing errors and slow support", ProductLine: "pro", Region: "south", Channel: "store"},
		{ID: "4", Score: 2, Comment: "billing was wrong twice", ProductLine: "pro", Region: "south", Channel: "store"},
		{ID: "5", Score: 8, Comment: "support okay", ProductLine: "basic", Region: "south", Channel: "web"},
	}
}

func TestHeuristic_SegmentAndDimension(t *testing.T) {
	h := Heuristic{}
	ctx := context.Background()
	grade := confidence.Assessment{Grade: confidence.High}
	metrics := ComputeNPS(sampleResponses())

	raw, err := h.Analyze(ctx, unit.DetractorSegment, AnalysisInput{
		Unit: unit.DetractorSegment, Responses: sampleResponses(), Metrics: metrics, Confidence: grade, Limit: 3,
	})
	require.NoError(t, err)
	got, err := Decode[Insights](raw)
	require.NoError(t, err)
	require.NotEmpty(t, got.Insights)
	assert.Equal(t, "Detractors mention billing", got.Insights[0].Title)
	assert.Equal(t, "detractor", got.Insights[0].Category)

	raw, err = h.Analyze(ctx, unit.ProductDimension, AnalysisInput{
		Unit: unit.ProductDimension, Focus: "product", Responses: sampleResponses(), Metrics: metrics, Confidence: grade, Limit: 3,
	})
	require.NoError(t, err)
	got, err = Decode[Insights](raw)
	require.NoError(t, err)
	require.Len(t, got.Insights, 2)
	for _, ins := range got.Insights {
		assert.Equal(t, "product", ins.Category)
		assert.Equal(t, unit.ProductDimension, ins.Source)
		assert.LessOrEqual(t, ins.Confidence, 1.0)
	}
}

func TestHeuristic_ExecutiveSummary(t *testing.T) {
	in := ConsultingInput{
		Unit:    unit.ExecutiveSummary,
		Metrics: NPSMetrics{NPS: 20},
		Advice: map[unit.ID]Recommendations{
			unit.RiskAdvisor:     {Recommendations: []Recommendation{{Title: "Mitigate billing"}}},
			unit.StrategyAdvisor: {Recommendations: []Recommendation{{Title: "Prioritize delivery"}}},
		},
		Limit: 7,
	}
	raw, err := Heuristic{}.Analyze(context.Background(), unit.ExecutiveSummary, in)
	require.NoError(t, err)

	got, err := Decode[Recommendations](raw)
	require.NoError(t, err)
	require.Len(t, got.Recommendations, 3)
	assert.Equal(t, "NPS stands at 20.0", got.Recommendations[0].Title)
	assert.Equal(t, "Prioritize delivery", got.Recommendations[1].Title)
	assert.Equal(t, "Mitigate billing", got.Recommendations[2].Title)
}
