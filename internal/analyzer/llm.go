package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/npsd/internal/logging"
	"github.com/fyrsmithlabs/npsd/internal/unit"
)

// LLMConfig configures an OpenAI-compatible model.
type LLMConfig struct {
	// BaseURL is the API endpoint.
	// For OpenAI: https://api.openai.com/v1
	BaseURL string

	// Model is the chat model name, e.g. "gpt-4o-mini".
	Model string

	// APIKey authenticates against BaseURL.
	APIKey string

	Temperature float64

	// CallTimeout bounds a single completion. Zero leaves the attempt
	// timeout in charge.
	CallTimeout time.Duration
}

// ErrNoAPIKey is returned by NewLLM when the endpoint requires a key.
var ErrNoAPIKey = errors.New("llm api key is required")

// LLM asks a chat model for each unit's JSON output.
type LLM struct {
	model       llms.Model
	temperature float64
	timeout     time.Duration
	logger      *logging.Logger
}

// NewLLM creates an LLM analyzer backed by langchaingo's OpenAI client.
func NewLLM(cfg LLMConfig, logger *logging.Logger) (*LLM, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	model, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	l := NewLLMWithModel(model, cfg.Temperature, logger)
	l.timeout = cfg.CallTimeout
	return l, nil
}

// NewLLMWithModel wraps an existing langchaingo model.
func NewLLMWithModel(model llms.Model, temperature float64, logger *logging.Logger) *LLM {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LLM{model: model, temperature: temperature, logger: logger}
}

func (l *LLM) Analyze(ctx context.Context, id unit.ID, input any) (json.RawMessage, error) {
	prompt, err := Prompt(id, input)
	if err != nil {
		return nil, err
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := llms.GenerateFromSinglePrompt(ctx, l.model, prompt,
		llms.WithTemperature(l.temperature),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unit.Transient(fmt.Errorf("llm call: %w", err))
	}
	l.logger.Debug(ctx, "llm call completed",
		zap.Duration("duration", time.Since(start)),
		zap.Int("response_bytes", len(text)),
	)

	return normalize(id, extractJSON(text))
}

// extractJSON strips markdown fences and surrounding prose.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		return text[i : j+1]
	}
	return text
}

// normalize decodes the model output into the unit's typed shape and
// enforces the unit's limit and value ranges.
func normalize(id unit.ID, text string) (json.RawMessage, error) {
	raw := json.RawMessage(text)
	limit := Limit(id)

	switch {
	case id == unit.ThemeClusters:
		v, err := Decode[Themes](raw)
		if err != nil {
			return nil, err
		}
		return marshal(v)

	case id >= unit.PromoterSegment && id <= unit.ChannelDimension:
		v, err := Decode[Insights](raw)
		if err != nil {
			return nil, err
		}
		v.Insights = truncate(v.Insights, limit)
		for i := range v.Insights {
			v.Insights[i].Source = id
			v.Insights[i].Confidence = clamp(v.Insights[i].Confidence)
			v.Insights[i].Magnitude = clamp(v.Insights[i].Magnitude)
		}
		return marshal(v)

	case id >= unit.StrategyAdvisor && id <= unit.ExecutiveSummary:
		v, err := Decode[Recommendations](raw)
		if err != nil {
			return nil, err
		}
		v.Unit = id
		v.Recommendations = truncate(v.Recommendations, limit)
		for i := range v.Recommendations {
			v.Recommendations[i].Confidence = clamp(v.Recommendations[i].Confidence)
		}
		return marshal(v)
	}
	return nil, unit.InvalidInput("llm analyzer does not serve unit %s", id)
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
