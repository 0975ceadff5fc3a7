// Package pricing loads the static, opaque pricing table used by the
// OpenAI-shape and Gemini-shape adapters and computes dollar costs from
// usage counters. OpenRouter pricing is handled separately (its rates are
// live, not embedded) by internal/adapter/openrouterdir.
package pricing

import (
	"embed"
	"encoding/json"
	"fmt"
)

//go:embed data/openai.json data/gemini.json
var dataFS embed.FS

// Rates holds per-model per-million-token rates. Not every model uses
// every field; audio rates are zero for text-only models.
type Rates struct {
	InputPerMillion       float64 `json:"input_per_million"`
	OutputPerMillion      float64 `json:"output_per_million"`
	AudioInputPerMillion  float64 `json:"audio_input_per_million,omitempty"`
	AudioOutputPerMillion float64 `json:"audio_output_per_million,omitempty"`
}

// Usage is the canonical usage shape every adapter's parse step produces.
// OpenRouter-specific sub-counters are carried here too, since the splitter
// and gateway pipeline are shape-agnostic; OpenAI/Gemini cost calculators
// simply ignore the fields they have no rate for.
type Usage struct {
	PromptTokens      int `json:"prompt_tokens"`
	CompletionTokens  int `json:"completion_tokens"`
	AudioInputTokens  int `json:"audio_input_tokens,omitempty"`
	AudioOutputTokens int `json:"audio_output_tokens,omitempty"`
	ReasoningTokens   int `json:"reasoning_tokens,omitempty"`
	ImageTokens       int `json:"image_tokens,omitempty"`
}

// Table is the loaded, read-only pricing table for both static shapes.
type Table struct {
	openAI map[string]Rates
	gemini map[string]Rates
}

// Load decodes the embedded pricing assets. It never touches the
// filesystem at runtime: the table is opaque and fixed for the life of
// the process, per the no-live-refresh contract.
func Load() (*Table, error) {
	t := &Table{}
	if err := loadInto(&t.openAI, "data/openai.json"); err != nil {
		return nil, err
	}
	if err := loadInto(&t.gemini, "data/gemini.json"); err != nil {
		return nil, err
	}
	return t, nil
}

func loadInto(dst *map[string]Rates, name string) error {
	b, err := dataFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("pricing: read %s: %w", name, err)
	}
	var m map[string]Rates
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("pricing: decode %s: %w", name, err)
	}
	*dst = m
	return nil
}

// HasOpenAIModel reports whether model appears in the OpenAI-shape table.
func (t *Table) HasOpenAIModel(model string) bool {
	_, ok := t.openAI[model]
	return ok
}

// HasGeminiModel reports whether model appears in the Gemini-shape table.
func (t *Table) HasGeminiModel(model string) bool {
	_, ok := t.gemini[model]
	return ok
}

// OpenAICost computes dollar cost for usage against model's OpenAI-shape
// rates. Missing usage fields cost zero; a missing model costs zero (the
// pipeline's pricing gate is responsible for rejecting unpriced models
// before this is ever called on an identity-token request).
func (t *Table) OpenAICost(model string, u Usage) float64 {
	return rateCost(t.openAI[model], u)
}

// GeminiCost computes dollar cost for usage against model's Gemini-shape
// rates, which share the OpenAI-shape rate structure per the data model.
func (t *Table) GeminiCost(model string, u Usage) float64 {
	return rateCost(t.gemini[model], u)
}

func rateCost(r Rates, u Usage) float64 {
	const million = 1_000_000.0
	cost := float64(u.PromptTokens)*r.InputPerMillion/million +
		float64(u.CompletionTokens)*r.OutputPerMillion/million
	if u.AudioInputTokens > 0 {
		cost += float64(u.AudioInputTokens) * r.AudioInputPerMillion / million
	}
	if u.AudioOutputTokens > 0 {
		cost += float64(u.AudioOutputTokens) * r.AudioOutputPerMillion / million
	}
	return cost
}
