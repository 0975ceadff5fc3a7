package adapter

import (
	"context"

	"github.com/aipipe/gateway/internal/pricing"
	"github.com/aipipe/gateway/internal/sse"
)

const openRouterBaseURL = "https://openrouter.ai/api"

// OpenRouter implements the OpenRouter-shape adapter. Pricing comes from
// the live model directory rather than a static table.
type OpenRouter struct{}

func init() {
	Register("openrouter", OpenRouter{})
}

// Transform sets auth and, for identity-token callers only, attribution
// headers OpenRouter uses for its public leaderboard.
func (OpenRouter) Transform(ctx context.Context, req Request, env *Env) TransformResult {
	header := FilteredHeader(req.Header)

	if req.Native {
		header.Set("Authorization", "Bearer "+bearerValue(req.Header))
	} else {
		header.Set("Authorization", "Bearer "+env.OpenRouterKey)
		header.Set("HTTP-Referer", "https://aipipe.gateway")
		header.Set("X-Title", "AIPipe Gateway")
	}

	base := env.OpenRouterBaseURL
	if base == "" {
		base = openRouterBaseURL
	}
	return TransformResult{Proxy: &ProxySpec{
		URL:    base + "/" + req.Path,
		Header: header,
		Body:   req.Body,
	}}
}

// Cost looks up model's live per-token rates in the directory and sums the
// weighted usage sub-counters plus the flat per-request rate.
func (OpenRouter) Cost(ctx context.Context, model string, usage pricing.Usage, env *Env) float64 {
	entry, ok, err := env.Directory.Lookup(ctx, model)
	if err != nil || !ok {
		return 0
	}
	r := entry.Rates
	return float64(usage.PromptTokens)*r.Prompt +
		float64(usage.CompletionTokens)*r.Completion +
		float64(usage.ReasoningTokens)*r.InternalReasoning +
		float64(usage.ImageTokens)*r.Image +
		r.Request
}

// Parse reads canonical OpenAI-style usage field names, augmented with the
// OpenRouter-specific reasoning/image sub-counters.
func (OpenRouter) Parse(event map[string]any) (sse.Frame, bool) {
	frame := sse.Frame{}
	if m, ok := event["model"].(string); ok {
		frame.Model = m
	}
	u, ok := event["usage"].(map[string]any)
	if !ok {
		return frame, frame.Model != ""
	}
	out := usageFromOpenAIObject(u)
	if details, ok := u["completion_tokens_details"].(map[string]any); ok {
		if v, ok := details["image_tokens"].(float64); ok {
			out.ImageTokens = int(v)
		}
	}
	frame.Usage, frame.HasUsage = out, true
	return frame, true
}
