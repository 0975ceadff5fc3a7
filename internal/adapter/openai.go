package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aipipe/gateway/internal/pricing"
	"github.com/aipipe/gateway/internal/sse"
	"github.com/aipipe/gateway/internal/token"
)

const openAIBaseURL = "https://api.openai.com"

// OpenAI implements the OpenAI-shape adapter: chat completions, audio, and
// embeddings endpoints that all share OpenAI's usage/pricing conventions.
type OpenAI struct{}

func init() {
	Register("openai", OpenAI{})
}

type openAIChatBody struct {
	Model      string `json:"model"`
	Stream     bool   `json:"stream"`
	StreamOpts *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

// Transform rewrites auth and, for streaming chat completions, forces
// usage to be emitted in the SSE stream.
func (OpenAI) Transform(ctx context.Context, req Request, env *Env) TransformResult {
	header := FilteredHeader(req.Header)
	body := req.Body

	if !req.Native && req.Method == http.MethodPost {
		var parsed openAIChatBody
		if len(body) > 0 && json.Valid(body) {
			_ = json.Unmarshal(body, &parsed)
			if parsed.Model != "" && !env.Pricing.HasOpenAIModel(parsed.Model) {
				return fail(http.StatusBadRequest, "Model %s pricing unknown", parsed.Model)
			}
			if parsed.Stream && strings.HasSuffix(stripQuery(req.Path), "/chat/completions") {
				body = withStreamUsage(body)
			}
		}
	}

	if req.Native {
		header.Set("Authorization", "Bearer "+bearerValue(req.Header))
	} else {
		header.Set("Authorization", "Bearer "+env.OpenAIKey)
	}

	base := env.OpenAIBaseURL
	if base == "" {
		base = openAIBaseURL
	}
	return TransformResult{Proxy: &ProxySpec{
		URL:    base + "/" + req.Path,
		Header: header,
		Body:   body,
	}}
}

func withStreamUsage(body []byte) []byte {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return body
	}
	opts, _ := m["stream_options"].(map[string]any)
	if opts == nil {
		opts = map[string]any{}
	}
	opts["include_usage"] = true
	m["stream_options"] = opts
	out, err := json.Marshal(m)
	if err != nil {
		return body
	}
	return out
}

// Cost sums modality-weighted rates over usage for model.
func (OpenAI) Cost(ctx context.Context, model string, usage pricing.Usage, env *Env) float64 {
	return env.Pricing.OpenAICost(model, usage)
}

// Parse unwraps an optional outer {response: ...} envelope and canonicalises
// nothing further: OpenAI's own field names are already canonical.
func (OpenAI) Parse(event map[string]any) (sse.Frame, bool) {
	if inner, ok := event["response"].(map[string]any); ok {
		event = inner
	}
	frame := sse.Frame{}
	if m, ok := event["model"].(string); ok {
		frame.Model = m
	}
	u, ok := event["usage"].(map[string]any)
	if !ok {
		return frame, frame.Model != ""
	}
	frame.Usage, frame.HasUsage = usageFromOpenAIObject(u), true
	return frame, true
}

func usageFromOpenAIObject(u map[string]any) pricing.Usage {
	var out pricing.Usage
	if v, ok := u["prompt_tokens"].(float64); ok {
		out.PromptTokens = int(v)
	}
	if v, ok := u["completion_tokens"].(float64); ok {
		out.CompletionTokens = int(v)
	}
	if details, ok := u["completion_tokens_details"].(map[string]any); ok {
		if v, ok := details["reasoning_tokens"].(float64); ok {
			out.ReasoningTokens = int(v)
		}
		if v, ok := details["audio_tokens"].(float64); ok {
			out.AudioOutputTokens = int(v)
		}
	}
	if details, ok := u["prompt_tokens_details"].(map[string]any); ok {
		if v, ok := details["audio_tokens"].(float64); ok {
			out.AudioInputTokens = int(v)
		}
	}
	return out
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func bearerValue(h http.Header) string {
	return token.BearerToken(h)
}
