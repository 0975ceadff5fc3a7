package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/aipipe/gateway/internal/pricing"
	"github.com/aipipe/gateway/internal/sse"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com"

var geminiModelPathRE = regexp.MustCompile(`models/([^:/]+):`)

// Gemini implements the Gemini-shape adapter.
type Gemini struct{}

func init() {
	Register("gemini", Gemini{})
}

// Transform rewrites bearer auth to Gemini's x-goog-api-key header and
// enforces the pricing gate for identity-token callers.
func (Gemini) Transform(ctx context.Context, req Request, env *Env) TransformResult {
	header := FilteredHeader(req.Header)
	key := env.GeminiKey
	if req.Native {
		key = bearerValue(req.Header)
	}
	header.Del("Authorization")
	header.Set("x-goog-api-key", key)

	if !req.Native {
		model := geminiModelFromPath(req.Path)
		if model == "" {
			model = geminiModelFromBody(req.Body)
		}
		if model != "" && !env.Pricing.HasGeminiModel(model) {
			return fail(http.StatusBadRequest, "Model %s pricing unknown", model)
		}
	}

	base := env.GeminiBaseURL
	if base == "" {
		base = geminiBaseURL
	}
	spec := &ProxySpec{
		URL:    base + "/" + req.Path,
		Header: header,
		Body:   req.Body,
	}

	if !req.Native && strings.Contains(req.Path, ":embedContent") {
		model := geminiModelFromPath(req.Path)
		body := req.Body
		client := env.HTTPClient
		spec.UsageFallback = func(ctx context.Context) (string, pricing.Usage, error) {
			usage, err := CountTokens(ctx, client, base, key, model, body)
			return model, usage, err
		}
	}
	return TransformResult{Proxy: spec}
}

func geminiModelFromPath(path string) string {
	m := geminiModelPathRE.FindStringSubmatch(path)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}

func geminiModelFromBody(body []byte) string {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return ""
	}
	model, _ := m["model"].(string)
	return model
}

// Cost shares the OpenAI-shape rate structure. When the usage passed in
// carries no prompt tokens (the upstream omitted usage, as embedContent
// does on some API versions), callers are expected to have already
// resolved it via CountTokens before reaching here.
func (Gemini) Cost(ctx context.Context, model string, usage pricing.Usage, env *Env) float64 {
	return env.Pricing.GeminiCost(model, usage)
}

// Parse translates Gemini's usageMetadata field names into the canonical
// shape.
func (Gemini) Parse(event map[string]any) (sse.Frame, bool) {
	frame := sse.Frame{}
	if m, ok := event["modelVersion"].(string); ok {
		frame.Model = m
	} else if m, ok := event["model"].(string); ok {
		frame.Model = m
	}
	meta, ok := event["usageMetadata"].(map[string]any)
	if !ok {
		return frame, frame.Model != ""
	}
	var out pricing.Usage
	if v, ok := meta["promptTokenCount"].(float64); ok {
		out.PromptTokens = int(v)
	}
	if v, ok := meta["candidatesTokenCount"].(float64); ok {
		out.CompletionTokens = int(v)
	} else if v, ok := meta["tokenCount"].(float64); ok {
		out.CompletionTokens = int(v)
	}
	frame.Usage, frame.HasUsage = out, true
	return frame, true
}

// CountTokens issues the side-call Gemini's embedContent path needs when
// the primary response carried no usage: POST the same content to
// :countTokens and charge on the returned totalTokens as prompt tokens.
func CountTokens(ctx context.Context, client *http.Client, baseURL, apiKey, model string, content []byte) (pricing.Usage, error) {
	if client == nil {
		client = http.DefaultClient
	}
	url := baseURL + "/v1beta/models/" + model + ":countTokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(content))
	if err != nil {
		return pricing.Usage{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return pricing.Usage{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pricing.Usage{}, err
	}
	var parsed struct {
		TotalTokens int `json:"totalTokens"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return pricing.Usage{}, err
	}
	return pricing.Usage{PromptTokens: parsed.TotalTokens}, nil
}
