package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aipipe/gateway/internal/pricing"
)

func testEnv(t *testing.T) *Env {
	t.Helper()
	tbl, err := pricing.Load()
	if err != nil {
		t.Fatalf("pricing.Load: %v", err)
	}
	return &Env{
		OpenAIKey:     "server-key",
		OpenRouterKey: "server-or-key",
		GeminiKey:     "server-gemini-key",
		Pricing:       tbl,
		HTTPClient:    http.DefaultClient,
	}
}

func TestOpenAITransformRejectsUnknownModel(t *testing.T) {
	env := testEnv(t)
	body := []byte(`{"model":"ghost-model","messages":[]}`)
	result := OpenAI{}.Transform(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "v1/chat/completions",
		Header: http.Header{},
		Body:   body,
	}, env)
	if result.Err == nil || result.Err.Code != http.StatusBadRequest {
		t.Fatalf("Transform with unknown model = %+v, want 400 error", result)
	}
}

func TestOpenAITransformSetsStreamUsageOption(t *testing.T) {
	env := testEnv(t)
	body := []byte(`{"model":"gpt-4o-mini","stream":true,"messages":[]}`)
	result := OpenAI{}.Transform(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "v1/chat/completions",
		Header: http.Header{},
		Body:   body,
	}, env)
	if result.Proxy == nil {
		t.Fatalf("Transform = %+v, want a proxy spec", result)
	}
	if !strings.Contains(string(result.Proxy.Body), `"include_usage":true`) {
		t.Errorf("rewritten body = %s, want stream_options.include_usage true", result.Proxy.Body)
	}
}

func TestOpenAITransformUsesServerKeyForIdentityRequests(t *testing.T) {
	env := testEnv(t)
	result := OpenAI{}.Transform(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "v1/embeddings",
		Header: http.Header{},
		Body:   []byte(`{"model":"text-embedding-3-small","input":"hi"}`),
	}, env)
	if result.Proxy == nil {
		t.Fatal("expected proxy spec")
	}
	if got := result.Proxy.Header.Get("Authorization"); got != "Bearer server-key" {
		t.Errorf("Authorization = %q, want Bearer server-key", got)
	}
}

func TestOpenAITransformPassesThroughNativeKey(t *testing.T) {
	env := testEnv(t)
	h := http.Header{}
	h.Set("Authorization", "Bearer sk-nativekey")
	result := OpenAI{}.Transform(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "v1/chat/completions",
		Header: h,
		Body:   []byte(`{"model":"anything","messages":[]}`),
		Native: true,
	}, env)
	if result.Proxy == nil {
		t.Fatal("expected proxy spec")
	}
	if got := result.Proxy.Header.Get("Authorization"); got != "Bearer sk-nativekey" {
		t.Errorf("Authorization = %q, want native key preserved", got)
	}
}

func TestOpenAIParseUnwrapsResponseEnvelope(t *testing.T) {
	event := map[string]any{
		"response": map[string]any{
			"model": "gpt-4o-mini",
			"usage": map[string]any{"prompt_tokens": 5.0, "completion_tokens": 2.0},
		},
	}
	frame, ok := OpenAI{}.Parse(event)
	if !ok {
		t.Fatal("Parse ok = false")
	}
	if frame.Model != "gpt-4o-mini" || frame.Usage.PromptTokens != 5 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestOpenAIParseReadsAudioSubCounters(t *testing.T) {
	event := map[string]any{
		"model": "gpt-4o-audio-preview",
		"usage": map[string]any{
			"prompt_tokens":             100.0,
			"completion_tokens":         50.0,
			"prompt_tokens_details":     map[string]any{"audio_tokens": 40.0},
			"completion_tokens_details": map[string]any{"audio_tokens": 30.0},
		},
	}
	frame, ok := OpenAI{}.Parse(event)
	if !ok {
		t.Fatal("Parse ok = false")
	}
	if frame.Usage.AudioInputTokens != 40 {
		t.Errorf("AudioInputTokens = %d, want 40", frame.Usage.AudioInputTokens)
	}
	if frame.Usage.AudioOutputTokens != 30 {
		t.Errorf("AudioOutputTokens = %d, want 30", frame.Usage.AudioOutputTokens)
	}
}

func TestOpenRouterTransformAddsAttributionForIdentityOnly(t *testing.T) {
	env := testEnv(t)
	identity := OpenRouter{}.Transform(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "v1/chat/completions",
		Header: http.Header{},
		Body:   []byte(`{}`),
	}, env)
	if identity.Proxy.Header.Get("HTTP-Referer") == "" {
		t.Error("identity request missing attribution header")
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer sk-or-nativekey")
	native := OpenRouter{}.Transform(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "v1/chat/completions",
		Header: h,
		Body:   []byte(`{}`),
		Native: true,
	}, env)
	if native.Proxy.Header.Get("HTTP-Referer") != "" {
		t.Error("native request must not carry attribution header")
	}
	if got := native.Proxy.Header.Get("Authorization"); got != "Bearer sk-or-nativekey" {
		t.Errorf("Authorization = %q, want native key preserved", got)
	}
}

func TestGeminiTransformRewritesAuthHeader(t *testing.T) {
	env := testEnv(t)
	h := http.Header{}
	h.Set("Authorization", "Bearer ignored")
	result := Gemini{}.Transform(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "v1beta/models/gemini-2.0-flash:generateContent",
		Header: h,
		Body:   []byte(`{}`),
	}, env)
	if result.Proxy == nil {
		t.Fatal("expected proxy spec")
	}
	if got := result.Proxy.Header.Get("x-goog-api-key"); got != "server-gemini-key" {
		t.Errorf("x-goog-api-key = %q", got)
	}
	if got := result.Proxy.Header.Get("Authorization"); got != "" {
		t.Errorf("Authorization = %q, want empty after rewrite", got)
	}
}

func TestGeminiTransformRejectsUnpricedModel(t *testing.T) {
	env := testEnv(t)
	result := Gemini{}.Transform(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "v1beta/models/ghost-model:generateContent",
		Header: http.Header{},
		Body:   []byte(`{}`),
	}, env)
	if result.Err == nil || result.Err.Code != http.StatusBadRequest {
		t.Fatalf("Transform with unpriced model = %+v, want 400", result)
	}
}

func TestGeminiParseTranslatesFieldNames(t *testing.T) {
	event := map[string]any{
		"modelVersion": "gemini-2.0-flash",
		"usageMetadata": map[string]any{
			"promptTokenCount":     3.0,
			"candidatesTokenCount": 4.0,
		},
	}
	frame, ok := Gemini{}.Parse(event)
	if !ok {
		t.Fatal("Parse ok = false")
	}
	if frame.Model != "gemini-2.0-flash" || frame.Usage.PromptTokens != 3 || frame.Usage.CompletionTokens != 4 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestSimilarityTransformComputesMatrix(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float32{1, 0}},
				{"object": "embedding", "index": 1, "embedding": []float32{0, 1}},
			},
			"usage": map[string]any{"prompt_tokens": 10, "total_tokens": 10},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	env := testEnv(t)
	env.OpenAIBaseURL = server.URL

	body := []byte(`{"docs":["a","b"]}`)
	result := Similarity{}.Transform(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "similarity",
		Header: http.Header{},
		Body:   body,
	}, env)
	if result.Direct == nil {
		t.Fatalf("Transform = %+v, want direct result", result)
	}
	var decoded struct {
		Similarity [][]float64 `json:"similarity"`
	}
	if err := json.Unmarshal(result.Direct.Body, &decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.Similarity[0][0] != 1 || decoded.Similarity[0][1] != 0 {
		t.Errorf("similarity matrix = %+v, want orthogonal vectors scored [1,0]", decoded.Similarity)
	}
}

func TestSimilarityTransformRejectsEmptyDocs(t *testing.T) {
	env := testEnv(t)
	result := Similarity{}.Transform(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "similarity",
		Header: http.Header{},
		Body:   []byte(`{"docs":[]}`),
	}, env)
	if result.Err == nil || result.Err.Code != http.StatusBadRequest {
		t.Fatalf("Transform with empty docs = %+v, want 400", result)
	}
}

func TestCosineSimilarityOrthogonalIsZero(t *testing.T) {
	got := cosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if got != 0 {
		t.Errorf("cosineSimilarity = %v, want 0", got)
	}
}
