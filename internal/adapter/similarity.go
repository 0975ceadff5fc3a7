package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/aipipe/gateway/internal/pricing"
	"github.com/aipipe/gateway/internal/sse"
)

const defaultSimilarityModel = "text-embedding-3-small"

// Similarity is a direct-result adapter: it answers from its own
// computation rather than forwarding a single upstream request.
type Similarity struct{}

func init() {
	Register("similarity", Similarity{})
}

type similarityItem struct {
	asString string
}

func (i *similarityItem) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		i.asString = s
		return nil
	}
	var obj struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("similarity: item must be a string or {value}: %w", err)
	}
	if obj.Value == "" {
		return fmt.Errorf("similarity: object item missing value")
	}
	i.asString = obj.Value
	return nil
}

type similarityRequest struct {
	Docs      []similarityItem `json:"docs"`
	Topics    []similarityItem `json:"topics,omitempty"`
	Model     string           `json:"model,omitempty"`
	Precision int              `json:"precision,omitempty"`
}

// Transform validates the similarity request and performs the full
// embed-and-score computation inline, returning a direct result.
func (Similarity) Transform(ctx context.Context, req Request, env *Env) TransformResult {
	var parsed similarityRequest
	if err := json.Unmarshal(req.Body, &parsed); err != nil {
		return fail(http.StatusBadRequest, "invalid similarity request body: %v", err)
	}
	if len(parsed.Docs) == 0 {
		return fail(http.StatusBadRequest, "docs must be a non-empty array")
	}
	model := parsed.Model
	if model == "" {
		model = defaultSimilarityModel
	}
	precision := parsed.Precision
	if precision <= 0 {
		precision = 5
	}

	docs := toStrings(parsed.Docs)
	hasTopics := len(parsed.Topics) > 0
	topics := docs
	input := docs
	if hasTopics {
		topics = toStrings(parsed.Topics)
		input = append(append([]string{}, docs...), topics...)
	}

	clientConfig := openai.DefaultConfig(env.OpenAIKey)
	if env.OpenAIBaseURL != "" {
		clientConfig.BaseURL = env.OpenAIBaseURL + "/v1"
	}
	client := openai.NewClientWithConfig(clientConfig)
	resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: input,
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return fail(http.StatusInternalServerError, "embeddings call failed: %v", err)
	}

	var docVecs, topicVecs [][]float32
	if hasTopics {
		docVecs = vectorsOf(resp.Data[:len(docs)])
		topicVecs = vectorsOf(resp.Data[len(docs):])
	} else {
		docVecs = vectorsOf(resp.Data)
		topicVecs = docVecs
	}

	matrix := make([][]float64, len(docVecs))
	for i, d := range docVecs {
		row := make([]float64, len(topicVecs))
		for j, t := range topicVecs {
			row[j] = roundTo(cosineSimilarity(d, t), precision)
		}
		matrix[i] = row
	}

	usage := pricing.Usage{PromptTokens: resp.Usage.PromptTokens}
	body, err := json.Marshal(map[string]any{
		"model":      model,
		"similarity": matrix,
		"usage":      map[string]any{"prompt_tokens": usage.PromptTokens},
	})
	if err != nil {
		return fail(http.StatusInternalServerError, "failed to encode similarity response: %v", err)
	}

	return TransformResult{Direct: &DirectResult{Body: body, Model: model, Usage: usage}}
}

// Cost reuses the OpenAI-shape embeddings rate.
func (Similarity) Cost(ctx context.Context, model string, usage pricing.Usage, env *Env) float64 {
	return env.Pricing.OpenAICost(model, usage)
}

// Parse is unused for a direct-result adapter; the gateway pipeline meters
// the DirectResult's Model/Usage fields directly instead of scanning a
// response body or SSE stream.
func (Similarity) Parse(event map[string]any) (sse.Frame, bool) {
	return sse.Frame{}, false
}

func toStrings(items []similarityItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.asString
	}
	return out
}

func vectorsOf(data []openai.Embedding) [][]float32 {
	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func roundTo(v float64, precision int) float64 {
	scale := math.Pow(10, float64(precision))
	return math.Round(v*scale) / scale
}
