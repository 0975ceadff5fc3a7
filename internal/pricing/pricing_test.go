package pricing

import "testing"

func TestLoadHasKnownModels(t *testing.T) {
	tbl, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !tbl.HasOpenAIModel("gpt-4o-mini") {
		t.Error("expected gpt-4o-mini in OpenAI table")
	}
	if !tbl.HasGeminiModel("gemini-2.0-flash") {
		t.Error("expected gemini-2.0-flash in Gemini table")
	}
	if tbl.HasOpenAIModel("no-such-model") {
		t.Error("unexpected model present")
	}
}

func TestOpenAICostWeightsModalities(t *testing.T) {
	tbl, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cost := tbl.OpenAICost("gpt-4o-mini", Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000})
	want := 0.15 + 0.6
	if cost != want {
		t.Errorf("cost = %v, want %v", cost, want)
	}
}

func TestCostForUnknownModelIsZero(t *testing.T) {
	tbl, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c := tbl.OpenAICost("ghost-model", Usage{PromptTokens: 1000}); c != 0 {
		t.Errorf("cost for unknown model = %v, want 0", c)
	}
}

func TestAudioModalityAddsCost(t *testing.T) {
	tbl, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	textOnly := tbl.OpenAICost("gpt-4o-audio-preview", Usage{PromptTokens: 1000})
	withAudioIn := tbl.OpenAICost("gpt-4o-audio-preview", Usage{PromptTokens: 1000, AudioInputTokens: 1000})
	if withAudioIn <= textOnly {
		t.Errorf("audio input did not add cost: textOnly=%v withAudioIn=%v", textOnly, withAudioIn)
	}
	withAudioOut := tbl.OpenAICost("gpt-4o-audio-preview", Usage{PromptTokens: 1000, AudioOutputTokens: 1000})
	if withAudioOut <= textOnly {
		t.Errorf("audio output did not add cost: textOnly=%v withAudioOut=%v", textOnly, withAudioOut)
	}
	// gpt-4o-audio-preview: $40/M audio in, $80/M audio out.
	if want := textOnly + 1000*80.0/1e6; withAudioOut != want {
		t.Errorf("withAudioOut = %v, want %v", withAudioOut, want)
	}
}
