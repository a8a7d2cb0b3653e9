package anyllm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/maestro/pkg/stage"
)

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		model    string
	}{
		{"empty provider", "", "m"},
		{"empty model", "openai", ""},
		{"unsupported provider", "fakecloud", "m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.provider, tt.model, []anyllmlib.Option{anyllmlib.WithAPIKey("dummy")}); err == nil {
				t.Errorf("New(%q, %q) succeeded", tt.provider, tt.model)
			}
		})
	}
}

func TestNew_ProviderNameIsCaseInsensitive(t *testing.T) {
	g, err := New("OpenAI", "gpt-4o-mini", []anyllmlib.Option{anyllmlib.WithAPIKey("dummy")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.Provider() != "openai" {
		t.Errorf("Provider() = %q", g.Provider())
	}
}

func TestBuildParams(t *testing.T) {
	g, err := New("openai", "gpt-4o-mini", []anyllmlib.Option{anyllmlib.WithAPIKey("dummy")})
	if err != nil {
		t.Fatal(err)
	}
	p := g.buildParams(stage.GenerateRequest{Prompt: "quanto rendeu?", Sampling: stage.DefaultSampling()})

	if p.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", p.Model)
	}
	if len(p.Messages) != 2 || p.Messages[0].Role != anyllmlib.RoleSystem || p.Messages[1].ContentString() != "quanto rendeu?" {
		t.Errorf("messages = %+v", p.Messages)
	}
	if p.Temperature == nil || *p.Temperature != 0.7 {
		t.Errorf("temperature = %v", p.Temperature)
	}
	if p.TopP == nil || *p.TopP != 0.9 {
		t.Errorf("top_p = %v", p.TopP)
	}
	if p.MaxTokens == nil || *p.MaxTokens != 256 {
		t.Errorf("max_tokens = %v", p.MaxTokens)
	}
}

func TestBuildParams_ZeroTemperatureIsSent(t *testing.T) {
	g, _ := New("openai", "m", []anyllmlib.Option{anyllmlib.WithAPIKey("dummy")}, WithSystemPrompt(""))
	p := g.buildParams(stage.GenerateRequest{Prompt: "oi", Sampling: stage.Sampling{}})
	if p.Temperature == nil || *p.Temperature != 0 {
		t.Errorf("temperature = %v, want explicit 0", p.Temperature)
	}
	if p.MaxTokens != nil || p.TopP != nil {
		t.Errorf("unset sampling leaked: max_tokens=%v top_p=%v", p.MaxTokens, p.TopP)
	}
	if len(p.Messages) != 1 {
		t.Errorf("messages = %d, want user only", len(p.Messages))
	}
}

func TestGenerate_OpenAICompatibleServer(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Seu investimento rendeu R$120,50."}}]}`)
	}))
	defer srv.Close()

	g, err := New("openai", "m", []anyllmlib.Option{anyllmlib.WithAPIKey("dummy"), anyllmlib.WithBaseURL(srv.URL + "/v1")})
	if err != nil {
		t.Fatal(err)
	}
	text, err := g.Generate(context.Background(), stage.GenerateRequest{Prompt: "oi", Sampling: stage.DefaultSampling()})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Seu investimento rendeu R$120,50." {
		t.Errorf("text = %q", text)
	}
	if got["model"] != "m" {
		t.Errorf("model sent = %v", got["model"])
	}
}
