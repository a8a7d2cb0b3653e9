package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/maestro/internal/pipeline"
	"github.com/MrWong99/maestro/internal/stagecache"
	"github.com/MrWong99/maestro/internal/transport/rest"
	"github.com/MrWong99/maestro/internal/transport/wsapi"
	"github.com/MrWong99/maestro/pkg/stage"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigCheck_Valid(t *testing.T) {
	path := writeFile(t, "maestro.yaml", `
stages:
  generate:
    transport: openai
    model: gpt-4o-mini
    fallbacks:
      - transport: rest
        address: http://llm-backup:8000/generate
`)
	out, err := execute(t, "--config", path, "config", "check")
	if err != nil {
		t.Fatalf("config check: %v", err)
	}
	for _, want := range []string{"configuration OK", "openai / gpt-4o-mini (+1)", "Transcribe"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCheck_Invalid(t *testing.T) {
	path := writeFile(t, "maestro.yaml", "pipeline:\n  max_concurrency: -1\n")
	if _, err := execute(t, "--config", path, "config", "check"); err == nil {
		t.Fatal("config check accepted a negative max_concurrency")
	}
}

func TestConfigPrint_RedactsKeys(t *testing.T) {
	path := writeFile(t, "maestro.yaml", `
stages:
  generate:
    transport: openai
    model: gpt-4o-mini
    api_key: sk-secret
`)
	out, err := execute(t, "--config", path, "config", "print")
	if err != nil {
		t.Fatalf("config print: %v", err)
	}
	if strings.Contains(out, "sk-secret") {
		t.Errorf("api key leaked:\n%s", out)
	}
	if !strings.Contains(out, "max_concurrency: 50") {
		t.Errorf("defaults not applied:\n%s", out)
	}
}

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	runner := pipeline.RunnerFunc(func(_ context.Context, req pipeline.AssistRequest) (*pipeline.AssistResult, error) {
		if len(req.Audio) == 0 {
			return nil, stage.Invalid(stage.Transcribe, "empty audio")
		}
		return &pipeline.AssistResult{
			RequestID:  "req-1",
			Audio:      []byte("RIFF-reply"),
			Transcript: "oi",
			Reply:      "olá",
			Cache: map[stage.Name]stagecache.Outcome{
				stage.Transcribe: stagecache.Miss,
				stage.Generate:   stagecache.Miss,
				stage.Synthesize: stagecache.Hit,
			},
		}, nil
	})
	mux := http.NewServeMux()
	rest.NewHandler(runner).Register(mux)
	wsapi.NewHandler(runner).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAssist_Transports(t *testing.T) {
	srv := fakeServer(t)
	in := writeFile(t, "question.wav", "RIFF-question")

	for _, transport := range []string{"rest", "websocket"} {
		t.Run(transport, func(t *testing.T) {
			outPath := filepath.Join(t.TempDir(), "reply.wav")
			out, err := execute(t, "assist", in, "--transport", transport, "--server", srv.URL, "--out", outPath)
			if err != nil {
				t.Fatalf("assist: %v", err)
			}
			got, err := os.ReadFile(outPath)
			if err != nil {
				t.Fatalf("read reply: %v", err)
			}
			if string(got) != "RIFF-reply" {
				t.Errorf("reply = %q", got)
			}
			if !strings.Contains(out, "synthesize=hit") {
				t.Errorf("output missing cache summary:\n%s", out)
			}
		})
	}
}

func TestAssist_ServerError(t *testing.T) {
	srv := fakeServer(t)
	in := writeFile(t, "empty.wav", "")
	_, err := execute(t, "assist", in, "--server", srv.URL, "--out", filepath.Join(t.TempDir(), "x.wav"))
	if err == nil {
		t.Fatal("assist with empty audio should fail")
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error = %v, want the 400 status", err)
	}
}

func TestAssist_UnknownTransport(t *testing.T) {
	in := writeFile(t, "q.wav", "x")
	if _, err := execute(t, "assist", in, "--transport", "thrift"); err == nil {
		t.Fatal("unknown transport accepted")
	}
}

func TestFormatCache(t *testing.T) {
	got := formatCache(map[string]string{"synthesize": "hit", "generate": "miss"})
	if got != "generate=miss,synthesize=hit" {
		t.Errorf("formatCache = %q", got)
	}
}
