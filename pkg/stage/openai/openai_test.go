package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/maestro/pkg/stage"
)

// fakeServer records the last request body per path and answers like an
// OpenAI-compatible server.
type fakeServer struct {
	mu     sync.Mutex
	bodies map[string][]byte
	forms  map[string]string
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.HasSuffix(r.URL.Path, "/chat/completions"):
		f.bodies[r.URL.Path], _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"qwen",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Seu investimento rendeu R$120,50."}}]}`)
	case strings.HasSuffix(r.URL.Path, "/audio/transcriptions"):
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.forms["model"] = r.FormValue("model")
		f.forms["language"] = r.FormValue("language")
		if file, hdr, err := r.FormFile("file"); err == nil {
			data, _ := io.ReadAll(file)
			f.forms["file"] = string(data)
			f.forms["filename"] = hdr.Filename
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":"quanto rendeu meu investimento"}`)
	case strings.HasSuffix(r.URL.Path, "/audio/speech"):
		f.bodies[r.URL.Path], _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFF\x00\x01"))
	case strings.HasSuffix(r.URL.Path, "/models"):
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","data":[{"id":"qwen","object":"model","created":1,"owned_by":"me"}]}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeServer) body(t *testing.T, path string) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var m map[string]any
	if err := json.Unmarshal(f.bodies[path], &m); err != nil {
		t.Fatalf("decode %s body: %v", path, err)
	}
	return m
}

func newFake(t *testing.T, model string, opts ...Option) (*Client, *fakeServer) {
	t.Helper()
	fake := &fakeServer{bodies: map[string][]byte{}, forms: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	c, err := New(model, append([]Option{WithBaseURL(srv.URL + "/v1"), WithAPIKey("test")}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, fake
}

func TestNew_EmptyModel(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestGenerate_SamplingAndSystemPrompt(t *testing.T) {
	c, fake := newFake(t, "qwen")

	text, err := c.Generate(context.Background(), stage.GenerateRequest{Prompt: "quanto rendeu?", Sampling: stage.DefaultSampling()})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "Seu investimento rendeu R$120,50." {
		t.Errorf("text = %q", text)
	}

	body := fake.body(t, "/v1/chat/completions")
	if body["model"] != "qwen" {
		t.Errorf("model = %v", body["model"])
	}
	for field, want := range map[string]float64{
		"temperature": 0.7, "top_p": 0.9, "max_tokens": 256, "top_k": 40, "repeat_penalty": 1.1,
	} {
		if got, ok := body[field].(float64); !ok || got != want {
			t.Errorf("%s = %v, want %v", field, body[field], want)
		}
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v, want system + user", body["messages"])
	}
	sys, _ := msgs[0].(map[string]any)
	if sys["role"] != "system" || sys["content"] != stage.DefaultSystemPrompt {
		t.Errorf("system message = %v", sys)
	}
}

func TestGenerate_NoSystemPrompt(t *testing.T) {
	c, fake := newFake(t, "qwen", WithSystemPrompt(""))
	if _, err := c.Generate(context.Background(), stage.GenerateRequest{Prompt: "oi"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msgs, _ := fake.body(t, "/v1/chat/completions")["messages"].([]any)
	if len(msgs) != 1 {
		t.Errorf("messages = %v, want user only", msgs)
	}
}

func TestTranscribe(t *testing.T) {
	c, fake := newFake(t, "whisper-1")

	text, err := c.Transcribe(context.Background(), stage.TranscribeRequest{
		Audio: []byte("RIFFaudio"), Filename: "q.wav", ContentType: "audio/wav",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "quanto rendeu meu investimento" {
		t.Errorf("text = %q", text)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.forms["model"] != "whisper-1" || fake.forms["language"] != "pt" {
		t.Errorf("form = %v", fake.forms)
	}
	if fake.forms["file"] != "RIFFaudio" || fake.forms["filename"] != "q.wav" {
		t.Errorf("file = %q %q", fake.forms["file"], fake.forms["filename"])
	}
}

func TestSynthesize(t *testing.T) {
	c, fake := newFake(t, "tts-1", WithVoice("nova"))

	audio, err := c.Synthesize(context.Background(), stage.SynthesizeRequest{Text: "olá"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "RIFF\x00\x01" {
		t.Errorf("audio = %q", audio)
	}
	body := fake.body(t, "/v1/audio/speech")
	if body["input"] != "olá" || body["voice"] != "nova" || body["response_format"] != "wav" {
		t.Errorf("speech body = %v", body)
	}
}

func TestUpstreamErrorIsNotRetried(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"model loading","type":"server_error"}}`)
	}))
	t.Cleanup(srv.Close)

	c, err := New("qwen", WithBaseURL(srv.URL), WithAPIKey("x"))
	if err != nil {
		t.Fatal(err)
	}
	gc, err := stage.NewGenerateClient(c)
	if err != nil {
		t.Fatal(err)
	}
	_, err = gc.Generate(context.Background(), stage.GenerateRequest{Prompt: "oi", Sampling: stage.DefaultSampling()})
	if !errors.Is(err, stage.ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("server calls = %d, want 1", calls)
	}
}

func TestPing(t *testing.T) {
	c, _ := newFake(t, "qwen")
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
