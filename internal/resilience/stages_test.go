package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/maestro/pkg/stage"
	"github.com/MrWong99/maestro/pkg/stage/mock"
)

func TestTranscriberGroup_Failover(t *testing.T) {
	primary := &mock.Transcriber{}
	primary.Err = errors.New("connection refused")
	secondary := &mock.Transcriber{Text: "quanto rendeu meu investimento"}

	g := NewTranscriberGroup(primary, "rest", FallbackConfig{})
	g.AddFallback("grpc", secondary)

	text, err := g.Transcribe(context.Background(), stage.TranscribeRequest{Audio: []byte("RIFF")})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "quanto rendeu meu investimento" {
		t.Errorf("text = %q", text)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.CallCount(), secondary.CallCount())
	}
}

func TestGeneratorGroup_EmptyTextIsNotAFailure(t *testing.T) {
	primary := &mock.Generator{Text: ""}
	secondary := &mock.Generator{Text: "should not be used"}

	g := NewGeneratorGroup(primary, "openai", FallbackConfig{})
	g.AddFallback("ollama", secondary)

	text, err := g.Generate(context.Background(), stage.GenerateRequest{Prompt: "p"})
	if err != nil || text != "" {
		t.Fatalf("Generate = (%q, %v), want empty success", text, err)
	}
	if secondary.CallCount() != 0 {
		t.Error("fallback used for an empty completion")
	}
}

func TestSynthesizerGroup_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &mock.Synthesizer{}
	primary.Err = errors.New("TTS model not loaded")
	secondary := &mock.Synthesizer{Audio: []byte("RIFF")}

	g := NewSynthesizerGroup(primary, "rest", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	g.AddFallback("ws", secondary)

	ctx := context.Background()
	req := stage.SynthesizeRequest{Text: "oi"}
	for range 3 {
		if _, err := g.Synthesize(ctx, req); err != nil {
			t.Fatalf("Synthesize: %v", err)
		}
	}
	if primary.CallCount() != 1 {
		t.Errorf("primary calls = %d, want 1 (breaker should open)", primary.CallCount())
	}
	if secondary.CallCount() != 3 {
		t.Errorf("secondary calls = %d, want 3", secondary.CallCount())
	}
}

func TestGroup_PingAny(t *testing.T) {
	down := &mock.Synthesizer{}
	down.PingErr = errors.New("unreachable")
	up := &mock.Synthesizer{}

	g := NewSynthesizerGroup(down, "primary", FallbackConfig{})
	if err := g.Ping(context.Background()); err == nil {
		t.Fatal("Ping with only a failing backend should fail")
	}
	g.AddFallback("secondary", up)
	if err := g.Ping(context.Background()); err != nil {
		t.Fatalf("Ping with one healthy backend: %v", err)
	}
}
