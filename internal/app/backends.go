package app

import (
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/maestro/internal/config"
	"github.com/MrWong99/maestro/internal/resilience"
	"github.com/MrWong99/maestro/pkg/stage"
	"github.com/MrWong99/maestro/pkg/stage/anyllm"
	"github.com/MrWong99/maestro/pkg/stage/grpcstage"
	"github.com/MrWong99/maestro/pkg/stage/openai"
	"github.com/MrWong99/maestro/pkg/stage/rest"
	"github.com/MrWong99/maestro/pkg/stage/wsstage"
)

// Backends holds one backend per stage. Each is usually a resilience group
// over the configured primary and fallbacks.
type Backends struct {
	Transcriber stage.Transcriber
	Generator   stage.Generator
	Synthesizer stage.Synthesizer
}

// RegisterBuiltinBackends registers a factory for every built-in transport.
// rest, grpc, websocket and openai serve all three stages; anyllm serves
// generate only.
func RegisterBuiltinBackends(reg *config.Registry) {
	// ── rest ──────────────────────────────────────────────────────────────────
	reg.RegisterTranscriber(config.TransportREST, func(e config.BackendEntry, p config.PipelineConfig) (stage.Transcriber, error) {
		return newREST(e, p)
	})
	reg.RegisterGenerator(config.TransportREST, func(e config.BackendEntry, p config.PipelineConfig) (stage.Generator, error) {
		return newREST(e, p)
	})
	reg.RegisterSynthesizer(config.TransportREST, func(e config.BackendEntry, p config.PipelineConfig) (stage.Synthesizer, error) {
		return newREST(e, p)
	})

	// ── grpc ──────────────────────────────────────────────────────────────────
	reg.RegisterTranscriber(config.TransportGRPC, func(e config.BackendEntry, p config.PipelineConfig) (stage.Transcriber, error) {
		return newGRPC(e, p)
	})
	reg.RegisterGenerator(config.TransportGRPC, func(e config.BackendEntry, p config.PipelineConfig) (stage.Generator, error) {
		return newGRPC(e, p)
	})
	reg.RegisterSynthesizer(config.TransportGRPC, func(e config.BackendEntry, p config.PipelineConfig) (stage.Synthesizer, error) {
		return newGRPC(e, p)
	})

	// ── websocket ─────────────────────────────────────────────────────────────
	reg.RegisterTranscriber(config.TransportWebSocket, func(e config.BackendEntry, p config.PipelineConfig) (stage.Transcriber, error) {
		return newWebSocket(e, p)
	})
	reg.RegisterGenerator(config.TransportWebSocket, func(e config.BackendEntry, p config.PipelineConfig) (stage.Generator, error) {
		return newWebSocket(e, p)
	})
	reg.RegisterSynthesizer(config.TransportWebSocket, func(e config.BackendEntry, p config.PipelineConfig) (stage.Synthesizer, error) {
		return newWebSocket(e, p)
	})

	// ── openai ────────────────────────────────────────────────────────────────
	reg.RegisterTranscriber(config.TransportOpenAI, func(e config.BackendEntry, _ config.PipelineConfig) (stage.Transcriber, error) {
		return newOpenAI(e)
	})
	reg.RegisterGenerator(config.TransportOpenAI, func(e config.BackendEntry, _ config.PipelineConfig) (stage.Generator, error) {
		return newOpenAI(e)
	})
	reg.RegisterSynthesizer(config.TransportOpenAI, func(e config.BackendEntry, _ config.PipelineConfig) (stage.Synthesizer, error) {
		return newOpenAI(e)
	})

	// ── anyllm ────────────────────────────────────────────────────────────────
	reg.RegisterGenerator(config.TransportAnyLLM, func(e config.BackendEntry, _ config.PipelineConfig) (stage.Generator, error) {
		var libOpts []anyllmlib.Option
		if e.APIKey != "" {
			libOpts = append(libOpts, anyllmlib.WithAPIKey(e.APIKey))
		}
		if e.Address != "" {
			libOpts = append(libOpts, anyllmlib.WithBaseURL(e.Address))
		}
		var opts []anyllm.Option
		if prompt, ok := systemPrompt(e.Options); ok {
			opts = append(opts, anyllm.WithSystemPrompt(prompt))
		}
		return anyllm.New(config.OptString(e.Options, "provider"), e.Model, libOpts, opts...)
	})
}

func newREST(e config.BackendEntry, p config.PipelineConfig) (*rest.Client, error) {
	return rest.New(e.Address,
		rest.WithConnectTimeout(p.ConnectTimeout),
		rest.WithPoolLimits(p.MaxConnections, p.MaxKeepalive),
	)
}

func newGRPC(e config.BackendEntry, p config.PipelineConfig) (*grpcstage.Client, error) {
	return grpcstage.New(e.Address, grpcstage.WithConnectTimeout(p.ConnectTimeout))
}

func newWebSocket(e config.BackendEntry, p config.PipelineConfig) (*wsstage.Client, error) {
	return wsstage.New(e.Address, wsstage.WithConnectTimeout(p.ConnectTimeout))
}

func newOpenAI(e config.BackendEntry) (*openai.Client, error) {
	var opts []openai.Option
	if e.Address != "" {
		opts = append(opts, openai.WithBaseURL(e.Address))
	}
	if e.APIKey != "" {
		opts = append(opts, openai.WithAPIKey(e.APIKey))
	}
	if v := config.OptString(e.Options, "voice"); v != "" {
		opts = append(opts, openai.WithVoice(v))
	}
	if v := config.OptString(e.Options, "language"); v != "" {
		opts = append(opts, openai.WithLanguage(v))
	}
	if prompt, ok := systemPrompt(e.Options); ok {
		opts = append(opts, openai.WithSystemPrompt(prompt))
	}
	return openai.New(e.Model, opts...)
}

// systemPrompt reports the configured system prompt. An explicitly empty
// prompt is honoured; a missing key keeps the backend default.
func systemPrompt(opts map[string]any) (string, bool) {
	v, ok := opts["system_prompt"]
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, true
}

// BuildBackends creates every configured backend through reg and wraps each
// stage's primary and fallbacks in a resilience group with one circuit
// breaker per endpoint.
func BuildBackends(cfg *config.Config, reg *config.Registry) (*Backends, error) {
	cb := cfg.Resilience.CircuitBreaker
	fbCfg := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  cb.MaxFailures,
		ResetTimeout: cb.ResetTimeout,
		HalfOpenMax:  cb.HalfOpenMax,
	}}
	p := cfg.Pipeline
	bs := &Backends{}

	var created []any
	fail := func(err error) (*Backends, error) {
		closeAll(created)
		return nil, err
	}

	// ── transcribe ────────────────────────────────────────────────────────────
	tEntry := cfg.Stages.Transcribe
	t, err := reg.CreateTranscriber(tEntry.BackendEntry, p)
	if err != nil {
		return fail(createError(stage.Transcribe, tEntry.BackendEntry, err))
	}
	created = append(created, t)
	tg := resilience.NewTranscriberGroup(t, endpointName(tEntry.BackendEntry), fbCfg)
	for _, fb := range tEntry.Fallbacks {
		ft, err := reg.CreateTranscriber(fb, p)
		if err != nil {
			return fail(createError(stage.Transcribe, fb, err))
		}
		created = append(created, ft)
		tg.AddFallback(endpointName(fb), ft)
	}
	bs.Transcriber = tg
	logBackend(stage.Transcribe, tEntry)

	// ── generate ──────────────────────────────────────────────────────────────
	gEntry := cfg.Stages.Generate
	g, err := reg.CreateGenerator(gEntry.BackendEntry, p)
	if err != nil {
		return fail(createError(stage.Generate, gEntry.BackendEntry, err))
	}
	created = append(created, g)
	gg := resilience.NewGeneratorGroup(g, endpointName(gEntry.BackendEntry), fbCfg)
	for _, fb := range gEntry.Fallbacks {
		fg, err := reg.CreateGenerator(fb, p)
		if err != nil {
			return fail(createError(stage.Generate, fb, err))
		}
		created = append(created, fg)
		gg.AddFallback(endpointName(fb), fg)
	}
	bs.Generator = gg
	logBackend(stage.Generate, gEntry)

	// ── synthesize ────────────────────────────────────────────────────────────
	sEntry := cfg.Stages.Synthesize
	s, err := reg.CreateSynthesizer(sEntry.BackendEntry, p)
	if err != nil {
		return fail(createError(stage.Synthesize, sEntry.BackendEntry, err))
	}
	created = append(created, s)
	sg := resilience.NewSynthesizerGroup(s, endpointName(sEntry.BackendEntry), fbCfg)
	for _, fb := range sEntry.Fallbacks {
		fs, err := reg.CreateSynthesizer(fb, p)
		if err != nil {
			return fail(createError(stage.Synthesize, fb, err))
		}
		created = append(created, fs)
		sg.AddFallback(endpointName(fb), fs)
	}
	bs.Synthesizer = sg
	logBackend(stage.Synthesize, sEntry)

	return bs, nil
}

func createError(n stage.Name, e config.BackendEntry, err error) error {
	if errors.Is(err, config.ErrBackendNotRegistered) {
		return fmt.Errorf("app: %s: transport %q cannot serve this stage: %w", n, e.Transport, err)
	}
	return fmt.Errorf("app: create %s backend %s: %w", n, endpointName(e), err)
}

// endpointName labels a backend in breaker logs, e.g. "rest:http://mpes-stt:8000/transcribe".
func endpointName(e config.BackendEntry) string {
	switch {
	case e.Address != "":
		return string(e.Transport) + ":" + e.Address
	case e.Model != "":
		return string(e.Transport) + ":" + e.Model
	default:
		return string(e.Transport)
	}
}

func logBackend(n stage.Name, e config.StageEntry) {
	slog.Info("stage backend created",
		"stage", n,
		"transport", e.Transport,
		"endpoint", endpointName(e.BackendEntry),
		"fallbacks", len(e.Fallbacks),
	)
}

// closeAll closes every backend that holds connections.
func closeAll(backends []any) {
	for _, b := range backends {
		if c, ok := b.(stage.Closer); ok {
			_ = c.Close()
		}
	}
}
