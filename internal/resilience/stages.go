package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/maestro/pkg/stage"
)

// Compile-time interface assertions.
var (
	_ stage.Transcriber = (*TranscriberGroup)(nil)
	_ stage.Generator   = (*GeneratorGroup)(nil)
	_ stage.Synthesizer = (*SynthesizerGroup)(nil)
	_ stage.Pinger      = (*TranscriberGroup)(nil)
	_ stage.Pinger      = (*GeneratorGroup)(nil)
	_ stage.Pinger      = (*SynthesizerGroup)(nil)
	_ stage.Closer      = (*TranscriberGroup)(nil)
)

// TranscriberGroup implements [stage.Transcriber] with automatic failover
// across several transcription backends.
type TranscriberGroup struct {
	group *FallbackGroup[stage.Transcriber]
}

// NewTranscriberGroup creates a [TranscriberGroup] with primary as the
// preferred backend.
func NewTranscriberGroup(primary stage.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberGroup {
	return &TranscriberGroup{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional transcription backend.
func (g *TranscriberGroup) AddFallback(name string, t stage.Transcriber) {
	g.group.AddFallback(name, t)
}

// Transcribe sends the request to the first healthy backend.
func (g *TranscriberGroup) Transcribe(ctx context.Context, req stage.TranscribeRequest) (string, error) {
	return ExecuteWithResult(ctx, g.group, func(t stage.Transcriber) (string, error) {
		return t.Transcribe(ctx, req)
	})
}

// Ping succeeds when at least one backend answers.
func (g *TranscriberGroup) Ping(ctx context.Context) error { return pingAny(ctx, g.group) }

// Close closes every backend that holds resources.
func (g *TranscriberGroup) Close() error { return closeAll(g.group) }

// GeneratorGroup implements [stage.Generator] with automatic failover across
// several language-model backends.
type GeneratorGroup struct {
	group *FallbackGroup[stage.Generator]
}

// NewGeneratorGroup creates a [GeneratorGroup] with primary as the preferred
// backend.
func NewGeneratorGroup(primary stage.Generator, primaryName string, cfg FallbackConfig) *GeneratorGroup {
	return &GeneratorGroup{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional generation backend.
func (g *GeneratorGroup) AddFallback(name string, gen stage.Generator) {
	g.group.AddFallback(name, gen)
}

// Generate sends the request to the first healthy backend. An empty
// completion is a successful answer here; the retry policy for empty text
// lives in [stage.GenerateClient].
func (g *GeneratorGroup) Generate(ctx context.Context, req stage.GenerateRequest) (string, error) {
	return ExecuteWithResult(ctx, g.group, func(gen stage.Generator) (string, error) {
		return gen.Generate(ctx, req)
	})
}

// Ping succeeds when at least one backend answers.
func (g *GeneratorGroup) Ping(ctx context.Context) error { return pingAny(ctx, g.group) }

// Close closes every backend that holds resources.
func (g *GeneratorGroup) Close() error { return closeAll(g.group) }

// SynthesizerGroup implements [stage.Synthesizer] with automatic failover
// across several synthesis backends. All entries should use the same voice
// model: cached audio is keyed by the group's configured model.
type SynthesizerGroup struct {
	group *FallbackGroup[stage.Synthesizer]
}

// NewSynthesizerGroup creates a [SynthesizerGroup] with primary as the
// preferred backend.
func NewSynthesizerGroup(primary stage.Synthesizer, primaryName string, cfg FallbackConfig) *SynthesizerGroup {
	return &SynthesizerGroup{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional synthesis backend.
func (g *SynthesizerGroup) AddFallback(name string, s stage.Synthesizer) {
	g.group.AddFallback(name, s)
}

// Synthesize sends the request to the first healthy backend.
func (g *SynthesizerGroup) Synthesize(ctx context.Context, req stage.SynthesizeRequest) ([]byte, error) {
	return ExecuteWithResult(ctx, g.group, func(s stage.Synthesizer) ([]byte, error) {
		return s.Synthesize(ctx, req)
	})
}

// Ping succeeds when at least one backend answers.
func (g *SynthesizerGroup) Ping(ctx context.Context) error { return pingAny(ctx, g.group) }

// Close closes every backend that holds resources.
func (g *SynthesizerGroup) Close() error { return closeAll(g.group) }

// pingAny returns nil if any entry is healthy. Entries that cannot be pinged
// count as healthy.
func pingAny[T any](ctx context.Context, fg *FallbackGroup[T]) error {
	var errs []error
	healthy := false
	fg.Each(func(name string, v T, _ *CircuitBreaker) {
		if healthy {
			return
		}
		p, ok := any(v).(stage.Pinger)
		if !ok {
			healthy = true
			return
		}
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			return
		}
		healthy = true
	})
	if healthy {
		return nil
	}
	return errors.Join(errs...)
}

func closeAll[T any](fg *FallbackGroup[T]) error {
	var errs []error
	fg.Each(func(_ string, v T, _ *CircuitBreaker) {
		if c, ok := any(v).(stage.Closer); ok {
			errs = append(errs, c.Close())
		}
	})
	return errors.Join(errs...)
}
