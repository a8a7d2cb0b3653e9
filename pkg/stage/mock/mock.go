// Package mock provides counting test doubles for the stage capability
// interfaces.
//
// Each double records every call and can be scripted with fixed results, a
// per-attempt sequence, an error, a delay, or a gate channel that holds calls
// until the test releases them. All types are safe for concurrent use.
//
// Example:
//
//	tr := &mock.Transcriber{Text: "quanto rendeu meu investimento"}
//	text, err := tr.Transcribe(ctx, stage.TranscribeRequest{Audio: audio})
//	if tr.CallCount() != 1 { ... }
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/maestro/pkg/stage"
)

var (
	_ stage.Transcriber = (*Transcriber)(nil)
	_ stage.Generator   = (*Generator)(nil)
	_ stage.Synthesizer = (*Synthesizer)(nil)
	_ stage.Pinger      = (*Transcriber)(nil)
)

// Behaviour holds the scripting knobs shared by all doubles.
type Behaviour struct {
	// Err, if non-nil, is returned from every call.
	Err error

	// Delay is slept (honouring ctx) before answering.
	Delay time.Duration

	// Gate, if non-nil, blocks every call until a value is received or the
	// channel is closed, or ctx is done.
	Gate chan struct{}

	// PingErr is returned by Ping.
	PingErr error
}

// wait applies Delay and Gate. It returns ctx.Err() when ctx ends first.
func (b *Behaviour) wait(ctx context.Context) error {
	if b.Delay > 0 {
		t := time.NewTimer(b.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if b.Gate != nil {
		select {
		case <-b.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ─── Transcriber ─────────────────────────────────────────────────────────────

// Transcriber is a scripted [stage.Transcriber].
type Transcriber struct {
	Behaviour

	// Text is returned on success.
	Text string

	mu    sync.Mutex
	calls []stage.TranscribeRequest
}

// Transcribe implements [stage.Transcriber].
func (m *Transcriber) Transcribe(ctx context.Context, req stage.TranscribeRequest) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if err := m.wait(ctx); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	return m.Text, nil
}

// Ping implements [stage.Pinger].
func (m *Transcriber) Ping(context.Context) error { return m.PingErr }

// Calls returns a copy of every recorded request.
func (m *Transcriber) Calls() []stage.TranscribeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]stage.TranscribeRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Transcribe calls so far.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// ─── Generator ───────────────────────────────────────────────────────────────

// Generator is a scripted [stage.Generator].
type Generator struct {
	Behaviour

	// Text is returned on success when Sequence is exhausted or empty.
	Text string

	// Sequence, if set, supplies the result of call i (0-based). Calls beyond
	// its length fall back to Text.
	Sequence []string

	mu    sync.Mutex
	calls []stage.GenerateRequest
}

// Generate implements [stage.Generator].
func (m *Generator) Generate(ctx context.Context, req stage.GenerateRequest) (string, error) {
	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if err := m.wait(ctx); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	if idx < len(m.Sequence) {
		return m.Sequence[idx], nil
	}
	return m.Text, nil
}

// Ping implements [stage.Pinger].
func (m *Generator) Ping(context.Context) error { return m.PingErr }

// Calls returns a copy of every recorded request.
func (m *Generator) Calls() []stage.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]stage.GenerateRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Generate calls so far.
func (m *Generator) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// ─── Synthesizer ─────────────────────────────────────────────────────────────

// Synthesizer is a scripted [stage.Synthesizer].
type Synthesizer struct {
	Behaviour

	// Audio is returned on success.
	Audio []byte

	mu    sync.Mutex
	calls []stage.SynthesizeRequest
}

// Synthesize implements [stage.Synthesizer].
func (m *Synthesizer) Synthesize(ctx context.Context, req stage.SynthesizeRequest) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]byte, len(m.Audio))
	copy(out, m.Audio)
	return out, nil
}

// Ping implements [stage.Pinger].
func (m *Synthesizer) Ping(context.Context) error { return m.PingErr }

// Calls returns a copy of every recorded request.
func (m *Synthesizer) Calls() []stage.SynthesizeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]stage.SynthesizeRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Synthesize calls so far.
func (m *Synthesizer) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
