package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/maestro/pkg/stage"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered for the requested transport and stage.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Factory constructs one stage backend from its config entry. The pipeline
// config carries the connection limits shared by every backend.
type Factory[T any] func(entry BackendEntry, pipeline PipelineConfig) (T, error)

// Registry maps transports to backend constructors for each stage.
// It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	transcriber map[Transport]Factory[stage.Transcriber]
	generator   map[Transport]Factory[stage.Generator]
	synthesizer map[Transport]Factory[stage.Synthesizer]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		transcriber: make(map[Transport]Factory[stage.Transcriber]),
		generator:   make(map[Transport]Factory[stage.Generator]),
		synthesizer: make(map[Transport]Factory[stage.Synthesizer]),
	}
}

// RegisterTranscriber registers a transcribe backend factory under t.
// Subsequent calls with the same transport overwrite the previous registration.
func (r *Registry) RegisterTranscriber(t Transport, f Factory[stage.Transcriber]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcriber[t] = f
}

// RegisterGenerator registers a generate backend factory under t.
func (r *Registry) RegisterGenerator(t Transport, f Factory[stage.Generator]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generator[t] = f
}

// RegisterSynthesizer registers a synthesize backend factory under t.
func (r *Registry) RegisterSynthesizer(t Transport, f Factory[stage.Synthesizer]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesizer[t] = f
}

// Transports returns the transports registered for stage n.
func (r *Registry) Transports(n stage.Name) []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Transport
	add := func(t Transport) { out = append(out, t) }
	switch n {
	case stage.Transcribe:
		for t := range r.transcriber {
			add(t)
		}
	case stage.Generate:
		for t := range r.generator {
			add(t)
		}
	case stage.Synthesize:
		for t := range r.synthesizer {
			add(t)
		}
	}
	return out
}

// CreateTranscriber instantiates a transcribe backend using the factory
// registered under entry.Transport.
// Returns [ErrBackendNotRegistered] if no factory has been registered.
func (r *Registry) CreateTranscriber(entry BackendEntry, p PipelineConfig) (stage.Transcriber, error) {
	r.mu.RLock()
	f, ok := r.transcriber[entry.Transport]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcribe/%q", ErrBackendNotRegistered, entry.Transport)
	}
	return f(entry, p)
}

// CreateGenerator instantiates a generate backend using the factory
// registered under entry.Transport.
func (r *Registry) CreateGenerator(entry BackendEntry, p PipelineConfig) (stage.Generator, error) {
	r.mu.RLock()
	f, ok := r.generator[entry.Transport]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: generate/%q", ErrBackendNotRegistered, entry.Transport)
	}
	return f(entry, p)
}

// CreateSynthesizer instantiates a synthesize backend using the factory
// registered under entry.Transport.
func (r *Registry) CreateSynthesizer(entry BackendEntry, p PipelineConfig) (stage.Synthesizer, error) {
	r.mu.RLock()
	f, ok := r.synthesizer[entry.Transport]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synthesize/%q", ErrBackendNotRegistered, entry.Transport)
	}
	return f(entry, p)
}
