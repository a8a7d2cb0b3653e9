// Package anyllm provides a generate stage backend backed by
// github.com/mozilla-ai/any-llm-go, which speaks to OpenAI, Anthropic,
// Gemini, Ollama, DeepSeek, Mistral, Groq, llama.cpp and llamafile through
// one interface.
//
// Only the sampling parameters every provider understands are forwarded:
// max_tokens, temperature and top_p. Use the openai backend against a
// llama.cpp server when top_k or repeat_penalty matter.
//
// Usage:
//
//	g, err := anyllm.New("ollama", "qwen2.5:7b", anyllmlib.WithBaseURL("http://mpes-llm:11434"))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/maestro/pkg/stage"
)

var _ stage.Generator = (*Generator)(nil)

// Generator implements [stage.Generator] on top of an any-llm-go provider.
type Generator struct {
	backend      anyllmlib.Provider
	provider     string
	model        string
	systemPrompt string
}

// Option configures a [Generator].
type Option func(*Generator)

// WithSystemPrompt replaces [stage.DefaultSystemPrompt]. An empty prompt
// sends the user message alone.
func WithSystemPrompt(prompt string) Option {
	return func(g *Generator) {
		g.systemPrompt = prompt
	}
}

// New creates a generator for the named provider and model.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". libOpts are passed
// to the provider (e.g. anyllmlib.WithAPIKey, anyllmlib.WithBaseURL); without
// an API key option the provider falls back to its environment variable.
func New(providerName, model string, libOpts []anyllmlib.Option, opts ...Option) (*Generator, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	backend, err := createBackend(providerName, libOpts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	g := &Generator{
		backend:      backend,
		provider:     strings.ToLower(providerName),
		model:        model,
		systemPrompt: stage.DefaultSystemPrompt,
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// createBackend creates the underlying any-llm-go provider.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", providerName)
	}
}

// Provider returns the lower-cased provider name.
func (g *Generator) Provider() string { return g.provider }

// Generate implements [stage.Generator].
func (g *Generator) Generate(ctx context.Context, req stage.GenerateRequest) (string, error) {
	resp, err := g.backend.Completion(ctx, g.buildParams(req))
	if err != nil {
		return "", fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("anyllm: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}

// buildParams converts a generate request into any-llm completion params.
func (g *Generator) buildParams(req stage.GenerateRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	if g.systemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: g.systemPrompt})
	}
	messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleUser, Content: req.Prompt})

	params := anyllmlib.CompletionParams{
		Model:    g.model,
		Messages: messages,
	}
	t := req.Temperature
	params.Temperature = &t
	if req.TopP > 0 {
		p := req.TopP
		params.TopP = &p
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}
