package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds a single remote stage call. Transcription of long
	// recordings and CPU-bound synthesis can take minutes.
	DefaultTimeout = 5 * time.Minute

	// DefaultGenerateAttempts is the total number of generate calls made before
	// an empty completion is reported as [KindEmptyOutput].
	DefaultGenerateAttempts = 3
)

// ClientOption configures the stage clients.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout  time.Duration
	attempts int
	model    string
}

// WithTimeout sets the per-call timeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAttempts sets the total number of generate attempts. Values below 1 are ignored.
func WithAttempts(n int) ClientOption {
	return func(c *clientConfig) {
		if n >= 1 {
			c.attempts = n
		}
	}
}

// WithModel records the synthesis model identity used in cache keys.
func WithModel(model string) ClientOption {
	return func(c *clientConfig) {
		c.model = model
	}
}

func newClientConfig(opts []ClientOption) clientConfig {
	cfg := clientConfig{
		timeout:  DefaultTimeout,
		attempts: DefaultGenerateAttempts,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// invoke runs fn under a per-call timeout and normalises its error.
func invoke[T any](ctx context.Context, n Name, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := fn(callCtx)
	if err != nil {
		var zero T
		return zero, normalize(n, callCtx, err)
	}
	return out, nil
}

// ─── Transcribe ──────────────────────────────────────────────────────────────

// TranscribeClient validates and times out calls to a [Transcriber].
type TranscribeClient struct {
	backend Transcriber
	timeout time.Duration
}

// NewTranscribeClient wraps backend.
func NewTranscribeClient(backend Transcriber, opts ...ClientOption) (*TranscribeClient, error) {
	if backend == nil {
		return nil, errors.New("stage: transcribe backend must not be nil")
	}
	cfg := newClientConfig(opts)
	return &TranscribeClient{backend: backend, timeout: cfg.timeout}, nil
}

// Transcribe rejects empty audio, fills in filename and content-type defaults
// and performs one remote call. Errors are always [*Failure].
func (c *TranscribeClient) Transcribe(ctx context.Context, req TranscribeRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	req = req.WithDefaults()
	return invoke(ctx, Transcribe, c.timeout, func(ctx context.Context) (string, error) {
		return c.backend.Transcribe(ctx, req)
	})
}

// Backend returns the wrapped backend.
func (c *TranscribeClient) Backend() Transcriber { return c.backend }

// ─── Generate ────────────────────────────────────────────────────────────────

// GenerateClient validates, times out and retries calls to a [Generator].
type GenerateClient struct {
	backend  Generator
	timeout  time.Duration
	attempts int
}

// NewGenerateClient wraps backend.
func NewGenerateClient(backend Generator, opts ...ClientOption) (*GenerateClient, error) {
	if backend == nil {
		return nil, errors.New("stage: generate backend must not be nil")
	}
	cfg := newClientConfig(opts)
	return &GenerateClient{backend: backend, timeout: cfg.timeout, attempts: cfg.attempts}, nil
}

// Generate calls the backend until it returns non-empty text, up to the
// configured number of attempts. Backend errors are not retried. When every
// attempt comes back empty the result is a [KindEmptyOutput] failure.
// The returned text is trimmed of surrounding whitespace.
func (c *GenerateClient) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	for attempt := 1; attempt <= c.attempts; attempt++ {
		text, err := invoke(ctx, Generate, c.timeout, func(ctx context.Context) (string, error) {
			return c.backend.Generate(ctx, req)
		})
		if err != nil {
			return "", err
		}
		if text = strings.TrimSpace(text); text != "" {
			return text, nil
		}
		slog.Warn("empty completion, retrying",
			"attempt", attempt,
			"max_attempts", c.attempts,
		)
	}
	return "", &Failure{
		Stage:   Generate,
		Kind:    KindEmptyOutput,
		Message: fmt.Sprintf("empty response from model after %d attempts", c.attempts),
	}
}

// Backend returns the wrapped backend.
func (c *GenerateClient) Backend() Generator { return c.backend }

// ─── Synthesize ──────────────────────────────────────────────────────────────

// SynthesizeClient validates and times out calls to a [Synthesizer].
type SynthesizeClient struct {
	backend Synthesizer
	timeout time.Duration
	model   string
}

// NewSynthesizeClient wraps backend. Pass [WithModel] so that cache keys
// change when the voice model does.
func NewSynthesizeClient(backend Synthesizer, opts ...ClientOption) (*SynthesizeClient, error) {
	if backend == nil {
		return nil, errors.New("stage: synthesize backend must not be nil")
	}
	cfg := newClientConfig(opts)
	return &SynthesizeClient{backend: backend, timeout: cfg.timeout, model: cfg.model}, nil
}

// Synthesize rejects blank text and performs one remote call.
func (c *SynthesizeClient) Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	audio, err := invoke(ctx, Synthesize, c.timeout, func(ctx context.Context) ([]byte, error) {
		return c.backend.Synthesize(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, Upstream(Synthesize, "synthesizer returned no audio")
	}
	return audio, nil
}

// Model returns the synthesis model identity.
func (c *SynthesizeClient) Model() string { return c.model }

// Backend returns the wrapped backend.
func (c *SynthesizeClient) Backend() Synthesizer { return c.backend }
