// Package stage defines the three remote inference stages of the assist
// pipeline (speech-to-text, text generation, text-to-speech), the request
// types they consume, and the canonical cache keys derived from them.
//
// A stage backend wraps one remote model worker behind a single blocking call.
// Backends are wire-protocol specific (REST, gRPC, WebSocket, OpenAI-compatible
// HTTP) and live in sub-packages; the orchestrator only ever talks to the
// capability interfaces [Transcriber], [Generator] and [Synthesizer] through
// the stage clients in this package, which add validation, timeouts, the
// generate retry policy and failure normalisation.
//
// Implementations must be safe for concurrent use.
package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// Name identifies one pipeline stage.
type Name string

const (
	// Transcribe is the speech-to-text stage.
	Transcribe Name = "transcribe"

	// Generate is the text generation stage.
	Generate Name = "generate"

	// Synthesize is the text-to-speech stage.
	Synthesize Name = "synthesize"
)

// Names lists all stages in pipeline order.
var Names = []Name{Transcribe, Generate, Synthesize}

// IsValid reports whether n is one of the three pipeline stages.
func (n Name) IsValid() bool {
	switch n {
	case Transcribe, Generate, Synthesize:
		return true
	}
	return false
}

const (
	// DefaultFilename is used for uploads that arrive without a filename.
	DefaultFilename = "audio.wav"

	// DefaultContentType is used for uploads that arrive without a content type.
	DefaultContentType = "audio/wav"
)

// TranscribeRequest is the input of the speech-to-text stage.
type TranscribeRequest struct {
	// Audio is the raw uploaded audio file (any container the worker accepts).
	Audio []byte

	// Filename is the original upload name. Workers use its extension to pick a decoder.
	Filename string

	// ContentType is the MIME type reported by the caller.
	ContentType string
}

// WithDefaults returns a copy of r with an empty Filename and ContentType
// replaced by [DefaultFilename] and [DefaultContentType].
func (r TranscribeRequest) WithDefaults() TranscribeRequest {
	if r.Filename == "" {
		r.Filename = DefaultFilename
	}
	if r.ContentType == "" {
		r.ContentType = DefaultContentType
	}
	return r
}

// Validate rejects requests without audio.
func (r TranscribeRequest) Validate() error {
	if len(r.Audio) == 0 {
		return Invalid(Transcribe, "empty audio")
	}
	return nil
}

// Key returns the cache key of r. Only the audio content participates:
// the same recording uploaded under two names is the same transcription.
func (r TranscribeRequest) Key() Key {
	return canonicalKey(Transcribe, map[string]string{
		"audio_sha256": AudioDigest(r.Audio),
	})
}

// Sampling holds the text generation parameters. The zero value is not
// meaningful; use [DefaultSampling] as a starting point.
type Sampling struct {
	MaxTokens        int     `yaml:"max_tokens" json:"max_tokens"`
	Temperature      float64 `yaml:"temperature" json:"temperature"`
	TopP             float64 `yaml:"top_p" json:"top_p"`
	TopK             int     `yaml:"top_k" json:"top_k"`
	RepeatPenalty    float64 `yaml:"repeat_penalty" json:"repeat_penalty"`
	PresencePenalty  float64 `yaml:"presence_penalty" json:"presence_penalty"`
	FrequencyPenalty float64 `yaml:"frequency_penalty" json:"frequency_penalty"`
}

// DefaultSampling returns the sampling parameters used when none are configured.
func DefaultSampling() Sampling {
	return Sampling{
		MaxTokens:        256,
		Temperature:      0.7,
		TopP:             0.9,
		TopK:             40,
		RepeatPenalty:    1.1,
		PresencePenalty:  0,
		FrequencyPenalty: 0,
	}
}

// GenerateRequest is the input of the text generation stage.
type GenerateRequest struct {
	Prompt string
	Sampling
}

// Validate rejects empty or whitespace-only prompts.
func (r GenerateRequest) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return Invalid(Generate, "empty prompt")
	}
	return nil
}

// Key returns the cache key of r: the prompt plus every sampling parameter.
func (r GenerateRequest) Key() Key {
	return canonicalKey(Generate, map[string]string{
		"prompt":            r.Prompt,
		"max_tokens":        strconv.Itoa(r.MaxTokens),
		"temperature":       formatFloat(r.Temperature),
		"top_p":             formatFloat(r.TopP),
		"top_k":             strconv.Itoa(r.TopK),
		"repeat_penalty":    formatFloat(r.RepeatPenalty),
		"presence_penalty":  formatFloat(r.PresencePenalty),
		"frequency_penalty": formatFloat(r.FrequencyPenalty),
	})
}

// SynthesizeRequest is the input of the text-to-speech stage.
type SynthesizeRequest struct {
	Text string
}

// Validate rejects empty or whitespace-only text.
func (r SynthesizeRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return Invalid(Synthesize, "empty text")
	}
	return nil
}

// Key returns the cache key of r for the given synthesis model. The model
// participates because two voices produce different audio for the same text.
func (r SynthesizeRequest) Key(model string) Key {
	return canonicalKey(Synthesize, map[string]string{
		"text":  r.Text,
		"model": model,
	})
}

// Key is a fixed-width digest of a stage request's cache-relevant fields.
type Key [sha256.Size]byte

// String returns the lowercase hex encoding of k.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns the first 12 hex characters of k, for log lines.
func (k Key) Short() string {
	return k.String()[:12]
}

// AudioDigest returns the hex SHA-256 of audio.
func AudioDigest(audio []byte) string {
	sum := sha256.Sum256(audio)
	return hex.EncodeToString(sum[:])
}

// canonicalKey hashes fields as a JSON object. encoding/json writes map keys
// in sorted order, so the digest does not depend on insertion order.
func canonicalKey(n Name, fields map[string]string) Key {
	fields["stage"] = string(n)
	b, err := json.Marshal(fields)
	if err != nil {
		// map[string]string always marshals.
		panic("stage: marshal cache key: " + err.Error())
	}
	return sha256.Sum256(b)
}

// formatFloat renders f in its shortest exact decimal form so that 0.7 and
// 0.70 hash identically and NaN does not break marshalling.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Transcriber is the remote speech-to-text capability.
type Transcriber interface {
	// Transcribe returns the recognised text. A worker-reported error string is
	// returned as a non-nil error.
	Transcribe(ctx context.Context, req TranscribeRequest) (string, error)
}

// Generator is the remote text generation capability.
type Generator interface {
	// Generate returns the model's completion. An empty completion is a valid
	// return value; the retry policy lives in [GenerateClient].
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Synthesizer is the remote text-to-speech capability.
type Synthesizer interface {
	// Synthesize returns encoded audio (WAV for every built-in backend).
	Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error)
}

// Pinger is implemented by backends that can cheaply probe their worker.
// It backs the readiness endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Closer is implemented by backends that hold connections.
type Closer interface {
	Close() error
}

// DefaultSystemPrompt instructs chat-style generate backends to answer as a
// concise Brazilian-Portuguese financial assistant.
const DefaultSystemPrompt = "Você é um assistente financeiro. " +
	"Responda apenas com informações e conselhos estritamente relacionados ao contexto financeiro solicitado. " +
	"Você falará sempre em português brasileiro, usando linguagem clara e simples, com números exatos e sem arredondamentos. " +
	"Apenas responda. Não faça novas perguntas. Responda em um único parágrafo, com até 50 palavras."
