// Package config provides the configuration schema, loader, and stage
// backend registry for the maestro server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/maestro/pkg/stage"
)

// LogLevel controls log verbosity for the maestro server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Transport selects the wire protocol used to reach a stage worker.
type Transport string

const (
	// TransportREST is the workers' plain HTTP API.
	TransportREST Transport = "rest"

	// TransportGRPC is the workers' gRPC API (JSON codec).
	TransportGRPC Transport = "grpc"

	// TransportWebSocket is the one-call-per-connection WebSocket protocol.
	TransportWebSocket Transport = "websocket"

	// TransportOpenAI targets an OpenAI-compatible /v1 server.
	TransportOpenAI Transport = "openai"

	// TransportAnyLLM targets any provider supported by any-llm-go.
	// Generate only.
	TransportAnyLLM Transport = "anyllm"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportREST, TransportGRPC, TransportWebSocket, TransportOpenAI, TransportAnyLLM:
		return true
	}
	return false
}

// Config is the root configuration structure for maestro.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Stages     StagesConfig     `yaml:"stages"`
	Cache      CacheConfig      `yaml:"cache"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Events     EventsConfig     `yaml:"events"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds listener and logging settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// HTTPAddr serves POST /assist, health probes and /metrics.
	HTTPAddr string `yaml:"http_addr"`

	// GRPCAddr serves maestro.Maestro/Assist.
	GRPCAddr string `yaml:"grpc_addr"`

	// WSAddr serves the WebSocket binding on its own listener. When empty the
	// binding is mounted on HTTPAddr at /ws/assist.
	WSAddr string `yaml:"ws_addr"`

	// RequestTimeout bounds one assist request end to end, including the
	// admission wait.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxUploadBytes caps the audio upload accepted by every binding.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PipelineConfig holds the orchestration limits shared by every stage.
type PipelineConfig struct {
	// MaxConcurrency is the admission ceiling: end-to-end runs in flight.
	MaxConcurrency int `yaml:"max_concurrency"`

	// StageTimeout bounds one remote stage call.
	StageTimeout time.Duration `yaml:"stage_timeout"`

	// ConnectTimeout bounds connection establishment to a worker.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MaxConnections and MaxKeepalive size the HTTP connection pool of the
	// REST backends.
	MaxConnections int `yaml:"max_connections"`
	MaxKeepalive   int `yaml:"max_keepalive"`

	// GenerateAttempts is the total number of generate calls made while the
	// model keeps returning empty text.
	GenerateAttempts int `yaml:"generate_attempts"`

	// Sampling is sent with every generate call. Hot-reloadable.
	Sampling stage.Sampling `yaml:"sampling"`
}

// StagesConfig selects a backend per stage.
type StagesConfig struct {
	Transcribe StageEntry `yaml:"transcribe"`
	Generate   StageEntry `yaml:"generate"`
	Synthesize StageEntry `yaml:"synthesize"`
}

// ByName returns the entry of stage n.
func (s StagesConfig) ByName(n stage.Name) StageEntry {
	switch n {
	case stage.Transcribe:
		return s.Transcribe
	case stage.Generate:
		return s.Generate
	default:
		return s.Synthesize
	}
}

// BackendEntry describes one worker endpoint.
type BackendEntry struct {
	// Transport selects the registered backend factory.
	Transport Transport `yaml:"transport"`

	// Address is the worker URL (rest, websocket, openai), gRPC target, or
	// base URL override (anyllm).
	Address string `yaml:"address"`

	// Model selects a model within the worker. For synthesize it is also part
	// of the cache key.
	Model string `yaml:"model"`

	// APIKey authenticates against hosted providers (openai, anyllm).
	APIKey string `yaml:"api_key"`

	// Options holds backend-specific values not covered by the fields above,
	// e.g. "provider" for anyllm, "voice" and "language" for openai, or
	// "system_prompt" for chat-style generate backends.
	Options map[string]any `yaml:"options"`
}

// StageEntry is the primary backend of a stage plus its ordered fallbacks.
type StageEntry struct {
	BackendEntry `yaml:",inline"`

	// Fallbacks are tried in order when the primary fails or its circuit is open.
	Fallbacks []BackendEntry `yaml:"fallbacks"`
}

// CacheConfig bounds the per-stage result caches.
type CacheConfig struct {
	Transcribe CacheLimits `yaml:"transcribe"`
	Generate   CacheLimits `yaml:"generate"`
	Synthesize CacheLimits `yaml:"synthesize"`
}

// ByName returns the limits of stage n.
func (c CacheConfig) ByName(n stage.Name) CacheLimits {
	switch n {
	case stage.Transcribe:
		return c.Transcribe
	case stage.Generate:
		return c.Generate
	default:
		return c.Synthesize
	}
}

// CacheLimits bounds one stage cache. Zero means unbounded on that axis.
type CacheLimits struct {
	MaxEntries int   `yaml:"max_entries"`
	MaxBytes   int64 `yaml:"max_bytes"`
}

// ResilienceConfig configures the per-endpoint circuit breakers.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig mirrors resilience.CircuitBreakerConfig.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// EventsConfig configures the pipeline event publisher.
type EventsConfig struct {
	// Enabled turns on publishing to Kafka. When false events are logged at
	// debug level only.
	Enabled bool `yaml:"enabled"`

	// Brokers lists the Kafka bootstrap addresses.
	Brokers []string `yaml:"brokers"`

	// Topic receives one message per finished run.
	Topic string `yaml:"topic"`
}

// TelemetryConfig configures OpenTelemetry resource attributes.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}
