package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/maestro/pkg/stage"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultHTTPAddr         = ":7000"
	DefaultGRPCAddr         = ":7001"
	DefaultRequestTimeout   = 10 * time.Minute
	DefaultMaxUploadBytes   = 64 << 20
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultMaxConcurrency   = 50
	DefaultConnectTimeout   = 10 * time.Second
	DefaultMaxConnections   = 100
	DefaultMaxKeepalive     = 20
	DefaultTranscribeURL    = "http://mpes-stt:8000/transcribe"
	DefaultGenerateURL      = "http://mpes-llm:8001/generate"
	DefaultSynthesizeURL    = "http://mpes-tts:8002/synthesize"
	DefaultSynthesizeModel  = "tts_models/pt/cv/vits"
	DefaultEventsTopic      = "maestro.pipeline"
	DefaultServiceName      = "maestro"
	DefaultBreakerFailures  = 5
	DefaultBreakerReset     = 30 * time.Second
	DefaultBreakerHalfOpen  = 3
	defaultTextCacheEntries = 1000
	defaultAudioEntries     = 256
	defaultAudioBytes       = 256 << 20
)

// Environment variables read by [ApplyEnv]. The names match the ones the
// stage worker compose files already set.
const (
	EnvTranscribeURL  = "STT_URL"
	EnvGenerateURL    = "LLM_URL"
	EnvSynthesizeURL  = "TTS_URL"
	EnvMaxConcurrency = "MAESTRO_MAX_CONCURRENCY"
	EnvMaxConnections = "MAESTRO_MAX_CONNECTIONS"
	EnvMaxKeepalive   = "MAESTRO_MAX_KEEPALIVE"
	EnvLogLevel       = "MAESTRO_LOG_LEVEL"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config]. An empty path
// skips the file: the result is built from defaults and the environment.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
	}
	cfg, err := load(data, os.LookupEnv)
	if err != nil {
		if path == "" {
			return nil, err
		}
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return load(data, func(string) (string, bool) { return "", false })
}

func load(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the environment variables listed above.
// A stage URL variable also selects the REST transport when the stage has
// none configured.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error

	setURL := func(key string, e *StageEntry) {
		if v, ok := lookup(key); ok && v != "" {
			e.Address = v
			if e.Transport == "" {
				e.Transport = TransportREST
			}
		}
	}
	setURL(EnvTranscribeURL, &cfg.Stages.Transcribe)
	setURL(EnvGenerateURL, &cfg.Stages.Generate)
	setURL(EnvSynthesizeURL, &cfg.Stages.Synthesize)

	setInt := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s=%q is not an integer", key, v))
			return
		}
		*dst = n
	}
	setInt(EnvMaxConcurrency, &cfg.Pipeline.MaxConcurrency)
	setInt(EnvMaxConnections, &cfg.Pipeline.MaxConnections)
	setInt(EnvMaxKeepalive, &cfg.Pipeline.MaxKeepalive)

	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// ApplyDefaults fills every unset field of cfg with its default.
// A cache entry with both limits zero receives the stage's default limits.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.HTTPAddr == "" {
		s.HTTPAddr = DefaultHTTPAddr
	}
	if s.GRPCAddr == "" {
		s.GRPCAddr = DefaultGRPCAddr
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}
	if s.MaxUploadBytes == 0 {
		s.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}

	p := &cfg.Pipeline
	if p.MaxConcurrency == 0 {
		p.MaxConcurrency = DefaultMaxConcurrency
	}
	if p.StageTimeout == 0 {
		p.StageTimeout = stage.DefaultTimeout
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = DefaultConnectTimeout
	}
	if p.MaxConnections == 0 {
		p.MaxConnections = DefaultMaxConnections
	}
	if p.MaxKeepalive == 0 {
		p.MaxKeepalive = DefaultMaxKeepalive
	}
	if p.GenerateAttempts == 0 {
		p.GenerateAttempts = stage.DefaultGenerateAttempts
	}
	if p.Sampling == (stage.Sampling{}) {
		p.Sampling = stage.DefaultSampling()
	} else if p.Sampling.MaxTokens == 0 {
		p.Sampling.MaxTokens = stage.DefaultSampling().MaxTokens
	}

	defaultStage(&cfg.Stages.Transcribe, DefaultTranscribeURL, "")
	defaultStage(&cfg.Stages.Generate, DefaultGenerateURL, "")
	defaultStage(&cfg.Stages.Synthesize, DefaultSynthesizeURL, DefaultSynthesizeModel)

	if cfg.Cache.Transcribe == (CacheLimits{}) {
		cfg.Cache.Transcribe = CacheLimits{MaxEntries: defaultTextCacheEntries}
	}
	if cfg.Cache.Generate == (CacheLimits{}) {
		cfg.Cache.Generate = CacheLimits{MaxEntries: defaultTextCacheEntries}
	}
	if cfg.Cache.Synthesize == (CacheLimits{}) {
		cfg.Cache.Synthesize = CacheLimits{MaxEntries: defaultAudioEntries, MaxBytes: defaultAudioBytes}
	}

	cb := &cfg.Resilience.CircuitBreaker
	if cb.MaxFailures == 0 {
		cb.MaxFailures = DefaultBreakerFailures
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = DefaultBreakerReset
	}
	if cb.HalfOpenMax == 0 {
		cb.HalfOpenMax = DefaultBreakerHalfOpen
	}

	if cfg.Events.Topic == "" {
		cfg.Events.Topic = DefaultEventsTopic
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// defaultStage fills an unconfigured stage with the default REST worker
// address.
func defaultStage(e *StageEntry, url, model string) {
	if e.Transport == "" {
		e.Transport = TransportREST
	}
	if e.Address == "" && e.Transport == TransportREST {
		e.Address = url
	}
	if e.Model == "" {
		e.Model = model
	}
	for i := range e.Fallbacks {
		if e.Fallbacks[i].Transport == "" {
			e.Fallbacks[i].Transport = TransportREST
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if cfg.Server.WSAddr != "" && (cfg.Server.WSAddr == cfg.Server.HTTPAddr || cfg.Server.WSAddr == cfg.Server.GRPCAddr) {
		errs = append(errs, fmt.Errorf("server.ws_addr %q collides with another listener; leave it empty to share http_addr", cfg.Server.WSAddr))
	}
	if cfg.Server.GRPCAddr != "" && cfg.Server.GRPCAddr == cfg.Server.HTTPAddr {
		errs = append(errs, fmt.Errorf("server.grpc_addr %q must differ from server.http_addr", cfg.Server.GRPCAddr))
	}
	if cfg.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout %s must not be negative", cfg.Server.RequestTimeout))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes %d must not be negative", cfg.Server.MaxUploadBytes))
	}

	// Pipeline
	p := cfg.Pipeline
	if p.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrency %d must be at least 1", p.MaxConcurrency))
	}
	if p.StageTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.stage_timeout %s must be positive", p.StageTimeout))
	}
	if p.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.connect_timeout %s must be positive", p.ConnectTimeout))
	}
	if p.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_connections %d must be at least 1", p.MaxConnections))
	}
	if p.MaxKeepalive < 0 || p.MaxKeepalive > p.MaxConnections {
		errs = append(errs, fmt.Errorf("pipeline.max_keepalive %d must be between 0 and max_connections", p.MaxKeepalive))
	}
	if p.GenerateAttempts < 1 {
		errs = append(errs, fmt.Errorf("pipeline.generate_attempts %d must be at least 1", p.GenerateAttempts))
	}
	errs = append(errs, validateSampling(p.Sampling)...)

	// Stages
	for _, n := range stage.Names {
		e := cfg.Stages.ByName(n)
		prefix := "stages." + string(n)
		errs = append(errs, validateBackend(n, prefix, e.BackendEntry)...)
		for i, fb := range e.Fallbacks {
			errs = append(errs, validateBackend(n, fmt.Sprintf("%s.fallbacks[%d]", prefix, i), fb)...)
		}
	}
	if cfg.Stages.Synthesize.Model == "" {
		slog.Warn("stages.synthesize.model is empty; cached audio is not tied to a voice model")
	}

	// Cache
	for _, n := range stage.Names {
		l := cfg.Cache.ByName(n)
		if l.MaxEntries < 0 || l.MaxBytes < 0 {
			errs = append(errs, fmt.Errorf("cache.%s limits must not be negative", n))
		}
	}

	// Resilience
	cb := cfg.Resilience.CircuitBreaker
	if cb.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("resilience.circuit_breaker.max_failures %d must be at least 1", cb.MaxFailures))
	}
	if cb.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("resilience.circuit_breaker.reset_timeout %s must be positive", cb.ResetTimeout))
	}
	if cb.HalfOpenMax < 1 {
		errs = append(errs, fmt.Errorf("resilience.circuit_breaker.half_open_max %d must be at least 1", cb.HalfOpenMax))
	}

	// Events
	if cfg.Events.Enabled {
		if len(cfg.Events.Brokers) == 0 {
			errs = append(errs, errors.New("events.brokers is required when events.enabled is true"))
		}
		if cfg.Events.Topic == "" {
			errs = append(errs, errors.New("events.topic is required when events.enabled is true"))
		}
	}

	return errors.Join(errs...)
}

func validateSampling(s stage.Sampling) []error {
	var errs []error
	if s.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("pipeline.sampling.max_tokens %d must be at least 1", s.MaxTokens))
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		errs = append(errs, fmt.Errorf("pipeline.sampling.temperature %.2f is out of range [0, 2]", s.Temperature))
	}
	if s.TopP < 0 || s.TopP > 1 {
		errs = append(errs, fmt.Errorf("pipeline.sampling.top_p %.2f is out of range [0, 1]", s.TopP))
	}
	if s.TopK < 0 {
		errs = append(errs, fmt.Errorf("pipeline.sampling.top_k %d must not be negative", s.TopK))
	}
	if s.RepeatPenalty < 0 {
		errs = append(errs, fmt.Errorf("pipeline.sampling.repeat_penalty %.2f must not be negative", s.RepeatPenalty))
	}
	if s.PresencePenalty < -2 || s.PresencePenalty > 2 {
		errs = append(errs, fmt.Errorf("pipeline.sampling.presence_penalty %.2f is out of range [-2, 2]", s.PresencePenalty))
	}
	if s.FrequencyPenalty < -2 || s.FrequencyPenalty > 2 {
		errs = append(errs, fmt.Errorf("pipeline.sampling.frequency_penalty %.2f is out of range [-2, 2]", s.FrequencyPenalty))
	}
	return errs
}

func validateBackend(n stage.Name, prefix string, e BackendEntry) []error {
	var errs []error
	if !e.Transport.IsValid() {
		return append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: rest, grpc, websocket, openai, anyllm", prefix, e.Transport))
	}
	switch e.Transport {
	case TransportAnyLLM:
		if n != stage.Generate {
			errs = append(errs, fmt.Errorf("%s.transport anyllm only serves the generate stage", prefix))
		}
		if e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required for transport anyllm", prefix))
		}
		if OptString(e.Options, "provider") == "" {
			errs = append(errs, fmt.Errorf("%s.options.provider is required for transport anyllm", prefix))
		}
	case TransportOpenAI:
		if e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required for transport openai", prefix))
		}
	default:
		if e.Address == "" {
			errs = append(errs, fmt.Errorf("%s.address is required for transport %s", prefix, e.Transport))
		}
	}
	return errs
}

// OptString returns opts[key] when it is a string, or "".
func OptString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, _ := opts[key].(string)
	return v
}
