// Package openai provides stage backends for OpenAI-compatible servers:
// chat completions for generation, audio transcriptions for speech-to-text
// and audio speech for text-to-speech.
//
// Besides the OpenAI API itself this covers llama.cpp's server,
// faster-whisper servers and other workers exposing the /v1 routes. Sampling
// parameters the OpenAI schema lacks (top_k, repeat_penalty) are sent as
// extra JSON fields, which llama.cpp honours and OpenAI ignores.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/maestro/pkg/stage"
)

var (
	_ stage.Transcriber = (*Client)(nil)
	_ stage.Generator   = (*Client)(nil)
	_ stage.Synthesizer = (*Client)(nil)
	_ stage.Pinger      = (*Client)(nil)
)

const (
	defaultVoice    = "alloy"
	defaultLanguage = "pt"
)

// config holds optional configuration for the client.
type config struct {
	baseURL      string
	apiKey       string
	systemPrompt string
	voice        string
	language     string
	httpClient   *http.Client
}

// Option is a functional option for [Client].
type Option func(*config)

// WithBaseURL points the client at an OpenAI-compatible server, e.g.
// "http://mpes-llm:8080/v1".
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithAPIKey sets the bearer token. Local servers usually accept any value.
func WithAPIKey(key string) Option {
	return func(c *config) {
		c.apiKey = key
	}
}

// WithSystemPrompt replaces [stage.DefaultSystemPrompt] for generation.
// An empty prompt sends the user message alone.
func WithSystemPrompt(prompt string) Option {
	return func(c *config) {
		c.systemPrompt = prompt
	}
}

// WithVoice sets the speech voice. Defaults to "alloy".
func WithVoice(voice string) Option {
	return func(c *config) {
		if voice != "" {
			c.voice = voice
		}
	}
}

// WithLanguage sets the ISO-639-1 transcription language. Defaults to "pt".
func WithLanguage(lang string) Option {
	return func(c *config) {
		if lang != "" {
			c.language = lang
		}
	}
}

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.httpClient = hc
	}
}

// Client is an OpenAI-compatible stage backend bound to one model.
type Client struct {
	client       oai.Client
	model        string
	systemPrompt string
	voice        string
	language     string
}

// New creates a client for model.
func New(model string, opts ...Option) (*Client, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	cfg := &config{
		systemPrompt: stage.DefaultSystemPrompt,
		voice:        defaultVoice,
		language:     defaultLanguage,
	}
	for _, o := range opts {
		o(cfg)
	}

	// Retries are owned by the stage clients.
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(cfg.baseURL, "/")+"/"))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &Client{
		client:       oai.NewClient(reqOpts...),
		model:        model,
		systemPrompt: cfg.systemPrompt,
		voice:        cfg.voice,
		language:     cfg.language,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Transcribe implements [stage.Transcriber].
func (c *Client) Transcribe(ctx context.Context, req stage.TranscribeRequest) (string, error) {
	resp, err := c.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:     oai.File(bytes.NewReader(req.Audio), req.Filename, req.ContentType),
		Model:    oai.AudioModel(c.model),
		Language: param.NewOpt(c.language),
	})
	if err != nil {
		return "", fmt.Errorf("openai: transcription: %w", err)
	}
	return resp.Text, nil
}

// Generate implements [stage.Generator].
func (c *Client) Generate(ctx context.Context, req stage.GenerateRequest) (string, error) {
	params, reqOpts := c.buildParams(req)
	resp, err := c.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

// buildParams maps the prompt and sampling onto a chat completion request.
func (c *Client) buildParams(req stage.GenerateRequest) (oai.ChatCompletionNewParams, []option.RequestOption) {
	var messages []oai.ChatCompletionMessageParamUnion
	if c.systemPrompt != "" {
		messages = append(messages, oai.SystemMessage(c.systemPrompt))
	}
	messages = append(messages, oai.UserMessage(req.Prompt))

	params := oai.ChatCompletionNewParams{
		Model:            shared.ChatModel(c.model),
		Messages:         messages,
		Temperature:      param.NewOpt(req.Temperature),
		TopP:             param.NewOpt(req.TopP),
		PresencePenalty:  param.NewOpt(req.PresencePenalty),
		FrequencyPenalty: param.NewOpt(req.FrequencyPenalty),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
	}

	var reqOpts []option.RequestOption
	if req.TopK > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("top_k", req.TopK))
	}
	if req.RepeatPenalty > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("repeat_penalty", req.RepeatPenalty))
	}
	return params, reqOpts
}

// Synthesize implements [stage.Synthesizer]. Audio is requested as WAV.
func (c *Client) Synthesize(ctx context.Context, req stage.SynthesizeRequest) ([]byte, error) {
	resp, err := c.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(c.model),
		Voice:          oai.AudioSpeechNewParamsVoice(c.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	})
	if err != nil {
		return nil, fmt.Errorf("openai: speech: %w", err)
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read speech audio: %w", err)
	}
	return audio, nil
}

// Ping lists the server's models.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai: list models: %w", err)
	}
	return nil
}
