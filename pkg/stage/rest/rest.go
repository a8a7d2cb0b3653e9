// Package rest talks to model workers over their plain HTTP API.
//
// The worker contract is:
//
//	POST /transcribe?forward=false   multipart field "file"  -> {"text": "...", "error": "..."}
//	POST /generate                   JSON prompt + sampling  -> {"prompt": "...", "generated": "..."}
//	POST /synthesize                 {"text": "..."}         -> audio/wav body
//	GET  /health                                             -> {"status": "healthy"}
//
// A [Client] is created from either a base URL ("http://mpes-stt:8000") or a
// full stage URL ("http://mpes-stt:8000/transcribe"). When the URL carries a
// path it is used verbatim for every stage call; otherwise the stage's default
// path is appended. Each [Client] owns one pooled [http.Transport] bounded
// by [WithPoolLimits].
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/maestro/pkg/stage"
)

var (
	_ stage.Transcriber = (*Client)(nil)
	_ stage.Generator   = (*Client)(nil)
	_ stage.Synthesizer = (*Client)(nil)
	_ stage.Pinger      = (*Client)(nil)
	_ stage.Closer      = (*Client)(nil)
)

const (
	transcribePath = "/transcribe"
	generatePath   = "/generate"
	synthesizePath = "/synthesize"
	healthPath     = "/health"

	defaultConnectTimeout = 10 * time.Second
	defaultMaxConnections = 100
	defaultMaxKeepalive   = 20

	// errorBodyLimit caps how much of an error response is read into the
	// failure message.
	errorBodyLimit = 4 << 10
)

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient replaces the pooled HTTP client, e.g. with an httptest client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithConnectTimeout bounds TCP connection establishment. Defaults to 10 s.
// It has no effect together with [WithHTTPClient].
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithPoolLimits sets the maximum number of connections and of idle
// keep-alive connections to the worker. Defaults to 100 and 20. It has no
// effect together with [WithHTTPClient].
func WithPoolLimits(maxConnections, maxKeepalive int) Option {
	return func(c *Client) {
		if maxConnections > 0 {
			c.maxConnections = maxConnections
		}
		if maxKeepalive > 0 {
			c.maxKeepalive = maxKeepalive
		}
	}
}

// Client is an HTTP stage backend. It is safe for concurrent use.
type Client struct {
	base     *url.URL
	explicit bool // base carries a stage path

	httpClient     *http.Client
	connectTimeout time.Duration
	maxConnections int
	maxKeepalive   int
}

// New creates a client for the worker at rawURL.
func New(rawURL string, opts ...Option) (*Client, error) {
	if rawURL == "" {
		return nil, errors.New("rest: URL must not be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("rest: parse URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("rest: URL %q must use http or https", rawURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	c := &Client{
		base:           u,
		explicit:       u.Path != "",
		connectTimeout: defaultConnectTimeout,
		maxConnections: defaultMaxConnections,
		maxKeepalive:   defaultMaxKeepalive,
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: c.transport()}
	}
	return c, nil
}

func (c *Client) transport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   c.connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     c.maxConnections,
		MaxIdleConns:        c.maxKeepalive,
		MaxIdleConnsPerHost: c.maxKeepalive,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

// URL returns the configured worker URL.
func (c *Client) URL() string { return c.base.String() }

func (c *Client) endpoint(stagePath string) string {
	u := *c.base
	if !c.explicit {
		u.Path = stagePath
	}
	return u.String()
}

// ---- wire types ----

type transcribeResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

type generateRequest struct {
	Prompt string `json:"prompt"`
	stage.Sampling
}

type generateResponse struct {
	Prompt    string `json:"prompt"`
	Generated string `json:"generated"`
	Error     string `json:"error,omitempty"`
}

type synthesizeRequest struct {
	Text string `json:"text"`
}

// ---- Transcribe ----

// Transcribe implements [stage.Transcriber]. The audio is uploaded as the
// multipart field "file" with forwarding disabled, so the worker answers
// with text instead of calling the next stage itself.
func (c *Client) Transcribe(ctx context.Context, req stage.TranscribeRequest) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.Filename))
	h.Set("Content-Type", req.ContentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("rest: create multipart part: %w", err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return "", fmt.Errorf("rest: write audio part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("rest: close multipart writer: %w", err)
	}

	u, err := url.Parse(c.endpoint(transcribePath))
	if err != nil {
		return "", fmt.Errorf("rest: transcribe URL: %w", err)
	}
	q := u.Query()
	q.Set("forward", "false")
	u.RawQuery = q.Encode()

	var out transcribeResponse
	if err := c.do(ctx, u.String(), mw.FormDataContentType(), &body, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&out)
	}); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", &stage.RemoteError{Message: out.Error}
	}
	return out.Text, nil
}

// ---- Generate ----

// Generate implements [stage.Generator].
func (c *Client) Generate(ctx context.Context, req stage.GenerateRequest) (string, error) {
	payload, err := json.Marshal(generateRequest{Prompt: req.Prompt, Sampling: req.Sampling})
	if err != nil {
		return "", fmt.Errorf("rest: marshal generate request: %w", err)
	}
	var out generateResponse
	if err := c.do(ctx, c.endpoint(generatePath), "application/json", bytes.NewReader(payload), func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&out)
	}); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", &stage.RemoteError{Message: out.Error}
	}
	return out.Generated, nil
}

// ---- Synthesize ----

// Synthesize implements [stage.Synthesizer]. The response body is returned
// as-is.
func (c *Client) Synthesize(ctx context.Context, req stage.SynthesizeRequest) ([]byte, error) {
	payload, err := json.Marshal(synthesizeRequest{Text: req.Text})
	if err != nil {
		return nil, fmt.Errorf("rest: marshal synthesize request: %w", err)
	}
	var audio []byte
	if err := c.do(ctx, c.endpoint(synthesizePath), "application/json", bytes.NewReader(payload), func(r io.Reader) error {
		var rerr error
		audio, rerr = io.ReadAll(r)
		return rerr
	}); err != nil {
		return nil, err
	}
	return audio, nil
}

// ---- Ping / Close ----

// Ping calls GET /health on the worker's host.
func (c *Client) Ping(ctx context.Context) error {
	u := url.URL{Scheme: c.base.Scheme, Host: c.base.Host, Path: healthPath}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("rest: create health request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rest: GET %s: %w", healthPath, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rest: GET %s returned status %d", healthPath, resp.StatusCode)
	}
	return nil
}

// Close drops idle pooled connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// do POSTs body to target and hands a 2xx response body to decode. Non-2xx
// responses become a [*stage.RemoteError] carrying the worker's message.
func (c *Client) do(ctx context.Context, target, contentType string, body io.Reader, decode func(io.Reader) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return fmt.Errorf("rest: create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rest: POST %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("rest: POST %s returned status %d: %w",
			req.URL.Path, resp.StatusCode, &stage.RemoteError{Message: errorMessage(resp)})
	}
	if err := decode(resp.Body); err != nil {
		return fmt.Errorf("rest: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// errorMessage extracts a message from an error response. JSON bodies with a
// "detail" or "error" field yield that field; anything else is returned as
// trimmed text.
func errorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	var body struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if s, ok := body.Detail.(string); ok && s != "" {
			return s
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return http.StatusText(resp.StatusCode)
}
