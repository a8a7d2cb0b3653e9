// Package wsstage talks to model workers over WebSocket.
//
// Every stage call uses its own connection and exchanges exactly one request
// and one reply:
//
//   - The client sends a text frame with a JSON [Header] naming the stage
//     and carrying its parameters.
//   - For transcription the header is followed by one binary frame holding
//     the audio file.
//   - The worker answers with a text frame holding a JSON [Reply] or, for a
//     successful synthesis, one binary frame holding the WAV audio.
//
// [Handler] serves the same protocol in front of any stage backend.
package wsstage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/maestro/pkg/stage"
)

var (
	_ stage.Transcriber = (*Client)(nil)
	_ stage.Generator   = (*Client)(nil)
	_ stage.Synthesizer = (*Client)(nil)
	_ stage.Pinger      = (*Client)(nil)
)

// MaxMessageSize bounds a single frame in either direction.
const MaxMessageSize = 64 << 20

const defaultConnectTimeout = 10 * time.Second

// Header is the first frame of every call.
type Header struct {
	Stage stage.Name `json:"stage"`

	// Transcribe
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`

	// Generate
	Prompt string `json:"prompt,omitempty"`
	*stage.Sampling

	// Synthesize
	Text string `json:"text,omitempty"`
}

// Reply is the JSON answer frame.
type Reply struct {
	Text      string `json:"text,omitempty"`
	Generated string `json:"generated,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for the opening handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithConnectTimeout bounds the opening handshake. Defaults to 10 s.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// Client is a WebSocket stage backend.
type Client struct {
	url            string
	httpClient     *http.Client
	connectTimeout time.Duration
}

// New creates a client for the worker endpoint at rawURL (ws, wss, http or
// https scheme).
func New(rawURL string, opts ...Option) (*Client, error) {
	if rawURL == "" {
		return nil, errors.New("wsstage: URL must not be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("wsstage: parse URL %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("wsstage: unsupported scheme %q", u.Scheme)
	}
	c := &Client{url: rawURL, connectTimeout: defaultConnectTimeout}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// URL returns the worker endpoint.
func (c *Client) URL() string { return c.url }

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPClient: c.httpClient})
	if err != nil {
		return nil, fmt.Errorf("wsstage: dial %s: %w", c.url, err)
	}
	conn.SetReadLimit(MaxMessageSize)
	return conn, nil
}

// call sends h (and payload as a binary frame, when non-nil) and returns the
// single reply frame.
func (c *Client) call(ctx context.Context, h Header, payload []byte) (websocket.MessageType, []byte, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, h); err != nil {
		return 0, nil, fmt.Errorf("wsstage: send %s header: %w", h.Stage, err)
	}
	if payload != nil {
		if err := conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
			return 0, nil, fmt.Errorf("wsstage: send %s payload: %w", h.Stage, err)
		}
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("wsstage: read %s reply: %w", h.Stage, err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	return typ, data, nil
}

func decodeReply(n stage.Name, typ websocket.MessageType, data []byte) (Reply, error) {
	if typ != websocket.MessageText {
		return Reply{}, fmt.Errorf("wsstage: %s reply: unexpected binary frame", n)
	}
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("wsstage: decode %s reply: %w", n, err)
	}
	if r.Error != "" {
		return Reply{}, &stage.RemoteError{Message: r.Error}
	}
	return r, nil
}

// Transcribe implements [stage.Transcriber].
func (c *Client) Transcribe(ctx context.Context, req stage.TranscribeRequest) (string, error) {
	typ, data, err := c.call(ctx, Header{
		Stage:       stage.Transcribe,
		Filename:    req.Filename,
		ContentType: req.ContentType,
	}, req.Audio)
	if err != nil {
		return "", err
	}
	r, err := decodeReply(stage.Transcribe, typ, data)
	if err != nil {
		return "", err
	}
	return r.Text, nil
}

// Generate implements [stage.Generator].
func (c *Client) Generate(ctx context.Context, req stage.GenerateRequest) (string, error) {
	sampling := req.Sampling
	typ, data, err := c.call(ctx, Header{
		Stage:    stage.Generate,
		Prompt:   req.Prompt,
		Sampling: &sampling,
	}, nil)
	if err != nil {
		return "", err
	}
	r, err := decodeReply(stage.Generate, typ, data)
	if err != nil {
		return "", err
	}
	return r.Generated, nil
}

// Synthesize implements [stage.Synthesizer].
func (c *Client) Synthesize(ctx context.Context, req stage.SynthesizeRequest) ([]byte, error) {
	typ, data, err := c.call(ctx, Header{Stage: stage.Synthesize, Text: req.Text}, nil)
	if err != nil {
		return nil, err
	}
	if typ == websocket.MessageBinary {
		return data, nil
	}
	if _, err := decodeReply(stage.Synthesize, typ, data); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("wsstage: synthesize reply carried no audio")
}

// Ping opens a connection and exchanges a WebSocket ping.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.CloseNow()
	conn.CloseRead(ctx)
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("wsstage: ping %s: %w", c.url, err)
	}
	return nil
}
