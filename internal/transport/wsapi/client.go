package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/maestro/pkg/stage"
)

// ResultError is a non-200 [Result].
type ResultError struct {
	Result
}

// Error implements error.
func (e *ResultError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("assist: %d %s %s: %s", e.Status, e.Stage, e.Kind, e.Result.Error)
	}
	return fmt.Sprintf("assist: %d: %s", e.Status, e.Result.Error)
}

// Client calls a maestro WebSocket binding.
type Client struct {
	url  string
	http *http.Client
}

// NewClient returns a client for the server at baseURL. http and https
// URLs are accepted; [Path] is appended when baseURL has no path.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	u := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(u, Path) {
		u += Path
	}
	return &Client{url: u, http: httpClient}
}

// Assist uploads audio and returns the synthesized reply with its [Result].
func (c *Client) Assist(ctx context.Context, req stage.TranscribeRequest) ([]byte, *Result, error) {
	req = req.WithDefaults()

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		return nil, nil, fmt.Errorf("assist: dial %s: %w", c.url, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(DefaultMaxUploadBytes)

	if err := wsjson.Write(ctx, conn, Request{Filename: req.Filename, ContentType: req.ContentType}); err != nil {
		return nil, nil, fmt.Errorf("assist: send request: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, req.Audio); err != nil {
		return nil, nil, fmt.Errorf("assist: send audio: %w", err)
	}

	typ, data, err := conn.Read(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("assist: read result: %w", err)
	}
	var res Result
	if typ != websocket.MessageText || json.Unmarshal(data, &res) != nil {
		return nil, nil, fmt.Errorf("assist: malformed result frame")
	}
	if res.Status != http.StatusOK {
		return nil, &res, &ResultError{Result: res}
	}

	typ, audio, err := conn.Read(ctx)
	if err != nil {
		return nil, &res, fmt.Errorf("assist: read audio: %w", err)
	}
	if typ != websocket.MessageBinary {
		return nil, &res, fmt.Errorf("assist: expected a binary audio frame")
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	return audio, &res, nil
}
