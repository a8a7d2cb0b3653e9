// Package wsapi serves the assist pipeline over WebSocket at /ws/assist.
//
// One connection carries one request:
//
//   - The client sends a text frame with a JSON [Request] and then one binary
//     frame holding the audio file.
//   - The server answers with a text frame holding a JSON [Result]. When its
//     status is 200 a binary frame with the synthesized WAV follows.
package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/maestro/internal/observe"
	"github.com/MrWong99/maestro/internal/pipeline"
	"github.com/MrWong99/maestro/pkg/stage"
)

const (
	// Binding is the binding name reported in metrics and events.
	Binding = "websocket"

	// Path is where the handler is mounted.
	Path = "/ws/assist"

	// DefaultMaxUploadBytes caps the audio frame when no limit is configured.
	DefaultMaxUploadBytes = 64 << 20
)

// Request is the first client frame.
type Request struct {
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Result is the server's JSON frame.
type Result struct {
	Status     int               `json:"status"`
	RequestID  string            `json:"request_id,omitempty"`
	Transcript string            `json:"transcript,omitempty"`
	Reply      string            `json:"reply,omitempty"`
	Cache      map[string]string `json:"cache,omitempty"`
	AudioBytes int               `json:"audio_bytes,omitempty"`

	Error string `json:"error,omitempty"`
	Stage string `json:"stage,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// Handler serves [Path].
type Handler struct {
	runner    pipeline.Runner
	maxUpload int64
}

// Option configures a [Handler].
type Option func(*Handler)

// WithMaxUploadBytes caps the audio frame. Non-positive values are ignored.
func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxUpload = n
		}
	}
}

// NewHandler returns a handler running every request through r.
func NewHandler(r pipeline.Runner, opts ...Option) *Handler {
	h := &Handler{runner: r, maxUpload: DefaultMaxUploadBytes}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds GET [Path] to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET "+Path, h)
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("wsapi: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	// Larger frames close the connection with StatusMessageTooBig.
	conn.SetReadLimit(h.maxUpload)

	req, err := readRequest(ctx, conn)
	if err != nil {
		if f, ok := stage.AsFailure(err); ok {
			_ = wsjson.Write(ctx, conn, failureResult(observe.RequestID(ctx), f))
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		log.Debug("wsapi: read request failed", "err", err)
		return
	}

	res, err := h.runner.Run(ctx, req)
	if err != nil {
		out := Result{Status: stage.StatusCode(err), RequestID: observe.RequestID(ctx), Error: err.Error()}
		if f, ok := stage.AsFailure(err); ok {
			out = failureResult(out.RequestID, f)
		}
		_ = wsjson.Write(ctx, conn, out)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	out := Result{
		Status:     http.StatusOK,
		RequestID:  res.RequestID,
		Transcript: res.Transcript,
		Reply:      res.Reply,
		Cache:      make(map[string]string, len(res.Cache)),
		AudioBytes: len(res.Audio),
	}
	for n, o := range res.Cache {
		out.Cache[string(n)] = string(o)
	}
	if err := wsjson.Write(ctx, conn, out); err != nil {
		log.Debug("wsapi: write result failed", "err", err)
		return
	}
	if err := conn.Write(ctx, websocket.MessageBinary, res.Audio); err != nil {
		log.Debug("wsapi: write audio failed", "err", err)
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// readRequest reads the JSON header and the audio frame. Protocol mistakes
// by the client are returned as validation failures.
func readRequest(ctx context.Context, conn *websocket.Conn) (pipeline.AssistRequest, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return pipeline.AssistRequest{}, fmt.Errorf("read request: %w", err)
	}
	var hdr Request
	if typ != websocket.MessageText || json.Unmarshal(data, &hdr) != nil {
		return pipeline.AssistRequest{}, stage.Invalid(stage.Transcribe, "first frame must be a JSON request")
	}

	typ, audio, err := conn.Read(ctx)
	if err != nil {
		return pipeline.AssistRequest{}, fmt.Errorf("read audio: %w", err)
	}
	if typ != websocket.MessageBinary {
		return pipeline.AssistRequest{}, stage.Invalid(stage.Transcribe, "second frame must be binary audio")
	}
	return pipeline.AssistRequest{
		Audio:       audio,
		Filename:    hdr.Filename,
		ContentType: hdr.ContentType,
		Binding:     Binding,
	}, nil
}

func failureResult(requestID string, f *stage.Failure) Result {
	return Result{
		Status:    f.Kind.Status(),
		RequestID: requestID,
		Error:     f.Message,
		Stage:     string(f.Stage),
		Kind:      string(f.Kind),
	}
}
