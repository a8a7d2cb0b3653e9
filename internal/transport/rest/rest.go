// Package rest serves the assist pipeline over plain HTTP.
//
// POST /assist takes a multipart form with the audio in the "file" field and
// answers with the synthesized WAV. Failures are JSON objects naming the
// failing stage:
//
//	{"error": "...", "stage": "generate", "kind": "upstream", "request_id": "..."}
//
// with status 400 (validation), 502 (upstream) or 504 (timeout).
package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/MrWong99/maestro/internal/observe"
	"github.com/MrWong99/maestro/internal/pipeline"
	"github.com/MrWong99/maestro/pkg/stage"
)

const (
	// Binding is the binding name reported in metrics and events.
	Binding = "rest"

	// FormField carries the uploaded audio.
	FormField = "file"

	// CacheHeader reports the per-stage cache outcomes of a successful run,
	// e.g. "generate=hit,synthesize=hit,transcribe=miss".
	CacheHeader = "X-Maestro-Cache"

	// DefaultMaxUploadBytes caps uploads when no limit is configured.
	DefaultMaxUploadBytes = 64 << 20

	// multipartMemory is the part of an upload kept in memory while parsing.
	multipartMemory = 8 << 20
)

// ErrorBody is the JSON body of a failed request.
type ErrorBody struct {
	Error     string `json:"error"`
	Stage     string `json:"stage,omitempty"`
	Kind      string `json:"kind,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Handler serves POST /assist.
type Handler struct {
	runner    pipeline.Runner
	maxUpload int64
}

// Option configures a [Handler].
type Option func(*Handler)

// WithMaxUploadBytes caps the request body. Non-positive values are ignored.
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

// Register adds POST /assist to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /assist", h)
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, err := h.readUpload(w, r)
	if err != nil {
		WriteError(w, observe.RequestID(ctx), err)
		return
	}
	req.Binding = Binding

	res, err := h.runner.Run(ctx, req)
	if err != nil {
		WriteError(w, observe.RequestID(ctx), err)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "audio/wav")
	hdr.Set("Content-Disposition", `attachment; filename="response.wav"`)
	hdr.Set(CacheHeader, FormatCache(res))
	if res.RequestID != "" {
		hdr.Set(observe.RequestIDHeader, res.RequestID)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Audio); err != nil {
		observe.Logger(ctx).Debug("rest: client went away while writing audio", "err", err)
	}
}

func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (pipeline.AssistRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return pipeline.AssistRequest{}, stage.Invalid(stage.Transcribe, fmt.Sprintf("upload exceeds %d bytes", mbe.Limit))
		}
		return pipeline.AssistRequest{}, stage.Invalid(stage.Transcribe, "expected a multipart/form-data body: "+err.Error())
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, fh, err := r.FormFile(FormField)
	if err != nil {
		return pipeline.AssistRequest{}, stage.Invalid(stage.Transcribe, fmt.Sprintf("missing form field %q", FormField))
	}
	defer f.Close()

	audio, err := io.ReadAll(f)
	if err != nil {
		return pipeline.AssistRequest{}, stage.Invalid(stage.Transcribe, "read upload: "+err.Error())
	}
	return pipeline.AssistRequest{
		Audio:       audio,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
	}, nil
}

// WriteError writes err as an [ErrorBody] with the status from
// [stage.StatusCode].
func WriteError(w http.ResponseWriter, requestID string, err error) {
	body := ErrorBody{Error: err.Error(), RequestID: requestID}
	if f, ok := stage.AsFailure(err); ok {
		body.Error = f.Message
		body.Stage = string(f.Stage)
		body.Kind = string(f.Kind)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(stage.StatusCode(err))
	_ = json.NewEncoder(w).Encode(body)
}

// FormatCache renders the cache outcomes of res sorted by stage name.
func FormatCache(res *pipeline.AssistResult) string {
	parts := make([]string, 0, len(res.Cache))
	for n, out := range res.Cache {
		parts = append(parts, string(n)+"="+string(out))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
