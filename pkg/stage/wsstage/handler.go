package wsstage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/maestro/pkg/stage"
)

// Backends are the stage implementations a [Handler] serves. Nil fields
// answer with an error reply.
type Backends struct {
	Transcriber stage.Transcriber
	Generator   stage.Generator
	Synthesizer stage.Synthesizer
}

// Handler serves the stage protocol. It is the worker side of [Client].
type Handler struct {
	backends Backends
}

// NewHandler returns a handler for b.
func NewHandler(b Backends) *Handler {
	return &Handler{backends: b}
}

// ServeHTTP implements [http.Handler].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("wsstage: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(MaxMessageSize)

	ctx := r.Context()
	var hdr Header
	if err := wsjson.Read(ctx, conn, &hdr); err != nil {
		// Health probes close without sending a header.
		if !isClosed(err) {
			slog.Debug("wsstage: read header failed", "err", err)
		}
		return
	}

	if err := h.serve(ctx, conn, hdr); err != nil {
		slog.Warn("wsstage: serve failed", "stage", hdr.Stage, "err", err)
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, hdr Header) error {
	switch hdr.Stage {
	case stage.Transcribe:
		typ, audio, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read audio: %w", err)
		}
		if typ != websocket.MessageBinary {
			return wsjson.Write(ctx, conn, Reply{Error: "expected a binary audio frame"})
		}
		if h.backends.Transcriber == nil {
			return wsjson.Write(ctx, conn, Reply{Error: "transcription is not served here"})
		}
		text, err := h.backends.Transcriber.Transcribe(ctx, stage.TranscribeRequest{
			Audio:       audio,
			Filename:    hdr.Filename,
			ContentType: hdr.ContentType,
		})
		return wsjson.Write(ctx, conn, replyFor(Reply{Text: text}, err))

	case stage.Generate:
		if h.backends.Generator == nil {
			return wsjson.Write(ctx, conn, Reply{Error: "generation is not served here"})
		}
		req := stage.GenerateRequest{Prompt: hdr.Prompt, Sampling: stage.DefaultSampling()}
		if hdr.Sampling != nil {
			req.Sampling = *hdr.Sampling
		}
		text, err := h.backends.Generator.Generate(ctx, req)
		return wsjson.Write(ctx, conn, replyFor(Reply{Generated: text}, err))

	case stage.Synthesize:
		if h.backends.Synthesizer == nil {
			return wsjson.Write(ctx, conn, Reply{Error: "synthesis is not served here"})
		}
		audio, err := h.backends.Synthesizer.Synthesize(ctx, stage.SynthesizeRequest{Text: hdr.Text})
		if err != nil {
			return wsjson.Write(ctx, conn, Reply{Error: err.Error()})
		}
		return conn.Write(ctx, websocket.MessageBinary, audio)

	default:
		return wsjson.Write(ctx, conn, Reply{Error: fmt.Sprintf("unknown stage %q", hdr.Stage)})
	}
}

func replyFor(ok Reply, err error) Reply {
	if err != nil {
		return Reply{Error: err.Error()}
	}
	return ok
}

// isClosed reports whether err is a normal peer close.
func isClosed(err error) bool {
	return errors.Is(err, context.Canceled) || websocket.CloseStatus(err) == websocket.StatusNormalClosure
}
