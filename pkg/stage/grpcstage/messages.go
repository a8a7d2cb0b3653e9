package grpcstage

import "github.com/MrWong99/maestro/pkg/stage"

// Full method names served by the model workers.
const (
	MethodTranscribe = "/stt.STTService/Transcribe"
	MethodGenerate   = "/llm.LLMService/Generate"
	MethodSynthesize = "/tts.TTSService/Synthesize"
)

// TranscribeRequest is the wire form of [stage.TranscribeRequest].
type TranscribeRequest struct {
	Audio       []byte `json:"audio"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
}

// TranscribeReply carries either text or a worker error string.
type TranscribeReply struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// GenerateRequest is the wire form of [stage.GenerateRequest]. The sampling
// fields are inlined next to the prompt.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
	stage.Sampling
}

// GenerateReply carries either the completion or a worker error string.
type GenerateReply struct {
	Generated string `json:"generated"`
	Error     string `json:"error,omitempty"`
}

// SynthesizeRequest is the wire form of [stage.SynthesizeRequest].
type SynthesizeRequest struct {
	Text string `json:"text"`
}

// SynthesizeReply carries either WAV audio or a worker error string.
type SynthesizeReply struct {
	Audio []byte `json:"audio"`
	Error string `json:"error,omitempty"`
}
