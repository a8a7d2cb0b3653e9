package grpcstage

import (
	"context"

	"google.golang.org/grpc"

	"github.com/MrWong99/maestro/pkg/stage"
)

// RegisterTranscriber serves t as stt.STTService on s. Backend errors are
// reported in the reply's error field, never as gRPC status errors, which is
// how the model workers behave.
func RegisterTranscriber(s grpc.ServiceRegistrar, t stage.Transcriber) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "stt.STTService",
		HandlerType: (*stage.Transcriber)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Transcribe",
			Handler:    unary(MethodTranscribe, transcribe),
		}},
	}, t)
}

// RegisterGenerator serves g as llm.LLMService on s.
func RegisterGenerator(s grpc.ServiceRegistrar, g stage.Generator) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "llm.LLMService",
		HandlerType: (*stage.Generator)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Generate",
			Handler:    unary(MethodGenerate, generate),
		}},
	}, g)
}

// RegisterSynthesizer serves sy as tts.TTSService on s.
func RegisterSynthesizer(s grpc.ServiceRegistrar, sy stage.Synthesizer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "tts.TTSService",
		HandlerType: (*stage.Synthesizer)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Synthesize",
			Handler:    unary(MethodSynthesize, synthesize),
		}},
	}, sy)
}

func transcribe(ctx context.Context, srv any, in *TranscribeRequest) (*TranscribeReply, error) {
	text, err := srv.(stage.Transcriber).Transcribe(ctx, stage.TranscribeRequest{
		Audio:       in.Audio,
		Filename:    in.Filename,
		ContentType: in.ContentType,
	})
	if err != nil {
		return &TranscribeReply{Error: err.Error()}, nil
	}
	return &TranscribeReply{Text: text}, nil
}

func generate(ctx context.Context, srv any, in *GenerateRequest) (*GenerateReply, error) {
	text, err := srv.(stage.Generator).Generate(ctx, stage.GenerateRequest{
		Prompt:   in.Prompt,
		Sampling: in.Sampling,
	})
	if err != nil {
		return &GenerateReply{Error: err.Error()}, nil
	}
	return &GenerateReply{Generated: text}, nil
}

func synthesize(ctx context.Context, srv any, in *SynthesizeRequest) (*SynthesizeReply, error) {
	audio, err := srv.(stage.Synthesizer).Synthesize(ctx, stage.SynthesizeRequest{Text: in.Text})
	if err != nil {
		return &SynthesizeReply{Error: err.Error()}, nil
	}
	return &SynthesizeReply{Audio: audio}, nil
}

// unary adapts a typed handler to grpc.MethodHandler, running interceptors
// the same way generated code does.
func unary[Req, Resp any](fullMethod string, fn func(context.Context, any, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(ctx, srv, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(ctx, srv, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
