// Package grpcstage talks to model workers over gRPC.
//
// The workers expose one unary method per stage (stt.STTService/Transcribe,
// llm.LLMService/Generate, tts.TTSService/Synthesize). Messages are exchanged
// with the [grpcjson] codec, so no generated protobuf code is needed on
// either side. A non-empty "error" field in a reply is surfaced as a
// [*stage.RemoteError].
//
// One [Client] holds one multiplexed connection and implements every stage
// capability; configure a separate client per worker address.
package grpcstage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/proto"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/maestro/pkg/grpcjson"
	"github.com/MrWong99/maestro/pkg/stage"
)

var (
	_ stage.Transcriber = (*Client)(nil)
	_ stage.Generator   = (*Client)(nil)
	_ stage.Synthesizer = (*Client)(nil)
	_ stage.Pinger      = (*Client)(nil)
	_ stage.Closer      = (*Client)(nil)
)

const defaultConnectTimeout = 10 * time.Second

// Option configures a [Client].
type Option func(*options)

type options struct {
	connectTimeout time.Duration
	dialOpts       []grpc.DialOption
}

// WithConnectTimeout bounds each connection attempt. Defaults to 10 s.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithDialOptions appends raw dial options, e.g. a custom dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) {
		o.dialOpts = append(o.dialOpts, opts...)
	}
}

// Client is a gRPC stage backend.
type Client struct {
	target string
	conn   *grpc.ClientConn
}

// New creates a client for target ("host:port" or any gRPC target URI).
// The connection is established lazily on the first call.
func New(target string, opts ...Option) (*Client, error) {
	if target == "" {
		return nil, errors.New("grpcstage: target must not be empty")
	}
	o := options{connectTimeout: defaultConnectTimeout}
	for _, fn := range opts {
		fn(&o)
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoff.DefaultConfig,
			MinConnectTimeout: o.connectTimeout,
		}),
		grpcjson.DialOption(),
	}, o.dialOpts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpcstage: dial %s: %w", target, err)
	}
	return &Client{target: target, conn: conn}, nil
}

// Target returns the address the client was created with.
func (c *Client) Target() string { return c.target }

// Transcribe implements [stage.Transcriber].
func (c *Client) Transcribe(ctx context.Context, req stage.TranscribeRequest) (string, error) {
	in := &TranscribeRequest{Audio: req.Audio, Filename: req.Filename, ContentType: req.ContentType}
	var out TranscribeReply
	if err := c.conn.Invoke(ctx, MethodTranscribe, in, &out); err != nil {
		return "", fmt.Errorf("grpcstage: transcribe: %w", err)
	}
	if out.Error != "" {
		return "", &stage.RemoteError{Message: out.Error}
	}
	return out.Text, nil
}

// Generate implements [stage.Generator].
func (c *Client) Generate(ctx context.Context, req stage.GenerateRequest) (string, error) {
	in := &GenerateRequest{Prompt: req.Prompt, Sampling: req.Sampling}
	var out GenerateReply
	if err := c.conn.Invoke(ctx, MethodGenerate, in, &out); err != nil {
		return "", fmt.Errorf("grpcstage: generate: %w", err)
	}
	if out.Error != "" {
		return "", &stage.RemoteError{Message: out.Error}
	}
	return out.Generated, nil
}

// Synthesize implements [stage.Synthesizer].
func (c *Client) Synthesize(ctx context.Context, req stage.SynthesizeRequest) ([]byte, error) {
	in := &SynthesizeRequest{Text: req.Text}
	var out SynthesizeReply
	if err := c.conn.Invoke(ctx, MethodSynthesize, in, &out); err != nil {
		return nil, fmt.Errorf("grpcstage: synthesize: %w", err)
	}
	if out.Error != "" {
		return nil, &stage.RemoteError{Message: out.Error}
	}
	return out.Audio, nil
}

// Ping queries the standard gRPC health service. Workers that do not
// register it are considered healthy as long as they answer.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{},
		grpc.CallContentSubtype(proto.Name))
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			return nil
		}
		return fmt.Errorf("grpcstage: health %s: %w", c.target, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpcstage: %s is %s", c.target, resp.GetStatus())
	}
	return nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
