// Package grpcjson is a gRPC codec that marshals messages as JSON.
//
// It lets the stage workers and the maestro gRPC binding exchange plain Go
// structs without generated protobuf code. Importing the package registers
// the codec under [Name]; clients select it per call with
// grpc.CallContentSubtype(grpcjson.Name) or once per connection with
// [DialOption].
package grpcjson

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Name is the codec's content subtype ("application/grpc+json").
const Name = "json"

// MaxMessageSize bounds request and response messages. Audio uploads and
// synthesized WAV files can be tens of megabytes.
const MaxMessageSize = 64 << 20

func init() {
	encoding.RegisterCodec(Codec{})
}

// Codec implements [encoding.Codec].
type Codec struct{}

// Marshal implements [encoding.Codec].
func (Codec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grpcjson: marshal %T: %w", v, err)
	}
	return b, nil
}

// Unmarshal implements [encoding.Codec].
func (Codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpcjson: unmarshal %T: %w", v, err)
	}
	return nil
}

// Name implements [encoding.Codec].
func (Codec) Name() string { return Name }

// DialOption selects the JSON codec and the message size limits for every
// call on a client connection.
func DialOption() grpc.DialOption {
	return grpc.WithDefaultCallOptions(
		grpc.CallContentSubtype(Name),
		grpc.MaxCallRecvMsgSize(MaxMessageSize),
		grpc.MaxCallSendMsgSize(MaxMessageSize),
	)
}

// ServerOptions returns the message size limits for a server exchanging
// JSON-coded messages.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}
}
