package grpcapi

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/MrWong99/maestro/pkg/grpcjson"
)

// Client calls a maestro gRPC binding.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for target. The connection is established lazily.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if target == "" {
		return nil, errors.New("grpcapi: target must not be empty")
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpcjson.DialOption(),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpcapi: dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Assist runs one request. A non-empty requestID is sent as x-request-id.
// Pipeline failures are returned as gRPC status errors; use
// status.Code to tell them apart.
func (c *Client) Assist(ctx context.Context, requestID string, in *AssistRequest) (*AssistReply, error) {
	if requestID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, requestIDKey, requestID)
	}
	out := new(AssistReply)
	if err := c.conn.Invoke(ctx, MethodAssist, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Conn returns the underlying connection.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }
