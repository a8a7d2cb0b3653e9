package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/maestro/internal/transport/grpcapi"
	"github.com/MrWong99/maestro/internal/transport/rest"
	"github.com/MrWong99/maestro/internal/transport/wsapi"
	"github.com/MrWong99/maestro/pkg/stage"
)

type assistOptions struct {
	transport string
	server    string
	target    string
	out       string
	requestID string
	timeout   time.Duration
}

func newAssistCommand() *cobra.Command {
	opts := assistOptions{}

	cmd := &cobra.Command{
		Use:   "assist <audio-file>",
		Short: "Send an audio file through a running server and save the spoken reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAssist(cmd.Context(), cmd.OutOrStdout(), args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.transport, "transport", "t", rest.Binding, "Binding to use: rest, websocket or grpc")
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:7000", "Base URL for the rest and websocket bindings")
	cmd.Flags().StringVar(&opts.target, "grpc-target", "localhost:7001", "Target for the grpc binding")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "reply.wav", "Where to write the synthesized reply")
	cmd.Flags().StringVar(&opts.requestID, "request-id", "", "Request ID to send (grpc only; the server mints one otherwise)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "Overall request timeout")
	return cmd
}

func runAssist(ctx context.Context, out io.Writer, path string, opts assistOptions) error {
	audio, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	req := stage.TranscribeRequest{Audio: audio, Filename: filepath.Base(path)}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	var (
		reply []byte
		cache string
	)
	switch opts.transport {
	case rest.Binding:
		reply, cache, err = rest.NewClient(opts.server, nil).Assist(ctx, req)

	case wsapi.Binding:
		var res *wsapi.Result
		reply, res, err = wsapi.NewClient(opts.server, nil).Assist(ctx, req)
		if err == nil {
			cache = formatCache(res.Cache)
			fmt.Fprintf(out, "request:    %s\ntranscript: %s\nreply:      %s\n", res.RequestID, res.Transcript, res.Reply)
		}

	case grpcapi.Binding:
		var c *grpcapi.Client
		if c, err = grpcapi.Dial(opts.target); err != nil {
			return err
		}
		defer c.Close()
		var res *grpcapi.AssistReply
		res, err = c.Assist(ctx, opts.requestID, &grpcapi.AssistRequest{Audio: req.Audio, Filename: req.Filename})
		if err == nil {
			reply = res.Audio
			cache = formatCache(res.Cache)
			fmt.Fprintf(out, "request:    %s\ntranscript: %s\nreply:      %s\n", res.RequestID, res.Transcript, res.Reply)
		}

	default:
		return fmt.Errorf("unknown transport %q (want rest, websocket or grpc)", opts.transport)
	}
	if err != nil {
		return err
	}

	if err := os.WriteFile(opts.out, reply, 0o644); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	fmt.Fprintf(out, "wrote %d bytes to %s (cache: %s)\n", len(reply), opts.out, cache)
	return nil
}

// formatCache renders cache outcomes the way the rest binding's header does.
func formatCache(m map[string]string) string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}
