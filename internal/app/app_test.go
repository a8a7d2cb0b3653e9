package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/maestro/internal/app"
	"github.com/MrWong99/maestro/internal/config"
	"github.com/MrWong99/maestro/internal/observe"
	"github.com/MrWong99/maestro/internal/pipeline"
	"github.com/MrWong99/maestro/internal/resilience"
	"github.com/MrWong99/maestro/internal/transport/grpcapi"
	"github.com/MrWong99/maestro/internal/transport/rest"
	"github.com/MrWong99/maestro/internal/transport/wsapi"
	"github.com/MrWong99/maestro/pkg/stage"
	"github.com/MrWong99/maestro/pkg/stage/mock"
)

// testConfig returns a validated config with defaults applied.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: info\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// testBackends returns scripted backends for a happy run.
func testBackends() *app.Backends {
	return &app.Backends{
		Transcriber: &mock.Transcriber{Text: "quanto rendeu meu investimento"},
		Generator:   &mock.Generator{Text: "rendeu dez por cento"},
		Synthesizer: &mock.Synthesizer{Audio: []byte("RIFF-reply")},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type recordingSink struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (s *recordingSink) Publish(_ context.Context, ev pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

// startApp runs an App with all bindings on loopback listeners. The returned
// function stops it and reports the Run error.
func startApp(t *testing.T, sink pipeline.EventSink) (httpAddr, grpcAddr string, stop func() error) {
	t.Helper()
	httpLn, grpcLn := listen(t), listen(t)

	a, err := app.New(context.Background(), testConfig(t), testBackends(),
		app.WithMetrics(testMetrics(t)),
		app.WithEventSink(sink),
		app.WithHTTPListener(httpLn),
		app.WithGRPCListener(grpcLn),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var once sync.Once
	var runErr error
	stop = func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(5 * time.Second):
				runErr = errors.New("Run did not return after cancel")
			}
			_ = a.Shutdown(context.Background())
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return httpLn.Addr().String(), grpcLn.Addr().String(), stop
}

func TestNew_RequiresBackends(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(t), &app.Backends{Transcriber: &mock.Transcriber{}})
	if err == nil {
		t.Fatal("New() with missing backends should fail")
	}
}

func TestRun_ServesAllBindings(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	httpAddr, grpcAddr, stop := startApp(t, sink)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	audio := []byte("RIFF-question")

	// REST
	got, cache, err := rest.NewClient("http://"+httpAddr, nil).Assist(ctx, stage.TranscribeRequest{Audio: audio})
	if err != nil {
		t.Fatalf("rest Assist: %v", err)
	}
	if string(got) != "RIFF-reply" {
		t.Errorf("rest audio = %q", got)
	}
	if !strings.Contains(cache, "transcribe=miss") {
		t.Errorf("rest cache header = %q, want transcribe=miss", cache)
	}

	// WebSocket, mounted on the HTTP listener. Same audio: every stage hits.
	got, res, err := wsapi.NewClient("http://"+httpAddr, nil).Assist(ctx, stage.TranscribeRequest{Audio: audio})
	if err != nil {
		t.Fatalf("ws Assist: %v", err)
	}
	if string(got) != "RIFF-reply" {
		t.Errorf("ws audio = %q", got)
	}
	if res.Cache["synthesize"] != "hit" {
		t.Errorf("ws cache = %v, want synthesize hit", res.Cache)
	}

	// gRPC
	gc, err := grpcapi.Dial(grpcAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer gc.Close()
	reply, err := gc.Assist(ctx, "req-grpc", &grpcapi.AssistRequest{Audio: audio})
	if err != nil {
		t.Fatalf("grpc Assist: %v", err)
	}
	if string(reply.Audio) != "RIFF-reply" || reply.RequestID != "req-grpc" {
		t.Errorf("grpc reply = %+v", reply)
	}

	// Health
	resp, err := http.Get("http://" + httpAddr + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/readyz status = %d, want 200", resp.StatusCode)
	}

	if n := sink.count(); n != 3 {
		t.Errorf("published events = %d, want 3", n)
	}

	if err := stop(); err != nil {
		t.Errorf("Run() after cancel = %v, want nil", err)
	}
}

func TestRun_SeparateWebSocketListener(t *testing.T) {
	t.Parallel()

	httpLn, wsLn, grpcLn := listen(t), listen(t), listen(t)
	a, err := app.New(context.Background(), testConfig(t), testBackends(),
		app.WithMetrics(testMetrics(t)),
		app.WithEventSink(&recordingSink{}),
		app.WithHTTPListener(httpLn),
		app.WithWSListener(wsLn),
		app.WithGRPCListener(grpcLn),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	callCtx, callCancel := context.WithTimeout(ctx, 10*time.Second)
	defer callCancel()

	if _, _, err := wsapi.NewClient("http://"+wsLn.Addr().String(), nil).Assist(callCtx, stage.TranscribeRequest{Audio: []byte("a")}); err != nil {
		t.Fatalf("ws Assist on dedicated listener: %v", err)
	}

	// The HTTP listener no longer routes the WebSocket path.
	resp, err := http.Get("http://" + httpLn.Addr().String() + wsapi.Path)
	if err != nil {
		t.Fatalf("GET %s: %v", wsapi.Path, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET %s on http listener = %d, want 404", wsapi.Path, resp.StatusCode)
	}
}

func TestApplyDiff(t *testing.T) {
	t.Parallel()

	lv := new(slog.LevelVar)
	a, err := app.New(context.Background(), testConfig(t), testBackends(),
		app.WithMetrics(testMetrics(t)),
		app.WithEventSink(&recordingSink{}),
		app.WithLevelVar(lv),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	s := stage.DefaultSampling()
	s.Temperature = 0.1
	a.ApplyDiff(config.ConfigDiff{
		LogLevelChanged: true,
		NewLogLevel:     config.LogDebug,
		SamplingChanged: true,
		NewSampling:     s,
	})

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if got := a.Orchestrator().Sampling(); got != s {
		t.Errorf("sampling = %+v, want %+v", got, s)
	}
}

func TestApplyDiff_EmptyLeavesState(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), testBackends(),
		app.WithMetrics(testMetrics(t)),
		app.WithEventSink(&recordingSink{}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	before := a.Orchestrator().Sampling()
	a.ApplyDiff(config.ConfigDiff{RestartRequired: []string{"cache"}})
	if a.Orchestrator().Sampling() != before {
		t.Error("empty diff changed sampling")
	}
	if a.Level().Level() != slog.LevelInfo {
		t.Errorf("level = %v, want info", a.Level().Level())
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), testBackends(),
		app.WithMetrics(testMetrics(t)),
		app.WithEventSink(&recordingSink{}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestShutdown_ExpiredContext(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), testBackends(),
		app.WithMetrics(testMetrics(t)),
		app.WithEventSink(&recordingSink{}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown(cancelled) = %v, want context.Canceled", err)
	}
}

func TestBuildBackends_Defaults(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltinBackends(reg)

	cfg := testConfig(t)
	cfg.Stages.Generate.Fallbacks = []config.BackendEntry{
		{Transport: config.TransportOpenAI, Model: "gpt-4o-mini", Address: "http://localhost:1/v1"},
	}
	bs, err := app.BuildBackends(cfg, reg)
	if err != nil {
		t.Fatalf("BuildBackends: %v", err)
	}
	if _, ok := bs.Transcriber.(*resilience.TranscriberGroup); !ok {
		t.Errorf("transcriber = %T, want *resilience.TranscriberGroup", bs.Transcriber)
	}
	if _, ok := bs.Generator.(*resilience.GeneratorGroup); !ok {
		t.Errorf("generator = %T, want *resilience.GeneratorGroup", bs.Generator)
	}
	if _, ok := bs.Synthesizer.(*resilience.SynthesizerGroup); !ok {
		t.Errorf("synthesizer = %T, want *resilience.SynthesizerGroup", bs.Synthesizer)
	}
}

func TestBuildBackends_AllTransports(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltinBackends(reg)

	tests := []struct {
		name  string
		stage stage.Name
		entry config.BackendEntry
	}{
		{"grpc transcribe", stage.Transcribe, config.BackendEntry{Transport: config.TransportGRPC, Address: "localhost:9000"}},
		{"websocket synthesize", stage.Synthesize, config.BackendEntry{Transport: config.TransportWebSocket, Address: "ws://localhost:9000/ws"}},
		{"openai transcribe", stage.Transcribe, config.BackendEntry{Transport: config.TransportOpenAI, Model: "whisper-1"}},
		{"anyllm generate", stage.Generate, config.BackendEntry{
			Transport: config.TransportAnyLLM,
			Model:     "llama3",
			Address:   "http://localhost:11434/v1",
			Options:   map[string]any{"provider": "openai", "system_prompt": ""},
			APIKey:    "test",
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t)
			switch tc.stage {
			case stage.Transcribe:
				cfg.Stages.Transcribe.BackendEntry = tc.entry
			case stage.Generate:
				cfg.Stages.Generate.BackendEntry = tc.entry
			case stage.Synthesize:
				cfg.Stages.Synthesize.BackendEntry = tc.entry
			}
			bs, err := app.BuildBackends(cfg, reg)
			if err != nil {
				t.Fatalf("BuildBackends: %v", err)
			}
			if bs.Transcriber == nil || bs.Generator == nil || bs.Synthesizer == nil {
				t.Fatalf("missing backend: %+v", bs)
			}
		})
	}
}

func TestBuildBackends_TransportCannotServeStage(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltinBackends(reg)

	cfg := testConfig(t)
	cfg.Stages.Synthesize.BackendEntry = config.BackendEntry{Transport: config.TransportAnyLLM, Model: "x"}
	_, err := app.BuildBackends(cfg, reg)
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("BuildBackends = %v, want ErrBackendNotRegistered", err)
	}
	if !strings.Contains(err.Error(), "synthesize") {
		t.Errorf("error %q does not name the stage", err)
	}
}

func TestBuildBackends_FallbackError(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltinBackends(reg)

	cfg := testConfig(t)
	cfg.Stages.Transcribe.Fallbacks = []config.BackendEntry{{Transport: config.TransportGRPC}}
	if _, err := app.BuildBackends(cfg, reg); err == nil {
		t.Fatal("BuildBackends with an empty gRPC target should fail")
	}
}
