// Package app wires all maestro subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the caller-facing bindings until its context ends,
// and Shutdown tears everything down in order.
//
// For testing, inject listeners, metrics and an event sink via functional
// options. When an option is not provided, New creates real implementations
// from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"

	"github.com/MrWong99/maestro/internal/admission"
	"github.com/MrWong99/maestro/internal/config"
	"github.com/MrWong99/maestro/internal/events"
	"github.com/MrWong99/maestro/internal/health"
	"github.com/MrWong99/maestro/internal/observe"
	"github.com/MrWong99/maestro/internal/pipeline"
	"github.com/MrWong99/maestro/internal/transport/grpcapi"
	"github.com/MrWong99/maestro/internal/transport/rest"
	"github.com/MrWong99/maestro/internal/transport/wsapi"
	"github.com/MrWong99/maestro/pkg/stage"
)

// App owns all subsystem lifetimes and serves the assist pipeline.
type App struct {
	cfg      *config.Config
	backends *Backends

	// Subsystems: initialised in New, torn down in Shutdown.
	metrics  *observe.Metrics
	level    *slog.LevelVar
	sink     pipeline.EventSink
	gate     *admission.Gate
	orch     *pipeline.Orchestrator
	health   *health.Handler
	httpSrv  *http.Server
	wsSrv    *http.Server
	grpcSrv  *grpc.Server
	grpcHlth *grpchealth.Server

	httpLn, wsLn, grpcLn net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithEventSink injects an event sink instead of creating a Kafka publisher
// from config.
func WithEventSink(s pipeline.EventSink) Option {
	return func(a *App) { a.sink = s }
}

// WithLevelVar sets the level variable adjusted by [App.ApplyDiff]. main.go
// passes the one its log handler reads.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithHTTPListener serves the HTTP binding on ln instead of server.http_addr.
func WithHTTPListener(ln net.Listener) Option {
	return func(a *App) { a.httpLn = ln }
}

// WithWSListener serves the WebSocket binding on ln instead of
// server.ws_addr. It implies a dedicated WebSocket listener.
func WithWSListener(ln net.Listener) Option {
	return func(a *App) { a.wsLn = ln }
}

// WithGRPCListener serves the gRPC binding on ln instead of server.grpc_addr.
func WithGRPCListener(ln net.Listener) Option {
	return func(a *App) { a.grpcLn = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The backends come
// from main.go (built via the config registry, see [BuildBackends]).
//
// New does not open any listener; that happens in [App.Run].
func New(ctx context.Context, cfg *config.Config, backends *Backends, opts ...Option) (*App, error) {
	if backends == nil || backends.Transcriber == nil || backends.Generator == nil || backends.Synthesizer == nil {
		return nil, errors.New("app: all three stage backends are required")
	}
	a := &App{
		cfg:      cfg,
		backends: backends,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Level())
	}
	a.closers = append(a.closers, func() error { return closeBackends(backends) })

	// ── 1. Event sink ────────────────────────────────────────────────────
	a.initEvents()

	// ── 2. Admission gate ────────────────────────────────────────────────
	gate, err := admission.New(cfg.Pipeline.MaxConcurrency, admission.WithObserver(func(inFlight, waiting int64) {
		a.metrics.AdmissionInFlight.Add(context.Background(), inFlight)
		a.metrics.AdmissionWaiting.Add(context.Background(), waiting)
	}))
	if err != nil {
		return nil, fmt.Errorf("app: init admission: %w", err)
	}
	a.gate = gate

	// ── 3. Stage clients + orchestrator ──────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.FromPinger(string(stage.Transcribe), backends.Transcriber),
		health.FromPinger(string(stage.Generate), backends.Generator),
		health.FromPinger(string(stage.Synthesize), backends.Synthesizer),
	)

	// ── 5. Bindings ──────────────────────────────────────────────────────
	a.initServers()

	slog.InfoContext(ctx, "app initialised",
		"max_concurrency", cfg.Pipeline.MaxConcurrency,
		"events", a.eventsEnabled(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initEvents creates the Kafka publisher if no sink was injected.
func (a *App) initEvents() {
	if a.sink != nil {
		return
	}
	pub := events.New(&events.Config{
		Brokers: a.cfg.Events.Brokers,
		Topic:   a.cfg.Events.Topic,
		Enabled: a.cfg.Events.Enabled,
	}, events.WithMetrics(a.metrics))
	a.sink = pub
	a.closers = append(a.closers, pub.Close)
}

func (a *App) eventsEnabled() bool {
	if p, ok := a.sink.(*events.Publisher); ok {
		return p.Enabled()
	}
	return true
}

// initPipeline wraps each backend in its stage client and builds the
// orchestrator.
func (a *App) initPipeline() error {
	p := a.cfg.Pipeline
	common := []stage.ClientOption{stage.WithTimeout(p.StageTimeout)}

	tc, err := stage.NewTranscribeClient(a.backends.Transcriber, common...)
	if err != nil {
		return err
	}
	gc, err := stage.NewGenerateClient(a.backends.Generator, append(common, stage.WithAttempts(p.GenerateAttempts))...)
	if err != nil {
		return err
	}
	sc, err := stage.NewSynthesizeClient(a.backends.Synthesizer, append(common, stage.WithModel(a.cfg.Stages.Synthesize.Model))...)
	if err != nil {
		return err
	}

	opts := []pipeline.Option{
		pipeline.WithSampling(p.Sampling),
		pipeline.WithRequestTimeout(a.cfg.Server.RequestTimeout),
		pipeline.WithMetrics(a.metrics),
		pipeline.WithEventSink(a.sink),
	}
	for _, n := range stage.Names {
		l := a.cfg.Cache.ByName(n)
		opts = append(opts, pipeline.WithCacheLimits(n, pipeline.CacheLimits{MaxEntries: l.MaxEntries, MaxBytes: l.MaxBytes}))
	}

	orch, err := pipeline.New(a.gate, pipeline.Stages{Transcribe: tc, Generate: gc, Synthesize: sc}, opts...)
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

// initServers builds the HTTP, WebSocket and gRPC servers. The WebSocket
// binding shares the HTTP listener unless a dedicated one is configured.
func (a *App) initServers() {
	maxUpload := a.cfg.Server.MaxUploadBytes
	mw := observe.Middleware(a.metrics)

	mux := http.NewServeMux()
	rest.NewHandler(a.orch, rest.WithMaxUploadBytes(maxUpload)).Register(mux)
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	ws := wsapi.NewHandler(a.orch, wsapi.WithMaxUploadBytes(maxUpload))
	if a.cfg.Server.WSAddr == "" && a.wsLn == nil {
		ws.Register(mux)
	} else {
		wsMux := http.NewServeMux()
		ws.Register(wsMux)
		a.wsSrv = &http.Server{Handler: mw(wsMux), ReadHeaderTimeout: 10 * time.Second}
	}
	a.httpSrv = &http.Server{Handler: mw(mux), ReadHeaderTimeout: 10 * time.Second}

	if a.cfg.Server.GRPCAddr != "" || a.grpcLn != nil {
		a.grpcSrv, a.grpcHlth = grpcapi.NewServer(a.orch)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the listeners and serves every configured binding until ctx is
// cancelled, then drains in-flight requests within server.shutdown_timeout.
// A clean shutdown returns nil.
func (a *App) Run(ctx context.Context) error {
	if err := a.listen(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return serveHTTP(a.httpSrv, a.httpLn) })
	slog.Info("http binding listening", "addr", a.httpLn.Addr().String())

	if a.wsSrv != nil {
		g.Go(func() error { return serveHTTP(a.wsSrv, a.wsLn) })
		slog.Info("websocket binding listening", "addr", a.wsLn.Addr().String(), "path", wsapi.Path)
	}

	if a.grpcSrv != nil {
		g.Go(func() error {
			if err := a.grpcSrv.Serve(a.grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("app: grpc binding: %w", err)
			}
			return nil
		})
		slog.Info("grpc binding listening", "addr", a.grpcLn.Addr().String(), "service", grpcapi.ServiceName)
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.stopServers()
	})

	return g.Wait()
}

// listen opens every listener not injected through an option.
func (a *App) listen() error {
	var err error
	if a.httpLn == nil {
		if a.httpLn, err = net.Listen("tcp", a.cfg.Server.HTTPAddr); err != nil {
			return fmt.Errorf("app: listen http: %w", err)
		}
	}
	if a.wsSrv != nil && a.wsLn == nil {
		if a.wsLn, err = net.Listen("tcp", a.cfg.Server.WSAddr); err != nil {
			return fmt.Errorf("app: listen websocket: %w", err)
		}
	}
	if a.grpcSrv != nil && a.grpcLn == nil {
		if a.grpcLn, err = net.Listen("tcp", a.cfg.Server.GRPCAddr); err != nil {
			return fmt.Errorf("app: listen grpc: %w", err)
		}
	}
	return nil
}

func serveHTTP(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: serve %s: %w", ln.Addr(), err)
	}
	return nil
}

// stopServers drains the bindings. gRPC falls back to a hard stop when the
// graceful drain outlives the shutdown timeout.
func (a *App) stopServers() error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("draining bindings", "timeout", timeout)

	var errs []error
	if a.grpcSrv != nil {
		a.grpcHlth.Shutdown()
		done := make(chan struct{})
		go func() {
			a.grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			slog.Warn("grpc drain timed out, forcing stop")
			a.grpcSrv.Stop()
		}
	}
	if a.wsSrv != nil {
		if err := a.wsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: shutdown websocket: %w", err))
		}
	}
	if err := a.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("app: shutdown http: %w", err))
	}
	return errors.Join(errs...)
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyDiff applies the hot-reloadable part of a config change: the log level
// and the sampling parameters. Everything else needs a restart; the watcher
// already logs those sections.
func (a *App) ApplyDiff(d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SamplingChanged {
		a.orch.SetSampling(d.NewSampling)
		slog.Info("sampling changed",
			"max_tokens", d.NewSampling.MaxTokens,
			"temperature", d.NewSampling.Temperature,
		)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the pipeline orchestrator.
func (a *App) Orchestrator() *pipeline.Orchestrator { return a.orch }

// Health returns the health handler.
func (a *App) Health() *health.Handler { return a.health }

// Level returns the level variable adjusted on hot reload.
func (a *App) Level() *slog.LevelVar { return a.level }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the backends and the event publisher. Call it after Run
// returns. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func closeBackends(b *Backends) error {
	var errs []error
	for _, v := range []any{b.Transcriber, b.Generator, b.Synthesizer} {
		if c, ok := v.(stage.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
