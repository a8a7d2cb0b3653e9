// Package pipeline drives one assist request through the three stages:
// transcription, text generation and speech synthesis.
//
// The [Orchestrator] is shared by every caller-facing binding. Each
// [Orchestrator.Run] call passes the admission gate, then runs the stages in
// strict order, consulting a per-stage result cache before every remote call.
// A failure in any stage aborts the remaining ones and is reported as a
// [*stage.Failure] naming that stage; only a fully successful run returns
// audio.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/maestro/internal/admission"
	"github.com/MrWong99/maestro/internal/observe"
	"github.com/MrWong99/maestro/internal/stagecache"
	"github.com/MrWong99/maestro/pkg/stage"
)

// Admission is the pseudo-stage reported when a request ends while waiting
// for a permit.
const Admission stage.Name = "admission"

// CacheLimits bounds one stage cache.
type CacheLimits struct {
	MaxEntries int
	MaxBytes   int64
}

// DefaultCacheLimits returns the per-stage cache limits used when none are
// configured. Synthesized audio is bounded by bytes as well as entries.
func DefaultCacheLimits() map[stage.Name]CacheLimits {
	return map[stage.Name]CacheLimits{
		stage.Transcribe: {MaxEntries: 1000},
		stage.Generate:   {MaxEntries: 1000},
		stage.Synthesize: {MaxEntries: 256, MaxBytes: 256 << 20},
	}
}

// Stages bundles the three stage clients.
type Stages struct {
	Transcribe *stage.TranscribeClient
	Generate   *stage.GenerateClient
	Synthesize *stage.SynthesizeClient
}

// AssistRequest is one caller submission.
type AssistRequest struct {
	Audio       []byte
	Filename    string
	ContentType string

	// Binding names the caller-facing transport, for metrics and events.
	Binding string
}

// AssistResult is a successful run.
type AssistResult struct {
	RequestID  string
	Audio      []byte
	Transcript string
	Reply      string
	Cache      map[stage.Name]stagecache.Outcome
	Duration   time.Duration
}

// Runner is the orchestrator as seen by the caller-facing bindings.
type Runner interface {
	Run(ctx context.Context, req AssistRequest) (*AssistResult, error)
}

// RunnerFunc adapts a function to [Runner].
type RunnerFunc func(ctx context.Context, req AssistRequest) (*AssistResult, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req AssistRequest) (*AssistResult, error) {
	return f(ctx, req)
}

var _ Runner = (*Orchestrator)(nil)

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSampling sets the sampling parameters sent with every generate call.
func WithSampling(s stage.Sampling) Option {
	return func(o *Orchestrator) { o.sampling.Store(&s) }
}

// WithCacheLimits overrides the cache limits for stage n.
func WithCacheLimits(n stage.Name, l CacheLimits) Option {
	return func(o *Orchestrator) { o.limits[n] = l }
}

// WithRequestTimeout bounds a whole run, including the admission wait. Zero
// disables the bound; the caller's context still applies.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.requestTimeout = d }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithEventSink sets the sink that receives one event per finished run.
func WithEventSink(s EventSink) Option {
	return func(o *Orchestrator) { o.events = s }
}

// Orchestrator runs assist requests. It is safe for concurrent use.
type Orchestrator struct {
	gate   *admission.Gate
	stages Stages

	transcripts *stagecache.Cache[stage.Key, string]
	replies     *stagecache.Cache[stage.Key, string]
	speech      *stagecache.Cache[stage.Key, []byte]

	limits         map[stage.Name]CacheLimits
	sampling       atomic.Pointer[stage.Sampling]
	requestTimeout time.Duration
	metrics        *observe.Metrics
	events         EventSink
}

// New creates an [Orchestrator].
func New(gate *admission.Gate, stages Stages, opts ...Option) (*Orchestrator, error) {
	if gate == nil {
		return nil, errors.New("pipeline: admission gate must not be nil")
	}
	if stages.Transcribe == nil || stages.Generate == nil || stages.Synthesize == nil {
		return nil, errors.New("pipeline: all three stage clients are required")
	}
	o := &Orchestrator{
		gate:     gate,
		stages:   stages,
		limits: DefaultCacheLimits(),
		events: nopSink{},
	}
	defaults := stage.DefaultSampling()
	o.sampling.Store(&defaults)
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}

	var err error
	if o.transcripts, err = newCache(o, stage.Transcribe, func(s string) int64 { return int64(len(s)) }); err != nil {
		return nil, err
	}
	if o.replies, err = newCache(o, stage.Generate, func(s string) int64 { return int64(len(s)) }); err != nil {
		return nil, err
	}
	if o.speech, err = newCache(o, stage.Synthesize, func(b []byte) int64 { return int64(len(b)) }); err != nil {
		return nil, err
	}
	return o, nil
}

func newCache[V any](o *Orchestrator, n stage.Name, sizeOf func(V) int64) (*stagecache.Cache[stage.Key, V], error) {
	l := o.limits[n]
	c, err := stagecache.New[stage.Key](stagecache.Config[V]{
		Name:       string(n),
		MaxEntries: l.MaxEntries,
		MaxBytes:   l.MaxBytes,
		SizeOf:     sizeOf,
		OnEvict: func() {
			o.metrics.RecordCacheEviction(context.Background(), string(n))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %s cache: %w", n, err)
	}
	return c, nil
}

// Run drives one request through admission and the three stages.
//
// Input is validated before a permit is requested, so malformed requests do
// not occupy a slot. The permit is released on every exit path. Errors are
// [*stage.Failure] values naming the failing stage (or [Admission]); use
// [stage.StatusCode] to map them to a caller-facing status.
func (o *Orchestrator) Run(ctx context.Context, req AssistRequest) (*AssistResult, error) {
	exec := NewExecution(observe.RequestID(ctx))
	ctx = observe.WithRequestID(ctx, exec.ID)
	if o.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.requestTimeout)
		defer cancel()
	}

	ctx, span := observe.StartSpan(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("maestro.request_id", exec.ID),
			attribute.String("maestro.binding", req.Binding),
			attribute.Int("maestro.audio_bytes", len(req.Audio)),
		),
	)
	defer span.End()

	res := &AssistResult{RequestID: exec.ID, Cache: make(map[stage.Name]stagecache.Outcome, 3)}
	err := o.run(ctx, exec, req, res)
	res.Duration = exec.Elapsed()

	o.finish(ctx, span, exec, req, res, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, exec *Execution, req AssistRequest, res *AssistResult) error {
	log := observe.Logger(ctx)

	treq := stage.TranscribeRequest{Audio: req.Audio, Filename: req.Filename, ContentType: req.ContentType}
	if err := treq.Validate(); err != nil {
		_ = exec.Fail(stage.Transcribe)
		return err
	}

	waitStart := time.Now()
	permit, err := o.gate.Acquire(ctx)
	o.metrics.AdmissionWait.Record(ctx, time.Since(waitStart).Seconds())
	if err != nil {
		_ = exec.Fail(Admission)
		return interrupted(Admission, err)
	}
	defer permit.Release()
	log.Debug("admitted", "in_flight", o.gate.InFlight(), "waited", time.Since(waitStart))

	// Transcribe.
	o.advance(ctx, exec, StateTranscribing)
	transcript, outcome, err := runStage(ctx, o, stage.Transcribe, o.transcripts, treq.Key(),
		func(ctx context.Context) (string, error) {
			return o.stages.Transcribe.Transcribe(ctx, treq)
		})
	res.Cache[stage.Transcribe] = outcome
	if err != nil {
		_ = exec.Fail(stage.Transcribe)
		return err
	}
	res.Transcript = transcript

	// Generate.
	o.advance(ctx, exec, StateGenerating)
	greq := stage.GenerateRequest{Prompt: transcript, Sampling: o.Sampling()}
	if err := greq.Validate(); err != nil {
		_ = exec.Fail(stage.Generate)
		return stage.Invalid(stage.Generate, "transcript is empty")
	}
	reply, outcome, err := runStage(ctx, o, stage.Generate, o.replies, greq.Key(),
		func(ctx context.Context) (string, error) {
			return o.stages.Generate.Generate(ctx, greq)
		})
	res.Cache[stage.Generate] = outcome
	if err != nil {
		_ = exec.Fail(stage.Generate)
		return err
	}
	res.Reply = reply

	// Synthesize.
	o.advance(ctx, exec, StateSynthesizing)
	sreq := stage.SynthesizeRequest{Text: reply}
	audio, outcome, err := runStage(ctx, o, stage.Synthesize, o.speech, sreq.Key(o.stages.Synthesize.Model()),
		func(ctx context.Context) ([]byte, error) {
			return o.stages.Synthesize.Synthesize(ctx, sreq)
		})
	res.Cache[stage.Synthesize] = outcome
	if err != nil {
		_ = exec.Fail(stage.Synthesize)
		return err
	}
	res.Audio = audio

	o.advance(ctx, exec, StateDone)
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, exec *Execution, next State) {
	if err := exec.Advance(next); err != nil {
		// Run only ever advances in order; reaching this is a programming error.
		panic(err)
	}
	observe.Logger(ctx).Debug("stage transition", "state", next.String())
}

// runStage serves one stage from its cache, computing on a miss.
func runStage[V any](
	ctx context.Context,
	o *Orchestrator,
	n stage.Name,
	cache *stagecache.Cache[stage.Key, V],
	key stage.Key,
	call func(context.Context) (V, error),
) (V, stagecache.Outcome, error) {
	ctx, span := observe.StartSpan(ctx, "stage."+string(n),
		trace.WithAttributes(attribute.String("maestro.cache_key", key.Short())),
	)
	defer span.End()

	start := time.Now()
	v, outcome, err := cache.GetOrCompute(ctx, key, func(cctx context.Context) (V, error) {
		out, err := call(cctx)
		status := "ok"
		if err != nil {
			status = "error"
		}
		o.metrics.RecordStageRequest(cctx, string(n), status)
		return out, err
	})
	elapsed := time.Since(start)

	o.metrics.RecordCacheLookup(ctx, string(n), string(outcome))
	o.metrics.StageDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("stage", string(n)),
			attribute.String("cache", string(outcome)),
		),
	)
	span.SetAttributes(attribute.String("maestro.cache", string(outcome)))

	log := observe.Logger(ctx)
	if err != nil {
		err = interrupted(n, err)
		f, _ := stage.AsFailure(err)
		o.metrics.RecordStageError(ctx, string(n), string(f.Kind))
		span.RecordError(err)
		span.SetStatus(codes.Error, f.Message)
		log.Warn("stage failed",
			"stage", n,
			"kind", f.Kind,
			"error", f.Message,
			"cache", outcome,
			"duration", elapsed,
		)
		var zero V
		return zero, outcome, err
	}
	log.Debug("stage completed", "stage", n, "cache", outcome, "duration", elapsed)
	return v, outcome, nil
}

// interrupted tags err with stage n. Errors that are already failures pass
// through; a context error observed while waiting becomes a timeout (deadline)
// or an upstream failure wrapping context.Canceled.
func interrupted(n stage.Name, err error) error {
	if _, ok := stage.AsFailure(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &stage.Failure{Stage: n, Kind: stage.KindTimeout, Message: "request deadline exceeded", Err: err}
	case errors.Is(err, context.Canceled):
		return &stage.Failure{Stage: n, Kind: stage.KindUpstream, Message: "request cancelled", Err: err}
	default:
		return &stage.Failure{Stage: n, Kind: stage.KindUpstream, Message: err.Error(), Err: err}
	}
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, exec *Execution, req AssistRequest, res *AssistResult, err error) {
	status := stage.StatusCode(err)
	o.metrics.RecordPipelineRun(ctx, fmt.Sprint(status), req.Binding, res.Duration.Seconds())

	ev := Event{
		Type:       EventCompleted,
		RequestID:  exec.ID,
		Binding:    req.Binding,
		Status:     status,
		DurationMS: res.Duration.Milliseconds(),
		Cache:      make(map[string]string, len(res.Cache)),
		Time:       time.Now().UTC(),
	}
	for n, out := range res.Cache {
		ev.Cache[string(n)] = string(out)
	}

	log := observe.Logger(ctx)
	if err != nil {
		ev.Type = EventFailed
		ev.Error = err.Error()
		if f, ok := stage.AsFailure(err); ok {
			ev.Stage = string(f.Stage)
			ev.Kind = string(f.Kind)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		level := log.Warn
		if status >= http.StatusInternalServerError {
			level = log.Error
		}
		level("assist failed",
			"binding", req.Binding,
			"status", status,
			"stage", ev.Stage,
			"error", err,
			"duration", res.Duration,
		)
	} else {
		log.Info("assist completed",
			"binding", req.Binding,
			"audio_bytes", len(res.Audio),
			"cache", ev.Cache,
			"duration", res.Duration,
		)
	}
	o.events.Publish(context.WithoutCancel(ctx), ev)
}

// Sampling returns the sampling parameters used for new runs.
func (o *Orchestrator) Sampling() stage.Sampling { return *o.sampling.Load() }

// SetSampling replaces the sampling parameters for runs that reach the
// generate stage afterwards. Runs already generating keep theirs.
func (o *Orchestrator) SetSampling(s stage.Sampling) { o.sampling.Store(&s) }

// CacheStats returns a snapshot of every stage cache.
func (o *Orchestrator) CacheStats() map[stage.Name]stagecache.Stats {
	return map[stage.Name]stagecache.Stats{
		stage.Transcribe: o.transcripts.Stats(),
		stage.Generate:   o.replies.Stats(),
		stage.Synthesize: o.speech.Stats(),
	}
}

// Gate returns the admission gate.
func (o *Orchestrator) Gate() *admission.Gate { return o.gate }

// Stages returns the stage clients.
func (o *Orchestrator) Stages() Stages { return o.stages }
