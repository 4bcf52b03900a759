// Package invocation turns a single inbound request into one turn of a
// durable conversation: identity resolution, engine configuration,
// per-thread serialization, the engine call and response normalization.
package invocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/szaher/agentfront/internal/engine"
	"github.com/szaher/agentfront/internal/identity"
	"github.com/szaher/agentfront/internal/llm"
	"github.com/szaher/agentfront/internal/telemetry"
)

// Orchestrator is constructed once at startup and shared by all requests.
// It holds no conversation state of its own.
type Orchestrator struct {
	engine   engine.Engine
	resolver *identity.Resolver
	locks    *ThreadLocks
	timeout  time.Duration
	metrics  *telemetry.Metrics
	turns    *telemetry.TurnLogger
	tracer   *telemetry.Tracer
	logger   zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithResolver sets the identity resolver.
func WithResolver(r *identity.Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithTimeout bounds each invocation. Zero leaves the caller's deadline alone.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithMetrics enables invocation metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTurnLogger sets the asynchronous turn logger.
func WithTurnLogger(t *telemetry.TurnLogger) Option {
	return func(o *Orchestrator) { o.turns = t }
}

// WithTracer sets the span tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator around eng.
func New(eng engine.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:   eng,
		resolver: identity.NewResolver(),
		locks:    NewThreadLocks(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Invoke runs one turn. Engine errors are returned wrapped but otherwise
// unchanged so callers can match them with errors.Is.
func (o *Orchestrator) Invoke(ctx context.Context, p Payload, t identity.Transport) (*Result, error) {
	start := time.Now()
	if o.metrics != nil {
		defer o.metrics.TrackInFlight()()
	}

	res, err := o.invoke(ctx, p, t)

	if o.metrics != nil {
		o.metrics.RecordInvocation(Status(err), time.Since(start))
	}
	return res, err
}

func (o *Orchestrator) invoke(ctx context.Context, p Payload, t identity.Transport) (*Result, error) {
	if strings.TrimSpace(p.Input) == "" {
		return nil, fmt.Errorf("%w: input is required", ErrMalformedRequest)
	}

	id, err := o.resolver.Resolve(p.UserID, p.SessionID, t)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	cfg := BuildConfig(id.UserID, id.SessionID)
	logger := telemetry.RequestLogger(ctx, o.logger, id.SessionID, id.UserID)

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	ctx, span := o.tracer.StartSpan(ctx, "invocation", telemetry.InvocationTags(id.SessionID, id.UserID))

	waitStart := time.Now()
	release, err := o.locks.Acquire(ctx, cfg.ThreadID)
	if err != nil {
		o.tracer.EndSpan(span, err)
		return nil, fmt.Errorf("wait for thread %q: %w", cfg.ThreadID, err)
	}
	if o.metrics != nil {
		o.metrics.ObserveLockWait(time.Since(waitStart))
	}

	messages, err := o.engine.Invoke(ctx, []llm.Message{llm.NewTextMessage(llm.RoleUser, p.Input)}, cfg)
	release()
	o.tracer.EndSpan(span, err)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Err(err).Msg("engine invocation canceled by caller")
		} else {
			logger.Error().Err(err).Msg("engine invocation failed")
		}
		return nil, fmt.Errorf("invoke engine: %w", err)
	}

	o.logTurn(ctx, id, messages)

	res, err := Normalize(messages, id.SessionID)
	if err != nil {
		logger.Error().Err(err).Msg("engine response rejected")
		return nil, err
	}
	logger.Debug().Int("messages", len(messages)).Msg("invocation complete")
	return res, nil
}

func (o *Orchestrator) logTurn(ctx context.Context, id identity.Identity, messages []llm.Message) {
	if o.turns == nil {
		return
	}
	o.turns.Log(telemetry.TurnRecord{
		CorrelationID: telemetry.CorrelationID(ctx),
		SessionID:     id.SessionID,
		UserID:        id.UserID,
		Messages:      messages,
	})
}

// Status classifies an invocation error for metrics.
func Status(err error) string {
	switch {
	case err == nil:
		return telemetry.StatusOK
	case errors.Is(err, ErrMalformedRequest):
		return telemetry.StatusRejected
	case errors.Is(err, context.DeadlineExceeded):
		return telemetry.StatusTimeout
	case errors.Is(err, context.Canceled):
		return telemetry.StatusCanceled
	default:
		return telemetry.StatusError
	}
}
