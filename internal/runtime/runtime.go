// Package runtime wires settings into a running invocation server and owns
// its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/szaher/agentfront/internal/auth"
	"github.com/szaher/agentfront/internal/checkpoint"
	"github.com/szaher/agentfront/internal/config"
	"github.com/szaher/agentfront/internal/engine"
	"github.com/szaher/agentfront/internal/identity"
	"github.com/szaher/agentfront/internal/invocation"
	"github.com/szaher/agentfront/internal/llm"
	"github.com/szaher/agentfront/internal/telemetry"
)

const turnLogBuffer = 256

// Runtime manages the full lifecycle of the invocation server.
type Runtime struct {
	settings *config.Settings
	server   *Server
	saver    checkpoint.Saver
	pruner   *checkpoint.Pruner
	turns    *telemetry.TurnLogger
	metrics  *telemetry.Metrics
	pool     *pgxpool.Pool
	logger   zerolog.Logger
}

// Options overrides collaborators that would otherwise be built from
// settings. Nil fields use the defaults.
type Options struct {
	Logger    *zerolog.Logger
	LLMClient llm.Client
	S3Client  checkpoint.ObjectAPI
}

// New builds a runtime from validated settings.
func New(ctx context.Context, settings *config.Settings, opts Options) (*Runtime, error) {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	rt := &Runtime{
		settings: settings,
		metrics:  telemetry.NewMetrics(),
		logger:   logger,
	}

	client, model := opts.LLMClient, settings.Model
	if client == nil {
		var err error
		client, model, err = llm.NewClientForModel(ctx, settings.Model, settings.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("create model client: %w", err)
		}
	} else {
		_, model = llm.ParseModelString(settings.Model)
	}

	saver, err := rt.newSaver(ctx, opts)
	if err != nil {
		return nil, err
	}
	rt.saver = checkpoint.Instrumented(saver, rt.metrics)

	if settings.Memory.Retention > 0 {
		if exp, ok := rt.saver.(checkpoint.Expirer); ok {
			rt.pruner, err = checkpoint.NewPruner(exp, settings.Memory.Retention, settings.Memory.PruneSchedule, logger)
			if err != nil {
				rt.closePool()
				return nil, err
			}
		}
	}

	agentOpts := []engine.AgentOption{
		engine.WithSystemPrompt(settings.Engine.SystemPrompt),
		engine.WithMaxTokens(settings.Engine.MaxTokens),
		engine.WithTokenBudget(settings.Engine.TokenBudget),
		engine.WithHistoryWindow(settings.Engine.HistoryWindow),
		engine.WithLogger(logger),
	}
	if settings.Engine.Temperature != nil {
		agentOpts = append(agentOpts, engine.WithTemperature(*settings.Engine.Temperature))
	}
	agent := engine.NewAgent(client, rt.saver, model, agentOpts...)

	policy, err := identity.ParsePolicy(settings.Identity.UserPolicy)
	if err != nil {
		rt.closePool()
		return nil, err
	}
	resolver := identity.NewResolver(
		identity.WithPolicy(policy),
		identity.WithDefaultSessionID(settings.Identity.DefaultSessionID),
	)

	rt.turns = telemetry.NewTurnLogger(logger, turnLogBuffer, telemetry.WithDropHook(rt.metrics.TurnLogDropped))

	orch := invocation.New(agent,
		invocation.WithResolver(resolver),
		invocation.WithTimeout(settings.RequestTimeout),
		invocation.WithMetrics(rt.metrics),
		invocation.WithTurnLogger(rt.turns),
		invocation.WithTracer(telemetry.NewTracer(telemetry.LogExporter(logger))),
		invocation.WithLogger(logger),
	)

	serverOpts := []ServerOption{
		WithLogger(logger),
		WithMetrics(rt.metrics),
		WithMaxConcurrent(settings.MaxConcurrent),
	}
	switch {
	case settings.AuthEnabled():
		proxies, err := auth.ParseProxies(settings.TrustedProxies)
		if err != nil {
			rt.closePool()
			return nil, err
		}
		serverOpts = append(serverOpts,
			WithAPIKey(settings.APIKey),
			WithAuthGuard(auth.DefaultGuard()),
			WithTrustedProxies(proxies),
		)
	case settings.NoAuth:
		logger.Warn().Msg("server starting WITHOUT authentication (no_auth is set)")
	default:
		logger.Warn().Msg("no api_key configured: invocations are accepted without authentication")
	}
	rt.server = NewServer(orch, serverOpts...)

	logger.Info().
		Str("model", settings.Model).
		Str("memory_id", settings.MemoryID).
		Str("backend", settings.Memory.Backend).
		Str("user_policy", string(policy)).
		Msg("runtime configured")
	return rt, nil
}

func (rt *Runtime) newSaver(ctx context.Context, opts Options) (checkpoint.Saver, error) {
	m := rt.settings.Memory
	codec, err := checkpoint.NewCodec(m.Codec, m.Compress)
	if err != nil {
		return nil, err
	}

	switch m.Backend {
	case config.BackendS3:
		client := opts.S3Client
		if client == nil {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(rt.settings.AWSRegion))
			if err != nil {
				return nil, fmt.Errorf("load aws config: %w", err)
			}
			client = s3.NewFromConfig(awsCfg)
		}
		return checkpoint.NewS3Saver(client, m.S3Bucket, rt.settings.MemoryID,
			checkpoint.WithS3Prefix(m.S3Prefix),
			checkpoint.WithS3Codec(codec),
			checkpoint.WithS3MaxTurns(m.MaxTurns),
		), nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, m.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := checkpoint.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		rt.pool = pool
		return checkpoint.NewPostgresSaver(pool, rt.settings.MemoryID,
			checkpoint.WithPostgresCodec(codec),
			checkpoint.WithPostgresMaxTurns(m.MaxTurns),
		), nil

	default:
		return checkpoint.NewMemorySaver(m.MaxTurns), nil
	}
}

// Server returns the HTTP server.
func (rt *Runtime) Server() *Server {
	return rt.server
}

// Start runs the pruner and serves HTTP until Shutdown is called.
func (rt *Runtime) Start(_ context.Context) error {
	if rt.pruner != nil {
		rt.pruner.Start()
	}
	return rt.server.ListenAndServe(rt.settings.Addr())
}

// Shutdown stops accepting requests, waits for in-flight invocations,
// then stops the pruner, drains the turn log and closes the store.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.logger.Info().Msg("shutting down runtime")

	var errs []error
	if err := rt.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	if rt.pruner != nil {
		rt.pruner.Stop(ctx)
	}
	if err := rt.turns.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain turn log: %w", err))
	}
	rt.closePool()
	return errors.Join(errs...)
}

func (rt *Runtime) closePool() {
	if rt.pool != nil {
		rt.pool.Close()
		rt.pool = nil
	}
}
