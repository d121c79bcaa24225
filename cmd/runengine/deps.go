package main

import (
	"context"
	"fmt"
	"os"

	"github.com/example/runengine/internal/billing"
	"github.com/example/runengine/internal/cache"
	"github.com/example/runengine/internal/config"
	"github.com/example/runengine/internal/coordinator"
	"github.com/example/runengine/internal/driver"
	"github.com/example/runengine/internal/llmexec"
	"github.com/example/runengine/internal/lock"
	"github.com/example/runengine/internal/logging"
	"github.com/example/runengine/internal/metrics"
	"github.com/example/runengine/internal/ownership"
	"github.com/example/runengine/internal/ratelimit"
	"github.com/example/runengine/internal/redisx"
	"github.com/example/runengine/internal/runstate"
	"github.com/example/runengine/internal/sinks"
	"github.com/example/runengine/internal/store"
	"github.com/example/runengine/internal/toolinvoke"
	"github.com/example/runengine/internal/tracing"
	"github.com/example/runengine/internal/writebuffer"
)

// worker bundles every collaborator a serve process needs.
type worker struct {
	cfg         config.Config
	store       *store.Store
	redis       *redisx.Client
	cache       *cache.Cache
	locks       *lock.Manager
	ownership   *ownership.Manager
	writeBuffer *writebuffer.Buffer
	registry    *llmexec.Registry
	driver      *driver.Driver
	sinksDisp   *sinks.Dispatcher
	billing     *billing.Service
	metrics     *metrics.Metrics
	logger      *logging.Logger
	tracer      *tracing.Tracer
	tracerStop  func(context.Context) error
}

// noopNotifier and noopExtractor back the Sinks dispatcher until a real
// notification channel / memory backend is configured for an account — a
// run still finishes and releases ownership without either wired.
type noopNotifier struct{ log *logging.Logger }

func (n noopNotifier) NotifyRunFinished(ctx context.Context, accountID string, outcome coordinator.Outcome) error {
	n.log.Debug(ctx, "no notifier configured, dropping run-finished notification", "account_id", accountID, "status", outcome.Status)
	return nil
}

type noopExtractor struct{ log *logging.Logger }

func (n noopExtractor) ExtractMemories(ctx context.Context, runID, threadID string) error {
	n.log.Debug(ctx, "no memory extractor configured, skipping extraction", "run_id", runID, "thread_id", threadID)
	return nil
}

// buildWorker wires one process's worth of collaborators from cfg. instanceID
// identifies this process for ownership leases and Redis control channels.
func buildWorker(ctx context.Context, cfg config.Config, instanceID string) (*worker, error) {
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	st, err := store.Open(ctx, cfg.Database.PrimaryDSN, cfg.Database.ReplicaDSN, store.PoolConfig{
		MaxOpenConns:     cfg.Database.MaxOpenConns,
		MaxIdleConns:     cfg.Database.MaxIdleConns,
		ConnMaxLifetime:  cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime:  cfg.Database.ConnMaxIdle,
		ConnectTimeout:   cfg.Database.ConnectTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	redis := redisx.New(redisx.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		OpTimeout:    cfg.Redis.OpTimeout,
		StreamMaxLen: cfg.Redis.StreamMaxLen,
		StreamTTL:    cfg.Redis.StreamTTL,
	})

	m := metrics.New()
	c := cache.New(redis, nil)
	locks := lock.New(redis, lock.Config{TTL: cfg.Run.LockTTL, RenewalInterval: cfg.Run.HeartbeatInterval})

	own := ownership.New(locks, redis, st, instanceID, func(ev ownership.Event) {
		logger.Debug(context.Background(), "ownership event", "type", ev.Type, "run_id", ev.RunID)
	})

	wb := writebuffer.New(st, writebuffer.DefaultFlushInterval)
	wb.Start(ctx)

	registry, err := buildModelRegistry(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("build model registry: %w", err)
	}

	tracingEndpoint := ""
	if cfg.Observability.Tracing.Enabled {
		tracingEndpoint = cfg.Observability.Tracing.Endpoint
	}
	tracer, tracerStop := tracing.New(tracing.Config{
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		Environment:  cfg.Observability.Tracing.Environment,
		Endpoint:     tracingEndpoint,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
		Insecure:     cfg.Observability.Tracing.Insecure,
	})

	primaryName := cfg.LLM.DefaultProvider
	primaryProvider, _, err := registry.Resolve(primaryName, cfg.LLM.Providers[primaryName].DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("resolve default provider %q: %w", primaryName, err)
	}
	orchestrator := llmexec.NewOrchestrator(primaryProvider, llmexec.DefaultFailoverConfig())
	orchestrator.SetRateLimiter(ratelimit.NewLimiter(cfg.LLM.RateLimit))
	for name := range cfg.LLM.Providers {
		if name == primaryName {
			continue
		}
		if p, _, err := registry.Resolve(name, cfg.LLM.Providers[name].DefaultModel); err == nil {
			orchestrator.AddFallback(p)
		}
	}

	tools := toolinvoke.NewRegistry()
	invoker := toolinvoke.NewInvoker(toolinvoke.DefaultConfig())

	coord := coordinator.New(coordinator.DefaultConfig(), coordinator.Deps{
		Store:        st,
		Cache:        c,
		Ownership:    own,
		StepGate:     lock.NewStepGate(st),
		States:       runstate.New(),
		Packer:       runstate.NewPacker(runstate.DefaultPackOptions()),
		Orchestrator: orchestrator,
		Tools:        tools,
		Invoker:      invoker,
		WriteBuffer:  wb,
		Metrics:      m,
		Logger:       logger,
		Tracer:       tracer,
	})

	sinkDispatcher := sinks.New(sinks.DefaultConfig(), noopNotifier{logger}, noopExtractor{logger}, c, logger)

	bill := billing.New(st, st, st, locks, logger)

	drv := driver.New(driver.Config{
		StreamMaxLen:             cfg.Redis.StreamMaxLen,
		StreamTTLAfterCompletion: cfg.Redis.StreamTTL,
		ActiveRunTTL:             cfg.Run.LockTTL,
		MaxPendingRedisOps:       int64(cfg.Run.MaxPendingRedisOps),
	}, driver.Deps{
		Redis:         redis,
		Coordinator:   coord,
		WriteBuffer:   wb,
		Cache:         c,
		ModelRegistry: registry,
		Sinks:         sinkDispatcher,
		Metrics:       m,
		Logger:        logger,
	})

	return &worker{
		cfg:         cfg,
		store:       st,
		redis:       redis,
		cache:       c,
		locks:       locks,
		ownership:   own,
		writeBuffer: wb,
		registry:    registry,
		driver:      drv,
		sinksDisp:   sinkDispatcher,
		billing:     bill,
		metrics:     m,
		logger:      logger,
		tracer:      tracer,
		tracerStop:  tracerStop,
	}, nil
}

// Close shuts everything down in reverse dependency order: stop accepting
// new ownership claims, drain the sinks pool, halt the write buffer's
// background loop, then close the storage connections.
func (w *worker) Close(ctx context.Context) {
	w.ownership.Shutdown()
	w.sinksDisp.Stop()
	w.writeBuffer.Stop()
	if w.tracerStop != nil {
		_ = w.tracerStop(ctx)
	}
	if err := w.redis.Close(); err != nil {
		w.logger.Warn(ctx, "failed to close redis client", "error", err)
	}
	if err := w.store.Close(); err != nil {
		w.logger.Warn(ctx, "failed to close store", "error", err)
	}
}

// buildModelRegistry registers every configured LLM provider under the
// provider-agnostic Registry the Background Driver resolves models against.
func buildModelRegistry(cfg config.LLMConfig) (*llmexec.Registry, error) {
	registry := llmexec.NewRegistry()

	for name, pc := range cfg.Providers {
		switch name {
		case "anthropic":
			p, err := llmexec.NewAnthropicProvider(llmexec.AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("build anthropic provider: %w", err)
			}
			registry.Register(p, pc.DefaultModel)
		case "openai":
			p := llmexec.NewOpenAIProvider(pc.APIKey)
			registry.Register(p, pc.DefaultModel)
		case "bedrock":
			if !cfg.Bedrock.Enabled {
				continue
			}
			p, err := llmexec.NewBedrockProvider(llmexec.BedrockConfig{
				Region:       cfg.Bedrock.Region,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				return nil, fmt.Errorf("build bedrock provider: %w", err)
			}
			registry.Register(p, pc.DefaultModel)
		}
	}

	return registry, nil
}
