package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"inlet/internal/auth"
	"inlet/internal/broker"
	"inlet/internal/config"
	"inlet/internal/constants"
	"inlet/internal/filter"
	"inlet/internal/forwarder"
	"inlet/internal/logger"
	"inlet/internal/normalize"
	"inlet/internal/outcome"
	"inlet/internal/processor"
	"inlet/internal/project"
	"inlet/internal/quota"
	"inlet/internal/server"
	"inlet/pkg/bootstrap"
	"inlet/pkg/circuitbreaker"
	"inlet/pkg/health"
	"inlet/pkg/logging"
	"inlet/pkg/metrics"
)

type App struct {
	*bootstrap.Base

	cache     *project.Cache
	limiter   *quota.RateLimiter
	filters   *filter.Engine
	outcomes  *outcome.Reporter
	forwarder forwarder.Forwarder
	processor *processor.Processor
	server    *server.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("inlet")
	}
	return &App{
		Base: bootstrap.NewBase(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := config.ValidateStatic(a.Config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := a.InitRedis(ctx); err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}

	if a.Config.Mode == constants.ModeProcessing {
		if err := a.InitBroker("inlet"); err != nil {
			return fmt.Errorf("failed to initialize broker: %w", err)
		}
	}

	if err := a.initPipeline(ctx); err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	metrics.RegisterServerMetrics()
	metrics.RegisterProjectMetrics()
	metrics.RegisterQuotaMetrics()
	metrics.RegisterOutcomeMetrics()
	metrics.RegisterForwarderMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	a.server = server.New(a.Config, a.processor, a.healthRegistry(), a.Logger)
	return nil
}

func (a *App) breaker(name string) *circuitbreaker.Wrapper {
	if !a.Config.CircuitBreaker.Enabled {
		return nil
	}
	cfg := circuitbreaker.DefaultConfig(name)
	if a.Config.CircuitBreaker.MaxRequests > 0 {
		cfg.MaxRequests = a.Config.CircuitBreaker.MaxRequests
	}
	if a.Config.CircuitBreaker.Interval > 0 {
		cfg.Interval = a.Config.CircuitBreaker.Interval
	}
	if a.Config.CircuitBreaker.Timeout > 0 {
		cfg.Timeout = a.Config.CircuitBreaker.Timeout
	}
	if a.Config.CircuitBreaker.FailureRatio > 0 {
		cfg.FailureRatio = a.Config.CircuitBreaker.FailureRatio
	}
	if a.Config.CircuitBreaker.MinRequests > 0 {
		cfg.MinRequests = a.Config.CircuitBreaker.MinRequests
	}
	return circuitbreaker.NewWrapper(cfg)
}

func (a *App) initPipeline(ctx context.Context) error {
	fetcher := project.NewHTTPFetcher(
		a.Config.Upstream.URL,
		&http.Client{Timeout: constants.DefaultHTTPTimeout},
		a.breaker("project-fetch"),
		a.Logger,
	)

	cacheCfg := project.DefaultCacheConfig()
	if a.Config.Projects.ValiditySeconds > 0 {
		cacheCfg.Validity = time.Duration(a.Config.Projects.ValiditySeconds) * time.Second
	}
	if a.Config.Projects.NegativeTTLSeconds > 0 {
		cacheCfg.NegativeTTL = time.Duration(a.Config.Projects.NegativeTTLSeconds) * time.Second
	}
	if a.Config.Projects.MaxConcurrentFetches > 0 {
		cacheCfg.MaxConcurrentFetches = int64(a.Config.Projects.MaxConcurrentFetches)
	}
	a.cache = project.NewCache(cacheCfg, fetcher, a.Logger)

	store := quota.NewRedisStore(a.Redis, a.breaker("quota-store"))
	limiterCfg := quota.DefaultRateLimiterConfig()
	if a.Config.Quotas.VerdictCacheTTLSeconds > 0 {
		limiterCfg.VerdictCacheTTL = time.Duration(a.Config.Quotas.VerdictCacheTTLSeconds) * time.Second
	}
	if a.Config.Quotas.OnStoreError != "" {
		limiterCfg.OnStoreError = a.Config.Quotas.OnStoreError
	}
	a.limiter = quota.NewRateLimiter(store, limiterCfg, a.Logger)

	filters, err := filter.NewEngine(a.Config.Filtering.Fallback.OnError, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create filter engine: %w", err)
	}
	a.filters = filters

	a.outcomes = outcome.NewReporter(a.outcomeProducer(), a.outcomeConfig(), a.Logger)

	fwd, err := a.buildForwarder()
	if err != nil {
		return err
	}
	a.forwarder = fwd

	a.processor = processor.NewProcessor(
		a.cache,
		auth.NewEd25519Verifier(a.Config.Auth.RequireSignature, a.Logger),
		a.filters,
		a.limiter,
		normalize.NewEventNormalizer(a.Logger),
		a.forwarder,
		a.outcomes,
		a.Logger,
	)
	return nil
}

func (a *App) outcomeProducer() broker.Producer {
	if a.Producer != nil {
		return a.Producer
	}
	return broker.NopProducer()
}

func (a *App) outcomeConfig() outcome.ReporterConfig {
	cfg := outcome.DefaultReporterConfig()
	if topic := a.Config.Broker.Kafka.Topics.Outcomes; topic != "" {
		cfg.Topic = topic
	}
	if a.Config.Outcomes.BufferSize > 0 {
		cfg.BufferSize = a.Config.Outcomes.BufferSize
	}
	if a.Config.Outcomes.FlushIntervalSeconds > 0 {
		cfg.FlushInterval = time.Duration(a.Config.Outcomes.FlushIntervalSeconds) * time.Second
	}
	return cfg
}

func (a *App) buildForwarder() (forwarder.Forwarder, error) {
	switch a.Config.Mode {
	case constants.ModeProcessing:
		return forwarder.NewKafkaForwarder(a.Producer, a.Config.Broker.Kafka.Topics, a.Logger), nil
	case constants.ModeRelay:
		fwd, err := forwarder.NewUpstreamForwarder(a.Config.Upstream, a.breaker("upstream-forward"), a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream forwarder: %w", err)
		}
		return fwd, nil
	default:
		return nil, fmt.Errorf("unknown mode: %s", a.Config.Mode)
	}
}

func (a *App) healthRegistry() *health.CheckerRegistry {
	registry := health.NewCheckerRegistry()
	registry.Register(health.NewRedisChecker(a.Redis))
	if a.Config.Mode == constants.ModeProcessing {
		registry.Register(health.NewKafkaChecker(a.Config.Broker.Kafka.Brokers))
	}
	if a.Config.Upstream.URL != "" {
		registry.Register(health.NewUpstreamChecker(a.Config.Upstream.URL))
	}
	return registry
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Start()
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.server.Shutdown(context.Background())
	})

	if a.Consumer != nil {
		topic := a.Config.Broker.Kafka.Topics.Invalidations
		if topic == "" {
			topic = constants.DefaultInvalidationTopic
		}
		g.Go(func() error {
			invCtx := logging.WithServiceName(gCtx, "inlet")
			a.Logger.InfowCtx(invCtx, "Starting project invalidation consumer", "topic", topic)
			return a.Consumer.Consume(gCtx, topic, a.handleInvalidation)
		})
	}

	return g.Wait()
}

// handleInvalidation evicts a project from the state cache when its
// configuration changed upstream. The next request re-fetches. Handling
// is idempotent: evicting an absent entry is a no-op.
func (a *App) handleInvalidation(ctx context.Context, msg broker.Message) error {
	var event struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(msg.Value, &event); err != nil || event.ProjectID == "" {
		event.ProjectID = string(msg.Key)
	}
	if event.ProjectID == "" {
		a.Logger.WarnwCtx(ctx, "Invalidation event without project id")
		return nil
	}

	a.cache.Invalidate(project.ID(event.ProjectID))
	a.Logger.DebugwCtx(ctx, "Invalidated project state", "project_id", event.ProjectID)
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, "inlet")
	a.Logger.InfowCtx(shutdownCtx, "Shutting down relay")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.server != nil {
			if err := a.server.Shutdown(context.Background()); err != nil {
				errs = append(errs, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}

		if a.outcomes != nil {
			a.outcomes.Close()
		}
		if a.forwarder != nil {
			if err := a.forwarder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("forwarder close error: %w", err))
			}
		}
		if a.cache != nil {
			a.cache.Close()
		}

		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
