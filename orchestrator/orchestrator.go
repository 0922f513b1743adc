// Package orchestrator wires the task coordination core into a runnable
// service: Redis-backed persistence, the state machine, the file lock
// registry, the agent driver over the Anthropic client, the Pulse work queue
// and the webhook HTTP surface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/swarmlab/overseer/config"
	forgegithub "github.com/swarmlab/overseer/features/forge/github"
	modelanthropic "github.com/swarmlab/overseer/features/model/anthropic"
	modelmw "github.com/swarmlab/overseer/features/model/middleware"
	queuepulse "github.com/swarmlab/overseer/features/queue/pulse"
	storeredis "github.com/swarmlab/overseer/features/store/redis"
	"github.com/swarmlab/overseer/runtime/agent"
	"github.com/swarmlab/overseer/runtime/forge"
	"github.com/swarmlab/overseer/runtime/locks"
	"github.com/swarmlab/overseer/runtime/machine"
	"github.com/swarmlab/overseer/runtime/model"
	"github.com/swarmlab/overseer/runtime/router"
	"github.com/swarmlab/overseer/runtime/store"
	"github.com/swarmlab/overseer/runtime/telemetry"
)

type (
	// Queue is the work queue contract the orchestrator drives: the
	// router's enqueue side plus consumption and shutdown.
	Queue interface {
		router.Enqueuer
		Consume(ctx context.Context, handler func(context.Context, router.Job) error) error
		Close(ctx context.Context) error
	}

	// Config assembles an Orchestrator. Settings is required; the
	// remaining fields override the production wiring and exist for tests
	// and alternative deployments.
	Config struct {
		Settings config.Config

		// Store overrides the Redis persistence backend.
		Store store.KV
		// Forge overrides the GitHub App client.
		Forge forge.Client
		// Model overrides the rate-limited Anthropic client.
		Model model.Client
		// Queue overrides the Pulse job queue.
		Queue Queue
		// Cancels overrides the replicated soft-cancel flags.
		Cancels agent.CancelFlags

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Orchestrator is the assembled service. Create with New, run with
	// Run, release resources with Close.
	Orchestrator struct {
		webhookSecret string
		listenAddr    string

		machine *machine.Machine
		locks   *locks.Registry
		router  *router.Router
		queue   Queue

		logger  telemetry.Logger
		metrics telemetry.Metrics
		pingers []health.Pinger

		// Owned resources released by Close, in order.
		cleanup []func(ctx context.Context) error
	}
)

// New wires the orchestrator from configuration. The caller must Close the
// returned orchestrator; New itself releases partially constructed resources
// on failure.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &Orchestrator{
		webhookSecret: cfg.Settings.GitHubWebhookSecret,
		listenAddr:    cfg.Settings.ListenAddr,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
	}
	if o.logger == nil {
		o.logger = telemetry.NewClueLogger()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewClueMetrics()
	}

	ok := false
	defer func() {
		if !ok {
			_ = o.Close(ctx)
		}
	}()

	// Persistence. A Redis connection is only opened when a component
	// below needs it and no override was supplied.
	var rdb *redis.Client
	openRedis := func() (*redis.Client, error) {
		if rdb != nil {
			return rdb, nil
		}
		opts, err := redis.ParseURL(cfg.Settings.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if cfg.Settings.RedisPassword != "" {
			opts.Password = cfg.Settings.RedisPassword
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		o.cleanup = append(o.cleanup, func(context.Context) error { return rdb.Close() })
		return rdb, nil
	}

	kv := cfg.Store
	if kv == nil {
		client, err := openRedis()
		if err != nil {
			return nil, err
		}
		rs := storeredis.New(client)
		o.pingers = append(o.pingers, rs)
		kv = rs
	}

	o.machine = machine.New(kv,
		machine.WithLeaseTTL(time.Duration(cfg.Settings.LeaseTTLSeconds)*time.Second),
		machine.WithLogger(o.logger),
		machine.WithMetrics(o.metrics),
	)
	o.locks = locks.NewRegistry(kv,
		locks.WithDefaultTTL(time.Duration(cfg.Settings.FileLockTTLSeconds)*time.Second),
		locks.WithLogger(o.logger),
		locks.WithMetrics(o.metrics),
	)

	// Model client: Anthropic behind the adaptive rate limiter and a
	// circuit breaker.
	mc := cfg.Model
	if mc == nil {
		base, err := modelanthropic.NewFromAPIKey(cfg.Settings.AnthropicAPIKey,
			modelanthropic.Options{MaxTokens: 4096})
		if err != nil {
			return nil, err
		}
		limiter := modelmw.NewAdaptiveRateLimiter(0, 0)
		mc = model.Chain(base,
			limiter.Middleware(),
			modelmw.Breaker(modelmw.BreakerOptions{Name: "anthropic"}),
		)
	}

	cancels := cfg.Cancels
	if cancels == nil {
		client, err := openRedis()
		if err != nil {
			return nil, err
		}
		flags, err := queuepulse.JoinCancelFlags(ctx, client)
		if err != nil {
			return nil, err
		}
		o.cleanup = append(o.cleanup, func(context.Context) error {
			flags.Close()
			return nil
		})
		cancels = flags
	}

	models := agent.Models{
		Haiku:  cfg.Settings.ModelHaiku,
		Sonnet: cfg.Settings.ModelSonnet,
		Opus:   cfg.Settings.ModelOpus,
	}
	driver, err := agent.NewDriver(models, agent.Variants(mc, cancels),
		agent.WithMaxConcurrent(cfg.Settings.MaxConcurrentAgents),
		agent.WithCancelFlags(cancels),
		agent.WithCostAlertThreshold(cfg.Settings.CostAlertThresholdUSD),
		agent.WithLogger(o.logger),
		agent.WithMetrics(o.metrics),
	)
	if err != nil {
		return nil, err
	}

	fc := cfg.Forge
	if fc == nil {
		fc, err = forgegithub.New(cfg.Settings.GitHubAppID, []byte(cfg.Settings.GitHubAppPrivateKey))
		if err != nil {
			return nil, err
		}
	}

	o.queue = cfg.Queue
	if o.queue == nil {
		client, err := openRedis()
		if err != nil {
			return nil, err
		}
		q, err := queuepulse.NewQueue(client, queuepulse.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		o.cleanup = append(o.cleanup, q.Close)
		o.queue = q
	}

	o.router = router.New(o.machine, driver, o.locks, fc, o.queue,
		router.WithTriggerLabels(cfg.Settings.AgentLabels),
		router.WithLogger(o.logger),
		router.WithMetrics(o.metrics),
	)

	ok = true
	return o, nil
}

// Router exposes the command router, used by tests to drive events without
// HTTP.
func (o *Orchestrator) Router() *router.Router { return o.router }

// Machine exposes the state machine for administrative tooling.
func (o *Orchestrator) Machine() *machine.Machine { return o.machine }

// Locks exposes the file lock registry for administrative tooling.
func (o *Orchestrator) Locks() *locks.Registry { return o.locks }

// Run starts job consumption and serves HTTP until the context is cancelled
// or a termination signal arrives, then shuts down gracefully.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.queue.Consume(ctx, o.router.HandleJob); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              o.listenAddr,
		Handler:           o.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		o.logger.Info(ctx, "listening", "addr", o.listenAddr, "service", ServiceName)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		o.logger.Info(ctx, "shutting down", "signal", sig.String())
	case <-ctx.Done():
		o.logger.Info(ctx, "shutting down", "reason", "context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases owned resources in reverse construction order.
func (o *Orchestrator) Close(ctx context.Context) error {
	var errs []error
	for i := len(o.cleanup) - 1; i >= 0; i-- {
		if err := o.cleanup[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	o.cleanup = nil
	return errors.Join(errs...)
}
