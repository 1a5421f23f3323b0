// Command orchestrator serves the chat orchestration core over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NickB03/vana-sub003/accountant"
	"github.com/NickB03/vana-sub003/authz"
	"github.com/NickB03/vana-sub003/broadcast"
	"github.com/NickB03/vana-sub003/config"
	"github.com/NickB03/vana-sub003/core"
	"github.com/NickB03/vana-sub003/dispatcher"
	"github.com/NickB03/vana-sub003/logging"
	"github.com/NickB03/vana-sub003/model"
	"github.com/NickB03/vana-sub003/model/anthropic"
	"github.com/NickB03/vana-sub003/model/openai"
	"github.com/NickB03/vana-sub003/resilience"
	"github.com/NickB03/vana-sub003/runner"
	"github.com/NickB03/vana-sub003/server"
	"github.com/NickB03/vana-sub003/session"
	"github.com/NickB03/vana-sub003/session/sqlite"
	"github.com/NickB03/vana-sub003/tool"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(&logging.Config{
		Level:     logging.ParseLevel(cfg.LogLevel),
		Format:    cfg.LogFormat,
		Component: "orchestrator",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	breakers := resilience.NewBreakerSet(func(o *resilience.BreakerOptions) {
		o.Threshold = cfg.Breaker.Threshold
		o.Window = cfg.Breaker.Window
		o.Cooldown = cfg.Breaker.Cooldown
	})

	events := broadcast.New(func(o *broadcast.Options) {
		o.Capacity = cfg.Events.LogCapacity
		o.HeartbeatInterval = cfg.Events.HeartbeatInterval
		o.Logger = logger.WithComponent("broadcast")
	})

	var backend session.Backend
	if cfg.DBPath != "" {
		db, err := sqlite.Open(cfg.DBPath, func(o *sqlite.Options) { o.Logger = logger.WithComponent("sqlite") })
		if err != nil {
			return fmt.Errorf("open session database: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("sqlite.close_failed", "error", err.Error())
			}
		}()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("session database health check: %w", err)
		}
		backend = db
		logger.Info("sqlite.connected", "path", cfg.DBPath)
	}

	store := session.NewStore(func(o *session.Options) {
		o.TTL = cfg.Sessions.TTL
		o.MaxFailedAttempts = cfg.Sessions.MaxFailedAttempts
		o.Evictor = events
		o.Logger = logger.WithComponent("session")
		if backend != nil {
			o.Backend = backend
		}
	})

	provider := newProvider(cfg.Model)
	client := model.NewClient(provider, func(o *model.Options) {
		o.Retry = model.RetryPolicy{
			MaxAttempts:          cfg.Retry.MaxAttempts,
			BaseDelay:            cfg.Retry.BaseDelay,
			Multiplier:           cfg.Retry.Multiplier,
			Jitter:               cfg.Retry.Jitter,
			MaxDelay:             cfg.Retry.MaxDelay,
			RetryableStatusCodes: cfg.Retry.StatusCodes,
			RetryTransportErrors: cfg.Retry.TransportErrors,
		}
		o.Breakers = breakers
		o.Logger = logger.WithComponent("model")
	})

	tools := tool.NewRegistry(func(o *tool.RegistryOptions) { o.Logger = logger.WithComponent("tool") })
	specialists := dispatcher.DefaultSpecialists()
	if cfg.ToolEndpoint != "" {
		remote, err := tool.DiscoverRemoteTools(ctx, cfg.ToolEndpoint, func(o *tool.RemoteOptions) { o.Breakers = breakers })
		if err != nil {
			logger.Warn("tool.discovery_failed", "endpoint", cfg.ToolEndpoint, "error", err.Error())
		}
		for _, t := range remote {
			if err := tools.Register(t); err != nil {
				return err
			}
			for c, s := range specialists {
				s.Tools = append(s.Tools, t.Name())
				specialists[c] = s
			}
		}
		logger.Info("tool.discovered", "endpoint", cfg.ToolEndpoint, "count", len(remote))
	}

	d := dispatcher.New(store, events, client, func(o *dispatcher.Options) {
		o.Router = dispatcher.NewRouter(func(o *dispatcher.RouterOptions) {
			o.TaskWeight = cfg.Dispatch.TaskWeight
			o.KeywordWeight = cfg.Dispatch.KeywordWeight
		})
		o.Specialists = specialists
		o.Fallback = core.SpecialistCategory(cfg.Dispatch.Fallback)
		o.MaxHops = cfg.Dispatch.MaxHops
		o.MaxModelCalls = cfg.Dispatch.MaxModelCalls
		o.ContextBudget = cfg.Dispatch.ContextBudget
		o.Counter = accountant.ApproxCounter{CharsPerToken: cfg.Dispatch.CharsPerToken}
		o.Tools = tools
		o.Logger = logger.WithComponent("dispatcher")
	})
	runs := runner.New(d, func(o *runner.Options) { o.Logger = logger.WithComponent("runner") })

	tokens, err := authz.ParseTokens(cfg.AuthTokens)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		logger.Warn("authz.no_tokens", "hint", "set AUTH_TOKENS; every authenticated route rejects callers")
	}
	limiter := resilience.NewRateLimiter(func(o *resilience.RateLimiterOptions) {
		o.Rate = cfg.Limits.RPS
		o.Burst = cfg.Limits.Burst
	})

	srv, err := server.New(runs, store, events, func(o *server.Options) {
		o.Tokens = tokens
		o.Limiter = limiter
		o.Breakers = breakers
		o.Logger = logger.WithComponent("server")
	})
	if err != nil {
		return err
	}

	go events.Run(ctx)
	store.StartSweeper(ctx, cfg.Sessions.SweepInterval)
	limiter.StartEviction(ctx, time.Minute)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(":" + cfg.Port) }()
	logger.Info("orchestrator.started", "port", cfg.Port, "provider", provider.Info().Provider, "durable", backend != nil)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("orchestrator.shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Join(srv.Shutdown(shutdownCtx), runs.Shutdown(shutdownCtx))
}

func newProvider(cfg config.ModelConfig) model.Provider {
	switch cfg.Provider {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
		})
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
		})
	default:
		return model.NewScriptedProvider("mock")
	}
}
