package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mattjoyce/relaygate/internal/api"
	"github.com/mattjoyce/relaygate/internal/auth"
	"github.com/mattjoyce/relaygate/internal/cache"
	"github.com/mattjoyce/relaygate/internal/config"
	"github.com/mattjoyce/relaygate/internal/connect"
	"github.com/mattjoyce/relaygate/internal/dispatch"
	"github.com/mattjoyce/relaygate/internal/lock"
	"github.com/mattjoyce/relaygate/internal/log"
	"github.com/mattjoyce/relaygate/internal/pipeline"
	"github.com/mattjoyce/relaygate/internal/provider"
	"github.com/mattjoyce/relaygate/internal/publish"
	"github.com/mattjoyce/relaygate/internal/queue"
	"github.com/mattjoyce/relaygate/internal/scheduler"
	"github.com/mattjoyce/relaygate/internal/secure"
	"github.com/mattjoyce/relaygate/internal/steplog"
	"github.com/mattjoyce/relaygate/internal/storage"
	"github.com/mattjoyce/relaygate/internal/store"
	"github.com/mattjoyce/relaygate/internal/webhook"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("relaygate starting", "version", version, "config", cfg.SourceFile)

	if path := lock.PathForDSN(cfg.Database.DSN); path != "" {
		pidLock, err := lock.Acquire(path)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", path, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fatal configuration is rejected here, before any listener starts.
	providers, err := provider.FromConfig(cfg, nil)
	if err != nil {
		logger.Error("invalid provider configuration", "error", err)
		return 1
	}
	cipher, err := secure.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		logger.Error("invalid encryption key", "error", err)
		return 1
	}
	webhookConfig, err := webhook.FromGlobalConfig(cfg)
	if err != nil {
		logger.Error("failed to configure webhooks", "error", err)
		return 1
	}

	db, err := storage.Open(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "dialect", db.Dialect)

	kv, err := cache.Open(ctx, cfg.Cache.URL)
	if err != nil {
		logger.Error("failed to open cache", "error", err)
		return 1
	}
	defer kv.Close()

	pub, err := publish.Open(ctx, cfg.Publisher)
	if err != nil {
		logger.Error("failed to open publisher", "kind", cfg.Publisher.Kind, "error", err)
		return 1
	}
	defer pub.Close()

	st := store.New(db)
	q := queue.New(db)
	steps := steplog.New(db)

	manager := connect.New(providers, st, kv, kv, cipher, connect.Options{
		PublicURL:   cfg.Service.PublicURL,
		StateTTL:    cfg.OAuth.StateTTL,
		RefreshSkew: cfg.OAuth.RefreshSkew,
	})
	if n, err := manager.RebuildRoutes(ctx); err != nil {
		logger.Warn("initial routing cache rebuild failed", "error", err)
	} else {
		logger.Info("routing cache warmed", "routes", n)
	}

	pipe := pipeline.New(pipeline.Deps{
		Store:     st,
		Steps:     steps,
		Routes:    kv,
		Dedup:     kv,
		Publisher: pub,
		DedupTTL:  cfg.Webhooks.DedupTTL,
		Logger:    log.WithComponent("pipeline"),
	})
	disp := dispatch.New(q, pipe, dispatch.Options{
		Workers:      cfg.Pipeline.Workers,
		PollInterval: cfg.Pipeline.PollInterval,
		BackoffBase:  cfg.Pipeline.BackoffBase,
	})

	sched, err := scheduler.New(scheduler.Options{
		CacheRebuild: cfg.Maintenance.CacheRebuild,
		Prune:        cfg.Maintenance.Prune,
		Recover:      cfg.Maintenance.Recover,
		Retention:    cfg.Maintenance.Retention,
		StaleAfter:   cfg.Pipeline.StaleAfter,
	}, scheduler.Deps{
		Routes: manager,
		Runs:   q,
		Pruners: map[string]scheduler.Pruner{
			"deliveries": scheduler.PrunerFunc(st.PruneDeliveries),
			"steps":      steps,
			"runs":       scheduler.PrunerFunc(q.PruneCompleted),
		},
	}, log.Get())
	if err != nil {
		logger.Error("invalid maintenance schedule", "error", err)
		return 1
	}

	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Tokens))
	for _, t := range cfg.API.Tokens {
		tokens = append(tokens, auth.TokenConfig{Name: t.Name, Token: t.Token, Scopes: t.Scopes})
	}
	apiServer := api.New(api.Config{
		Listen:       cfg.API.Listen,
		Tokens:       tokens,
		CallerSecret: cfg.Security.CallerJWTSecret,
		Providers:    providers.Names(),
	}, api.Deps{
		Connections: manager,
		DeadLetters: st,
		Replayer:    pipe,
		Queue:       q,
		Checks: map[string]api.HealthCheck{
			"database": db.PingContext,
			"cache":    kv.Ping,
		},
	}, log.WithComponent("api"))

	webhookServer := webhook.New(webhookConfig, providers, q, manager, log.WithComponent("webhook"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	components := map[string]func(context.Context) error{
		"scheduler":  sched.Start,
		"dispatcher": disp.Start,
		"api":        apiServer.Start,
		"webhook":    webhookServer.Start,
	}
	errCh := make(chan error, len(components))
	var wg sync.WaitGroup
	for name, start := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	logger.Info("relaygate running (press Ctrl+C to stop)",
		"webhook_listen", webhookConfig.Listen,
		"api_listen", cfg.API.Listen,
		"providers", providers.Names(),
	)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	// Workers finish in-flight runs before the store closes.
	cancel()
	wg.Wait()
	logger.Info("relaygate stopped")
	return code
}

func loadConfig(flagValue string) (*config.Config, error) {
	path, err := config.Discover(flagValue)
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}
