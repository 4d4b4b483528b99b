// Talon - Multi-tenant payment settlement core.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/opensource-finance/talon/internal/api"
	"github.com/opensource-finance/talon/internal/approval"
	"github.com/opensource-finance/talon/internal/bus"
	"github.com/opensource-finance/talon/internal/cache"
	"github.com/opensource-finance/talon/internal/config"
	"github.com/opensource-finance/talon/internal/domain"
	"github.com/opensource-finance/talon/internal/envelope"
	"github.com/opensource-finance/talon/internal/fx"
	"github.com/opensource-finance/talon/internal/keystore"
	"github.com/opensource-finance/talon/internal/notify"
	"github.com/opensource-finance/talon/internal/payment"
	"github.com/opensource-finance/talon/internal/provider"
	"github.com/opensource-finance/talon/internal/repository"
	"github.com/opensource-finance/talon/internal/risk"
	"github.com/opensource-finance/talon/internal/velocity"
	"github.com/opensource-finance/talon/internal/webhook"
	"github.com/opensource-finance/talon/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	envFile := flag.String("env", ".env", "optional env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging)

	slog.Info("starting talon",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	if cfg.Tracing.Enabled {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		slog.Error("talon stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("talon shutdown complete")
}

func run(ctx context.Context, cfg *domain.Config) error {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	master, err := masterKey(cfg)
	if err != nil {
		return err
	}
	defer master.Destroy()

	keys, err := keystore.New(repo, master, keystore.Options{
		Purposes:         []domain.KeyPurpose{domain.PurposePaymentMethod, domain.PurposeManualPayment},
		RotationInterval: cfg.Crypto.RotationInterval,
		RetentionWindow:  cfg.Crypto.RetentionWindow,
		Iterations:       cfg.Crypto.KDFIterations,
		Audit:            repo,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize key store: %w", err)
	}
	if err := keys.Load(ctx); err != nil {
		return fmt.Errorf("failed to load keys: %w", err)
	}
	defer keys.Close()
	slog.Info("key store loaded", "keys", len(keys.Keys()))

	rates, err := config.Pairs(cfg.Payment.FXRates)
	if err != nil {
		return fmt.Errorf("invalid fx rates: %w", err)
	}
	converter, err := fx.New(cacheImpl, cfg.Payment.FXRateTTL, rates)
	if err != nil {
		return fmt.Errorf("failed to initialize fx: %w", err)
	}

	riskEngine, ruleSet, err := newRiskEngine(ctx, cfg, repo, cacheImpl)
	if err != nil {
		return err
	}
	defer ruleSet.Close()

	registry, err := newRegistry(cfg.Providers)
	if err != nil {
		return err
	}
	routes, err := config.TenantRoutes(cfg.Providers)
	if err != nil {
		return err
	}
	slog.Info("providers registered", "providers", registry.IDs(), "tenant_routes", len(routes))

	notifier := notify.NewDispatcher(busImpl, 5*time.Second)
	defer notifier.Flush()

	orch, err := payment.New(payment.Deps{
		Store:     repo,
		Providers: registry,
		Risk:      riskEngine,
		Vault:     keys,
		FX:        converter,
		Cache:     cacheImpl,
		Notifier:  notifier,
		Routes:    routes,
		Order:     cfg.Providers.Order,
	}, cfg.Payment)
	if err != nil {
		return fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	approvals, err := approval.NewService(approval.Deps{
		Repo:     repo,
		Audit:    repo,
		Risk:     riskEngine,
		Vault:    keys,
		FX:       converter,
		Notifier: notifier,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize approvals: %w", err)
	}
	orch.SetReviewQueue(approvals)
	approvals.SetResolver(orch)

	gateway := webhook.NewGateway(repo, registry, orch)

	var commands domain.EventBus
	var bg *worker.Worker
	if cfg.Worker.Enabled {
		bg = worker.NewWorker(busImpl, gateway, keys, cfg.Worker)
		if err := bg.Start(); err != nil {
			return fmt.Errorf("failed to start worker: %w", err)
		}
		commands = busImpl
		slog.Info("worker started", "sweep_interval", cfg.Worker.SweepInterval)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Payments:  orch,
		Approvals: approvals,
		Webhooks:  gateway,
		Risk:      riskEngine,
		Rules:     ruleSet,
		RuleStore: repo,
		Keys:      keys,
		Commands:  commands,
		Repo:      repo,
		Cache:     cacheImpl,
		Version:   Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("talon is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if bg != nil {
		if err := bg.Stop(); err != nil {
			slog.Error("failed to stop worker", "error", err)
		}
	}
	return nil
}

func setupLogging(cfg domain.LoggingConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// masterKey decodes TALON_MASTER_KEY. The community tier falls back to an
// ephemeral key; data encrypted under it is unreadable after a restart.
func masterKey(cfg *domain.Config) (*envelope.StaticKey, error) {
	var material []byte
	if cfg.Crypto.MasterKey != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.Crypto.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("TALON_MASTER_KEY: %w", err)
		}
		material = raw
	} else {
		if cfg.Tier == domain.TierPro {
			return nil, fmt.Errorf("TALON_MASTER_KEY is required in the pro tier")
		}
		raw, err := envelope.GenerateKey()
		if err != nil {
			return nil, err
		}
		material = raw
		slog.Warn("TALON_MASTER_KEY not set, using an ephemeral master key")
	}
	return envelope.NewStaticKey("master", material)
}

func newRiskEngine(ctx context.Context, cfg *domain.Config, repo domain.Repository, c domain.Cache) (*risk.Engine, *risk.RuleSet, error) {
	geoScores, err := config.Pairs(cfg.Risk.GeoScores)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid geo scores: %w", err)
	}
	geo, err := risk.NewGeoTable(geoScores)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build geo table: %w", err)
	}

	ruleSet, err := risk.NewRuleSet(repo, cfg.Risk.MaxWorkers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize rule set: %w", err)
	}
	if n, err := ruleSet.Reload(ctx, domain.GlobalTenantID); err != nil {
		slog.Warn("failed to load global rules", "error", err)
	} else {
		slog.Info("rule set initialized", "global_rules", n)
	}

	collector := risk.NewCollector(velocity.NewService(repo, c), repo, geo, cfg.Risk)
	engine := risk.NewEngine(risk.DefaultCatalog(), collector, repo, ruleSet, risk.ThresholdsFrom(cfg.Risk))
	return engine, ruleSet, nil
}

func newRegistry(cfg domain.ProvidersConfig) (*provider.Registry, error) {
	var adapters []provider.Adapter
	for _, id := range cfg.Sandbox {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		adapters = append(adapters, provider.NewSandbox(id, []byte(cfg.SandboxSecret)))
	}
	for _, hp := range cfg.HTTPConfigs {
		a, err := provider.NewHTTPAdapter(provider.HTTPConfig{
			ID:            hp.ID,
			BaseURL:       hp.BaseURL,
			APIKey:        hp.APIKey,
			WebhookSecret: hp.WebhookSecret,
			Currencies:    hp.Currencies,
			Methods:       hp.Methods,
			Tolerance:     cfg.SignatureTolerance,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}

	registry, err := provider.NewRegistry(adapters...)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider registry: %w", err)
	}
	return registry, nil
}
