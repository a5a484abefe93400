package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tollgate-ai/tollgate/internal/auth"
	"github.com/tollgate-ai/tollgate/internal/config"
	"github.com/tollgate-ai/tollgate/internal/cost"
	"github.com/tollgate-ai/tollgate/internal/credentials"
	"github.com/tollgate-ai/tollgate/internal/gateway"
	"github.com/tollgate-ai/tollgate/internal/mcp"
	"github.com/tollgate-ai/tollgate/internal/provider"
	"github.com/tollgate-ai/tollgate/internal/provider/anthropic"
	"github.com/tollgate-ai/tollgate/internal/provider/openai"
	"github.com/tollgate-ai/tollgate/internal/rules"
	"github.com/tollgate-ai/tollgate/internal/server"
	"github.com/tollgate-ai/tollgate/internal/storage"
	"github.com/tollgate-ai/tollgate/internal/storage/memory"
	"github.com/tollgate-ai/tollgate/internal/storage/sqlite"
	"github.com/tollgate-ai/tollgate/internal/telemetry"
	"github.com/tollgate-ai/tollgate/internal/tokens"
	"github.com/tollgate-ai/tollgate/internal/trust"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("tollgate", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load(os.Getenv("TOLLGATE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, ruleSource, tokenSource, prices := openStorage(cfg, logger)
	defer store.Close()

	registry := provider.NewRegistry()
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "openai":
			opts := []openai.ProviderOption{}
			if pc.BaseURL != "" {
				opts = append(opts, openai.WithProviderBaseURL(pc.BaseURL))
			}
			registry.Register(openai.New(pc.APIKey, opts...))
		case "anthropic":
			opts := []anthropic.ProviderOption{}
			if pc.BaseURL != "" {
				opts = append(opts, anthropic.WithProviderBaseURL(pc.BaseURL))
			}
			registry.Register(anthropic.New(pc.APIKey, opts...))
		default:
			log.Fatalf("Unknown provider type %q", pc.Type)
		}
		if pc.Default {
			registry.SetDefault(pc.Name)
		}
	}

	policies := make([]trust.ToolPolicy, 0, len(cfg.ToolPolicies))
	for _, pc := range cfg.ToolPolicies {
		policies = append(policies, pc.ToolPolicy())
	}

	router := mcp.NewRouter(cfg.MCPServers, logger)
	defer router.Close()

	gw := gateway.New(gateway.Config{
		Providers:   registry,
		Tools:       router,
		Rules:       rules.NewEngine(rules.NewCachedSource(ruleSource, cfg.RuleCacheTTL), tokens.NewEstimator(), logger),
		Policy:      trust.NewPolicy(policies),
		Credentials: credentials.NewResolver(tokenSource, logger),
		Store:       store,
		Prices:      prices,
		Logger:      logger,
	})

	agents := make([]auth.Agent, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		agents = append(agents, auth.Agent{
			ID:             ac.ID,
			OrganizationID: ac.OrganizationID,
			TeamID:         ac.TeamID,
			Email:          ac.Email,
			KeyHash:        ac.KeyHash,
			PinnedTokens:   ac.PinnedTokens,
		})
	}

	srv := server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
		Authenticator:  auth.NewAuthenticator(agents),
		Gateway:        gw,
		Store:          store,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// openStorage wires the interaction store and the rule, token, and price
// read models. Configuration-defined rules and tokens take precedence over
// their database counterparts; SQLite price overrides extend the configured
// table.
func openStorage(cfg *config.Config, logger *slog.Logger) (storage.InteractionStore, rules.Source, credentials.TokenSource, *cost.Table) {
	prices := cost.NewTable(cfg.Prices)

	configRules := make([]rules.OptimizationRule, 0, len(cfg.Rules))
	for _, rc := range cfg.Rules {
		configRules = append(configRules, rc.Rule())
	}
	configTokens := make([]credentials.Token, 0, len(cfg.Tokens))
	for _, tc := range cfg.Tokens {
		configTokens = append(configTokens, credentials.Token{
			ID:         tc.ID,
			CatalogID:  tc.CatalogID,
			AuthType:   credentials.AuthType(tc.AuthType),
			OwnerEmail: tc.OwnerEmail,
			TeamName:   tc.TeamName,
			Secret:     tc.Secret,
		})
	}

	if cfg.Storage.Type == "memory" {
		return memory.New(), rules.NewStaticSource(configRules), credentials.NewStaticSource(configTokens), prices
	}

	store, err := sqlite.New(cfg.Storage.SQLite.Path)
	if err != nil {
		log.Fatalf("Failed to open storage: %v", err)
	}

	if loaded, err := store.LoadPrices(context.Background()); err != nil {
		logger.Warn("failed to load price overrides", slog.String("error", err.Error()))
	} else {
		for model, p := range loaded {
			prices.Set(model, p)
		}
	}

	var ruleSource rules.Source = sqlite.NewRuleSource(store)
	if len(configRules) > 0 {
		ruleSource = rules.NewStaticSource(configRules)
	}
	var tokenSource credentials.TokenSource = sqlite.NewTokenSource(store)
	if len(configTokens) > 0 {
		tokenSource = credentials.NewStaticSource(configTokens)
	}

	return store, ruleSource, tokenSource, prices
}
