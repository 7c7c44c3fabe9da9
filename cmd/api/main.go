// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/forkchat/internal/cache"
	"github.com/capitalize-ai/forkchat/internal/codec"
	"github.com/capitalize-ai/forkchat/internal/config"
	"github.com/capitalize-ai/forkchat/internal/deposit"
	"github.com/capitalize-ai/forkchat/internal/feed"
	"github.com/capitalize-ai/forkchat/internal/handler"
	"github.com/capitalize-ai/forkchat/internal/identity"
	"github.com/capitalize-ai/forkchat/internal/llm"
	natsclient "github.com/capitalize-ai/forkchat/internal/nats"
	"github.com/capitalize-ai/forkchat/internal/payment"
	"github.com/capitalize-ai/forkchat/internal/pricing"
	"github.com/capitalize-ai/forkchat/internal/service"
	"github.com/capitalize-ai/forkchat/internal/transcript"
	"github.com/capitalize-ai/forkchat/pkg/logger"
	"github.com/capitalize-ai/forkchat/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.FromEnv(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server")
	ctx := context.Background()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "forkchat", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	key, err := loadIdentity(cfg.IdentitySeed, log)
	if err != nil {
		return err
	}
	policy, err := transcript.ParseForkPolicy(cfg.ForkPolicy)
	if err != nil {
		return err
	}

	natsClient, err := natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer natsClient.Close()

	streams := natsclient.NewStreamManager(natsClient, log)
	if err := streams.EnsureStream(ctx); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	store, err := cache.Open(cfg.CachePath, log)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer store.Close()

	catalog := pricing.NewCatalog(log)
	if cfg.CatalogPath != "" {
		if err := catalog.LoadFile(cfg.CatalogPath); err != nil {
			log.Warn("failed to load pricing catalog", zap.String("path", cfg.CatalogPath), zap.Error(err))
		}
	}
	if sub, err := streams.WatchCatalog(cfg.CatalogSubject, catalog); err != nil {
		log.Warn("pricing catalog updates disabled", zap.Error(err))
	} else {
		defer sub.Unsubscribe()
	}

	wallet := payment.NewWallet(cfg.WalletBalance, log)

	var backend service.Completer
	defaultModel := cfg.DefaultModel
	if client := newLLMClient(cfg, log); client != nil {
		backend = llm.NewBackend(client, wallet, log)
		if defaultModel == "" {
			defaultModel = client.Models()[0]
		}
	}

	registry := service.NewRegistry(service.Deps{
		Codec:             codec.New(key, log),
		Feed:              feed.NewCombined(store, feed.NewRecorder(streams, store, log), log),
		Publisher:         feed.NewFanout(streams, log, store),
		Payment:           wallet,
		Backend:           backend,
		Pricing:           catalog,
		Estimator:         deposit.NewEstimator(deposit.WithFallback(cfg.FallbackDeposit), deposit.WithLogger(log)),
		ForkPolicy:        policy,
		Logger:            log,
		DefaultModel:      defaultModel,
		CompletionTimeout: cfg.CompletionTimeout,
	})
	defer registry.CloseAll()

	health := handler.NewHealthHandler(map[string]handler.Check{
		"nats": natsClient.IsConnected,
	})
	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		WriteScope:        cfg.JWTWriteScope,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	}, handler.NewChatHandler(registry, log), health)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort), zap.String("identity", key.PublicKey()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return err
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

func loadIdentity(seed string, log *logger.Logger) (*identity.Keypair, error) {
	if seed != "" {
		key, err := identity.FromHex(seed)
		if err != nil {
			return nil, fmt.Errorf("identity seed: %w", err)
		}
		return key, nil
	}
	key, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	log.Warn("IDENTITY_SEED not set, using a throwaway identity; chats will not survive a restart")
	return key, nil
}

func newLLMClient(cfg *config.Config, log *logger.Logger) llm.Client {
	provider := llm.Provider(cfg.DefaultLLM)
	apiKey := cfg.AnthropicAPIKey
	if provider == llm.ProviderOpenAI {
		apiKey = cfg.OpenAIAPIKey
	}
	if apiKey == "" {
		// Fall back to whichever provider has a key.
		switch {
		case cfg.AnthropicAPIKey != "":
			provider, apiKey = llm.ProviderAnthropic, cfg.AnthropicAPIKey
		case cfg.OpenAIAPIKey != "":
			provider, apiKey = llm.ProviderOpenAI, cfg.OpenAIAPIKey
		default:
			log.Warn("no LLM API key configured, completions disabled")
			return nil
		}
	}

	client, err := llm.NewClient(provider, apiKey)
	if err != nil {
		log.Warn("failed to create LLM client, completions disabled", zap.String("provider", string(provider)), zap.Error(err))
		return nil
	}
	return client
}
