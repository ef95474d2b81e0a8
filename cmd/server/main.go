package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"convoai/internal/chat"
	"convoai/internal/config"
	"convoai/internal/ratelimit"
	"convoai/internal/server"
	"convoai/internal/util"
	"convoai/internal/ws"
	"convoai/pkg/ai"
	"convoai/pkg/auth"
	"convoai/pkg/domain"
	"convoai/pkg/events"
	"convoai/pkg/store"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}

	util.InitLogger(cfg.LogLevel)

	st, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		util.Fatal("failed to init store", "err", err)
	}

	model := buildModel(cfg)

	revoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
	sessions, err := store.NewJWTSessionStore(cfg.JWTSecret, cfg.TokenTTL(), revoker, store.JWTOptions{})
	if err != nil {
		util.Fatal("failed to init sessions", "err", err)
	}
	accounts := auth.NewService(st, sessions)

	authLimiter, err := ratelimit.NewRedisFixedWindowLimiter(
		cfg.RedisAddr, cfg.RedisPassword, "convoai:ratelimit:auth",
		cfg.AuthRateLimit, cfg.AuthRateWindow())
	if err != nil {
		util.Fatal("failed to init auth limiter", "err", err)
	}
	chatLimiter, err := ratelimit.NewRedisFixedWindowLimiter(
		cfg.RedisAddr, cfg.RedisPassword, "convoai:ratelimit:chat",
		cfg.ChatRateLimit, cfg.ChatRateWindow())
	if err != nil {
		util.Fatal("failed to init chat limiter", "err", err)
	}

	bus := events.NewBus()
	publisher := buildPublisher(cfg, bus)
	defer publisher.Close()

	manager := chat.NewManager(st, model, chat.Options{
		Defaults: domain.ModelConfig{
			MaxTokens:   cfg.DefaultMaxTokens,
			Temperature: cfg.DefaultTemperature,
		},
		ContextWindow:     cfg.DefaultContextWindow,
		GenerationTimeout: cfg.GenerationTimeout(),
		Publisher:         publisher,
	})

	httpServer := server.New(server.Config{
		Accounts:    accounts,
		Chat:        manager,
		AuthLimiter: authLimiter,
		ChatLimiter: chatLimiter,
		TrustProxy:  cfg.TrustProxy,
		CORSOrigins: cfg.CORSOrigins,
	})

	wsHandler := ws.NewHandler(accounts, manager, ws.NewRegistry(), bus, chatLimiter)

	mux := http.NewServeMux()
	mux.Handle("/", httpServer.Router())
	mux.HandleFunc("/ws/chat", wsHandler.HandleChat)
	mux.HandleFunc("/ws/notifications", wsHandler.HandleNotifications)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.GenerationTimeout(),
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		slog.Info("server listening", "addr", addr, "model", model.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval())
		defer ticker.Stop()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				if _, err := manager.SweepStaleProcessing(groupCtx, cfg.StaleProcessingAge()); err != nil {
					slog.Error("stale message sweep failed", "err", err)
				}
			}
		}
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// buildModel initializes the configured provider. Initialization failure is
// not fatal: the service keeps running with a stub that fails chat calls.
func buildModel(cfg config.FileConfig) ai.LanguageModel {
	var (
		model ai.LanguageModel
		err   error
	)
	switch cfg.ModelProvider {
	case "openai":
		model, err = ai.NewOpenAICompatModel(cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.ModelName)
	case "ollama":
		model, err = ai.NewOllamaModel(cfg.ModelBaseURL, cfg.ModelName)
	default:
		err = errors.New("no model provider configured")
	}
	if err != nil {
		slog.Warn("language model unavailable, chat endpoints will fail",
			"provider", cfg.ModelProvider, "err", err)
		return ai.Unavailable{}
	}
	return model
}

// buildPublisher fans lifecycle events out to the in-process bus (WebSocket
// notifications) and, when configured, to RabbitMQ.
func buildPublisher(cfg config.FileConfig, bus *events.Bus) events.Publisher {
	if cfg.AMQPURL == "" {
		return bus
	}
	amqpPub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	if err != nil {
		slog.Warn("amqp publisher unavailable, events stay in-process", "err", err)
		return bus
	}
	return events.Fanout{bus, amqpPub}
}
