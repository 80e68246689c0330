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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gatherhub/messaging-engine/internal/bus"
	"github.com/gatherhub/messaging-engine/internal/config"
	"github.com/gatherhub/messaging-engine/internal/handler"
	"github.com/gatherhub/messaging-engine/internal/middleware"
	"github.com/gatherhub/messaging-engine/internal/service"
	"github.com/gatherhub/messaging-engine/internal/store"
	"github.com/gatherhub/messaging-engine/pkg/logger"
	"github.com/gatherhub/messaging-engine/pkg/tracing"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server")

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "messaging-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Storage: a DB path selects SQLite persistence, otherwise in-memory.
	var st store.Store
	if cfg.DBPath != "" {
		st, err = store.NewSQLiteStore(cfg.DBPath, store.Config{})
		if err != nil {
			log.Error("failed to open sqlite store", zap.Error(err))
			os.Exit(1)
		}
		log.Info("using sqlite store", zap.String("path", cfg.DBPath))
	} else {
		st = store.NewMemoryStore(store.Config{})
		log.Info("using in-memory store")
	}
	defer st.Close()

	// Delivery bus: NATS when configured, in-process hub otherwise.
	var deliveryBus bus.Bus
	var readyChecker handler.ReadyChecker
	if cfg.NATSURL != "" {
		natsClient, err := bus.ConnectNATS(bus.NATSConfig{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Error("failed to connect to NATS", zap.Error(err))
			os.Exit(1)
		}
		deliveryBus = bus.NewNATSBus(natsClient, cfg.BusBufferSize, log)
		readyChecker = natsClient
		log.Info("using NATS delivery bus", zap.String("url", cfg.NATSURL))
	} else {
		deliveryBus = bus.NewHub(cfg.BusBufferSize, log)
		log.Info("using in-process delivery bus")
	}
	defer deliveryBus.Close()

	// Engine services
	directory := service.NewDirectory(st, log)
	messages := service.NewMessages(st, deliveryBus, log)
	registry := service.NewRegistry(st)
	readState := service.NewReadState(st)
	session := service.NewSession(service.SessionConfig{
		SendMaxRetries:    uint64(cfg.SendMaxRetries),
		SendRetryInterval: cfg.SendRetryInterval,
	}, directory, messages, registry, readState, st, log)

	// Handlers
	healthHandler := handler.NewHealthHandler(readyChecker)
	conversationHandler := handler.NewConversationHandler(session, log)
	messageHandler := handler.NewMessageHandler(session, messages, registry, log)
	streamHandler := handler.NewStreamHandler(deliveryBus, messages, registry, log)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/unread", conversationHandler.Unread)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)
			r.Post("/direct", conversationHandler.StartDirect)
			r.Post("/group", conversationHandler.CreateGroup)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Open)
				r.Post("/read", conversationHandler.MarkRead)

				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Send)

				r.Get("/stream", streamHandler.Stream)
			})
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
