package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm/logger"

	"github.com/akmatori/escalator/internal/alerts"
	"github.com/akmatori/escalator/internal/alerts/adapters"
	"github.com/akmatori/escalator/internal/config"
	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/events"
	"github.com/akmatori/escalator/internal/handlers"
	"github.com/akmatori/escalator/internal/jobs"
	"github.com/akmatori/escalator/internal/middleware"
	"github.com/akmatori/escalator/internal/notify"
	"github.com/akmatori/escalator/internal/services"
)

const dispatchInterval = 5 * time.Second

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting escalator...")

	// Initialize JWT authentication middleware
	if cfg.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is not set")
	}
	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("Failed to hash admin password: %v", err)
	}
	jwtAuthMiddleware := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		Secret:            cfg.JWTSecret,
		TokenTTL:          time.Duration(cfg.JWTExpiryHours) * time.Hour,
		SkipPaths: []string{
			"/health",
			"/metrics",
			"/webhook/*",
			"/api/events",
			"/auth/login",
		},
		QueryTokenPaths: []string{"/ws/events"},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	// Ingestion is authenticated by API key instead of JWT
	ingestAuth := middleware.NewAuthMiddleware(&middleware.AuthConfig{
		APIKeys: cfg.IngestAPIKeys,
		Paths:   []string{"/api/events", "/webhook/*"},
	})
	if !ingestAuth.IsEnabled() {
		log.Printf("Warning: INGEST_API_KEYS is empty, event ingestion is unauthenticated")
	}

	// Initialize database connection
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}
	if err := database.InitializeDefaults(); err != nil {
		log.Fatalf("Failed to initialize database defaults: %v", err)
	}
	db := database.GetDB()

	settings, err := database.GetOrCreateEngineSettings(db)
	if err != nil {
		log.Fatalf("Failed to load engine settings: %v", err)
	}

	// Load the escalation policy
	policies, err := config.LoadPolicyStore(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("Failed to load policy: %v", err)
	}
	log.Printf("Escalation policy loaded from %s (%d schedules)", cfg.PolicyFile, len(policies.Get().Schedules))

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	if watcher, err := config.NewPolicyWatcher(policies); err != nil {
		log.Printf("Warning: policy hot reload disabled: %v", err)
	} else {
		go watcher.Run(ctx)
	}

	// Wire the engine
	bus := events.NewBus()
	engine := services.NewEngine(db, policies, bus, services.WithOnCallCacheTTL(settings.OnCallCacheTTL()))
	defer engine.Stop()

	// Deliver events committed before the last shutdown
	if n, err := engine.Outbox.ReplayPending(); err != nil {
		log.Printf("Warning: failed to replay pending events: %v", err)
	} else if n > 0 {
		log.Printf("Replayed %d pending domain events", n)
	}

	// Slack transport with hot-reload support
	slackManager := notify.NewSlackManager()
	slackActions := handlers.NewSlackActionHandler(engine)
	slackManager.SetEventHandler(slackActions.HandleSocketMode)
	notifier := notify.NewRouter(notify.NewSlackNotifier(slackManager), notify.NewLogNotifier())

	// Background jobs
	stop := make(chan struct{})
	slaMonitor := jobs.NewSLAMonitor(db, engine.SLA)
	if gap, breaches, err := slaMonitor.Reconcile(settings.TickInterval()); err != nil {
		log.Printf("Warning: startup SLA reconciliation failed: %v", err)
	} else if gap > 0 {
		log.Printf("Startup SLA reconciliation covered %s, %d breaches", gap.Round(time.Second), breaches)
	}
	go slaMonitor.Start(settings.TickInterval(), stop)

	dispatcher := jobs.NewNotificationDispatcher(db, notifier, engine.Outbox)
	engine.Escalation.OnTaskQueued(dispatcher.Kick)
	go dispatcher.Start(dispatchInterval, stop)

	// HTTP handlers
	registry := alerts.NewRegistry(adapters.NewAlertmanagerAdapter(), adapters.NewGrafanaAdapter())
	httpHandler := handlers.NewHTTPHandler(engine, registry, slackManager, cfg.WebhookSecret)
	authHandler := handlers.NewAuthHandler(jwtAuthMiddleware)
	eventStream := handlers.NewEventStreamHandler(bus, cfg.CORSOrigins)
	log.Printf("Alert adapters registered: %v", httpHandler.Sources())

	mux := http.NewServeMux()
	httpHandler.SetupRoutes(mux)
	authHandler.SetupRoutes(mux)
	eventStream.SetupRoutes(mux)

	// Outermost first: request id, access log, CORS, then authentication
	corsMiddleware := middleware.NewCORSMiddleware(cfg.CORSOrigins...)
	handler := middleware.RequestIDMiddleware(
		middleware.AccessLogMiddleware(
			corsMiddleware.Wrap(
				ingestAuth.Wrap(
					jwtAuthMiddleware.Wrap(mux)))))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Start watching for Slack settings reload requests
	go slackManager.WatchForReloads(ctx)
	if err := slackManager.Start(ctx); err != nil {
		log.Printf("Warning: Failed to start Slack: %v", err)
	}

	log.Println("Escalator is running! Press Ctrl+C to exit.")
	log.Printf("Event ingest endpoint: http://localhost:%d/api/events", cfg.HTTPPort)
	log.Printf("Alert webhook endpoint: http://localhost:%d/webhook/alert/{source}", cfg.HTTPPort)
	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("Received shutdown signal, cleaning up...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
	eventStream.Close()
	close(stop)
	slackManager.Stop()
	ctxCancel()

	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
	log.Println("Shutdown complete")
}
