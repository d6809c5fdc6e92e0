package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"flowdeck/internal/api"
	"flowdeck/internal/config"
	"flowdeck/internal/dispatch"
	"flowdeck/internal/logging"
	"flowdeck/internal/mcp"
	"flowdeck/internal/repository"
	"flowdeck/internal/services"
	"flowdeck/internal/tls"
	"flowdeck/internal/workpool"
)

func main() {
	ctx := context.Background()

	// Initialize logging
	logger := logging.NewLogger()

	// Parse command line flags
	configFile := flag.String("config", "", "Path to config.yaml")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		log.Fatalf("Configuration loading failed: %v", err)
	}

	logger.Info("Starting Flowdeck Orchestration Service")

	// Initialize the store. Without a configured database host the service
	// runs entirely in memory, which is what the test and dev loops use.
	var store repository.Store
	if cfg.DB.Host != "" {
		dbPool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			logger.Error("Failed to initialize database", "error", err)
			log.Fatalf("Database initialization failed: %v", err)
		}
		defer dbPool.Close()

		pgStore := repository.NewPostgresStore(dbPool)
		if err := pgStore.Migrate(ctx); err != nil {
			logger.Error("Failed to run migrations", "error", err)
			log.Fatalf("Migration failed: %v", err)
		}
		store = pgStore
		logger.Info("Database connected", "host", cfg.DB.Host, "name", cfg.DB.Name)
	} else {
		store = repository.NewMemoryStore()
		logger.Info("No database configured, using in-memory store")
	}

	// Initialize service layer
	dispatcher := dispatch.New(logger)
	matcher := workpool.New(logger, cfg.Worker.HeartbeatTimeout)
	orch := services.NewOrchestrator(store, dispatcher, matcher, logger)

	if err := orch.LoadWorkPools(ctx); err != nil {
		logger.Error("Failed to load work pools", "error", err)
		log.Fatalf("Work pool loading failed: %v", err)
	}

	logger.Info("Service layer initialized")

	// Start the scheduler loop
	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	scheduler := services.NewScheduler(orch,
		cfg.Scheduler.PollInterval, cfg.Scheduler.Lookahead, cfg.Worker.SweepInterval, logger)
	go func() {
		if err := scheduler.Run(schedCtx); err != nil && err != context.Canceled {
			logger.Error("Scheduler stopped", "error", err)
		}
	}()

	logger.Info("Scheduler started",
		"poll_interval", cfg.Scheduler.PollInterval,
		"lookahead", cfg.Scheduler.Lookahead,
		"sweep_interval", cfg.Worker.SweepInterval,
	)

	// Create Echo server
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("flowdeck"))

	// Mount REST API handlers
	apiServer := api.NewServer(orch)
	apiServer.RegisterRoutes(e.Group("/api/v1"))
	e.GET("/health", apiServer.HandleHealth)

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(orch)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("MCP protocol handlers mounted")

	// Create HTTP server
	addr := ":8080"
	if cfg.TLS.Enable {
		// use TLS port 8443
		addr = ":8443"
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", addr, "tls", cfg.TLS.Enable)
		if cfg.TLS.Enable {
			// ensure certificate exists if requested
			if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
				logger.Error("TLS enabled but cert/key file not provided")
				serverErrors <- server.ListenAndServe()
				return
			}
			// generate if missing and hostnames provided
			if _, err := os.Stat(cfg.TLS.CertFile); os.IsNotExist(err) {
				if len(cfg.TLS.Hostnames) > 0 {
					if err := tls.GenerateSelfSignedCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames); err != nil {
						logger.Error("failed to generate self-signed cert", "error", err)
					}
				}
			}
			serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			serverErrors <- server.ListenAndServe()
		}
	}()

	// Wait for shutdown signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received", "signal", sig)

		stopScheduler()

		// Create shutdown context with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
