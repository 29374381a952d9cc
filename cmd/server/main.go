/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the point ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and configuration
  2. Initialize SQLite store
  3. Build the ledger engine from the configured grant policy
  4. Configure HTTP router and start the sweep scheduler
  5. Start server with graceful shutdown

CONFIGURATION:
  Via config.yaml, LEDGER_* environment variables, or defaults.
  See config/config.go for the full list. A local .env file is loaded
  first for development convenience.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweep scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  LEDGER_DATABASE_PATH=./data/ledger.db ./server

  # Run with in-memory database (nothing survives restart)
  LEDGER_DATABASE_PATH=":memory:" ./server

SEE ALSO:
  - config/config.go: Configuration loading
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
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

	"github.com/warp/point-ledger/api"
	"github.com/warp/point-ledger/config"
	"github.com/warp/point-ledger/ledger"
	"github.com/warp/point-ledger/store/sqlite"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err == nil {
		log.Println("[Server] Loaded .env")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	policy, err := cfg.GrantPolicy()
	if err != nil {
		log.Fatalf("Invalid grant policy: %v", err)
	}

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Build the engine and HTTP layer
	engine := ledger.NewEngine(store, policy, ledger.WithLockTimeout(cfg.Sweep.LockTimeout))
	handler := api.NewHandler(engine)
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	// Background expiration sweep
	scheduler := api.NewSweepScheduler(engine)
	scheduler.CheckInterval = cfg.Sweep.Interval
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("[Server] Listening on http://localhost:%s", cfg.Server.Port)
		log.Printf("[Server] API available at http://localhost:%s/api", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
