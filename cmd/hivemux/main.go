// Command hivemux runs the coordination server for a fleet of coding
// agents: SQLite-backed shared state, an MCP endpoint over streamable HTTP,
// and a tmux-driven agent supervisor.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/hivemux/hivemux/internal/auth"
	"github.com/hivemux/hivemux/internal/common/config"
	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/common/tracing"
	"github.com/hivemux/hivemux/internal/db"
	"github.com/hivemux/hivemux/internal/events/bus"
	"github.com/hivemux/hivemux/internal/rag"
	"github.com/hivemux/hivemux/internal/resources"
	"github.com/hivemux/hivemux/internal/server"
	"github.com/hivemux/hivemux/internal/session"
	"github.com/hivemux/hivemux/internal/store"
	"github.com/hivemux/hivemux/internal/supervisor"
	"github.com/hivemux/hivemux/internal/tmux"
	"github.com/hivemux/hivemux/internal/tools"
)

func main() {
	var (
		configPath = flag.String("config", "", "directory containing config.yaml")
		host       = flag.String("host", "", "bind address (overrides config)")
		port       = flag.Int("port", 0, "listen port (overrides config)")
		projectDir = flag.String("project-dir", "", "directory agents work in (overrides config)")
		toolMode   = flag.String("mode", "", "tool exposure mode: full, memoryRag, minimal, development or background")
	)
	flag.Parse()

	startedAt := time.Now()

	// 1. Load configuration (flags beat env beat config file beat defaults)
	cfg, err := config.LoadWithOverrides(*configPath, config.Overrides{
		Host:       *host,
		Port:       *port,
		ProjectDir: *projectDir,
		ToolMode:   *toolMode,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting hivemux...",
		zap.String("mode", cfg.Tools.Mode),
		zap.String("db", cfg.Database.Path))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Lock the state directory. One server per database: a second
	// instance pointed at the same file would fight over tmux sessions and
	// admin-token bootstrap.
	lockPath := cfg.Database.Path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		log.Fatal("Failed to create state directory", zap.Error(err))
	}
	stateLock := flock.New(lockPath)
	locked, err := stateLock.TryLock()
	if err != nil {
		log.Fatal("Failed to acquire state lock", zap.Error(err), zap.String("lock", lockPath))
	}
	if !locked {
		log.Fatal("Another hivemux instance is already serving this database", zap.String("lock", lockPath))
	}
	defer func() { _ = stateLock.Unlock() }()

	// 5. Open database pools and the store
	pool, err := db.Open(cfg.Database.Path, cfg.Database.BusyTimeoutMs)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer pool.Close()

	st, err := store.New(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	log.Info("Store ready", zap.String("path", cfg.Database.Path))

	// 6. Event bus (NATS if configured, in-memory otherwise)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	// 7. Mint or load the admin token, then rehydrate agent tokens
	authn := auth.New(st, log)
	if err := authn.Bootstrap(ctx, cfg.Auth.AdminToken); err != nil {
		log.Fatal("Failed to bootstrap admin token", zap.Error(err))
	}
	if err := authn.Rehydrate(ctx); err != nil {
		log.Fatal("Failed to rehydrate agent tokens", zap.Error(err))
	}

	// 8. Tmux controller. A missing binary degrades agent spawning, it does
	// not stop the server.
	tm := tmux.New(cfg.Tmux, log)
	if cfg.Tmux.Enabled && !tm.Available(ctx) {
		log.Warn("tmux not available - agents cannot be spawned")
	}

	// 9. RAG index (optional). When present, a syncer follows context events
	// so shared knowledge is searchable without explicit indexing calls.
	ragIndex, err := rag.Open(cfg.RAG, log)
	if err != nil {
		log.Warn("RAG index unavailable, retrieval tools disabled", zap.Error(err))
		ragIndex = nil
	}
	var ragSync *rag.Syncer
	if ragIndex != nil {
		log.Info("RAG index ready", zap.Int("documents", ragIndex.Count()))
		ragSync = rag.NewSyncer(ragIndex, st, eventBus, log)
		if err := ragSync.Start(); err != nil {
			log.Fatal("Failed to start RAG context sync", zap.Error(err))
		}
	}

	// 10. Session manager: heartbeats, grace timers, expiry sweeper
	sessions := session.NewManager(st, eventBus, cfg.Session, log)
	if err := sessions.Start(ctx); err != nil {
		log.Fatal("Failed to start session manager", zap.Error(err))
	}

	// 11. Supervisor: agent lifecycle and the testing pipeline
	sup, err := supervisor.New(st, authn, tm, eventBus, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize supervisor", zap.Error(err))
	}

	// 12. Tool registry and resource catalog
	registry, err := tools.New(tools.Deps{
		Store:      st,
		Auth:       authn,
		Supervisor: sup,
		Sessions:   sessions,
		Tmux:       tm,
		RAG:        ragIndex,
		Bus:        eventBus,
		Logger:     log,
		StartedAt:  startedAt,
	}, cfg.Tools)
	if err != nil {
		log.Fatal("Failed to build tool registry", zap.Error(err))
	}
	log.Info("Tool registry ready",
		zap.String("mode", cfg.Tools.Mode),
		zap.Int("tools", len(registry.List())))

	catalog := resources.New(resources.Deps{
		Store:  st,
		Auth:   authn,
		Tmux:   tm,
		Bus:    eventBus,
		Logger: log,
	})

	// 13. HTTP server: MCP transports, REST endpoints, websocket feed
	srv, err := server.New(cfg, server.Deps{
		Store:     st,
		Auth:      authn,
		Registry:  registry,
		Catalog:   catalog,
		Sessions:  sessions,
		RAG:       ragIndex,
		Bus:       eventBus,
		Logger:    log,
		StartedAt: startedAt,
	})
	if err != nil {
		log.Fatal("Failed to build server", zap.Error(err))
	}
	if err := srv.Start(ctx); err != nil {
		log.Fatal("Failed to start HTTP server", zap.Error(err))
	}

	startupSummary(os.Stdout, cfg, authn, srv.Port())

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down hivemux...")
	cancel()

	// 15. Graceful shutdown: stop accepting requests, mark live sessions
	// disconnected (recoverable on restart), stop pipelines and timers,
	// flush spans, release storage.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Error("Session manager shutdown error", zap.Error(err))
	}
	sup.Shutdown()
	catalog.Close()
	if ragSync != nil {
		ragSync.Close()
	}
	eventBus.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("Tracing shutdown error", zap.Error(err))
	}

	log.Info("hivemux stopped")
}

// startupSummary prints the one block a human operator needs: where the
// server listens and how to reach it. Suppressed under SKIP_TUI and CI so
// scripted launches stay quiet.
func startupSummary(w *os.File, cfg *config.Config, authn *auth.Authenticator, port int) {
	if os.Getenv("SKIP_TUI") != "" || os.Getenv("CI") != "" {
		return
	}
	fmt.Fprintf(w, "hivemux listening on %s:%d\n", cfg.Server.Host, port)
	fmt.Fprintf(w, "  MCP endpoint:  http://%s:%d/rpc\n", cfg.Server.Host, port)
	fmt.Fprintf(w, "  admin token:   ends in %s (full value: token://admin)\n", auth.Last4(authn.AdminToken()))
	if cfg.Project.Dir != "" {
		fmt.Fprintf(w, "  project dir:   %s\n", cfg.Project.Dir)
	}
}
