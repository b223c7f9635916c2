// Package server is the HTTP front-end: the MCP RPC endpoint (streamable
// HTTP plus SSE compatibility routes), the REST operations surface, and the
// websocket event feed, all on one gin router.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/hivemux/hivemux/internal/auth"
	"github.com/hivemux/hivemux/internal/common/config"
	"github.com/hivemux/hivemux/internal/common/httpmw"
	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/events/bus"
	"github.com/hivemux/hivemux/internal/rag"
	"github.com/hivemux/hivemux/internal/resources"
	"github.com/hivemux/hivemux/internal/session"
	"github.com/hivemux/hivemux/internal/store"
	"github.com/hivemux/hivemux/internal/tools"
)

const serverName = "hivemux"

// Deps carries everything the HTTP surface serves.
type Deps struct {
	Store     *store.Store
	Auth      *auth.Authenticator
	Registry  *tools.Registry
	Catalog   *resources.Catalog
	Sessions  *session.Manager
	RAG       *rag.Index
	Bus       bus.EventBus
	Logger    *logger.Logger
	StartedAt time.Time
}

// Server ties the gin router, the MCP transports, and the websocket event
// feed into one lifecycle. New builds everything; Start binds the listener.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	logger *logger.Logger

	router     *gin.Engine
	httpServer *http.Server
	mcp        *server.MCPServer
	streamable *server.StreamableHTTPServer
	sse        *server.SSEServer
	feed       *feed

	mu      sync.Mutex
	running bool
}

// New wires the MCP server (tools, resources, session hooks), the
// transports, and the router. The session manager must already exist; it is
// handed to the streamable transport as its session ID authority.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("server requires a logger")
	}
	s := &Server{
		cfg:    cfg.Server,
		deps:   deps,
		logger: deps.Logger.WithComponent("server"),
	}

	// Session lifecycle wiring. The initialize hook is the authoritative
	// birth signal: streamable POST sessions are request-scoped and never
	// hit the register hook. The register/unregister pair tracks long-lived
	// streams (the GET notification stream, SSE connections); Register is
	// reattach-idempotent so both paths may fire for one session.
	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(ctx context.Context, _ any, _ *mcp.InitializeRequest, _ *mcp.InitializeResult) {
		cs := server.ClientSessionFromContext(ctx)
		if cs == nil {
			return
		}
		if err := deps.Sessions.Register(ctx, cs.SessionID()); err != nil {
			s.logger.Warn("Session registration failed",
				zap.String("session_id", cs.SessionID()), zap.Error(err))
		}
	})
	hooks.AddOnRegisterSession(func(ctx context.Context, cs server.ClientSession) {
		if err := deps.Sessions.Register(ctx, cs.SessionID()); err != nil {
			s.logger.Warn("Session registration failed",
				zap.String("session_id", cs.SessionID()), zap.Error(err))
		}
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, cs server.ClientSession) {
		if err := deps.Sessions.Disconnect(ctx, cs.SessionID()); err != nil {
			s.logger.Warn("Session disconnect failed",
				zap.String("session_id", cs.SessionID()), zap.Error(err))
		}
	})

	s.mcp = server.NewMCPServer(
		serverName,
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true), // subscribe=false, listChanged=true
		server.WithHooks(hooks),
	)
	deps.Registry.Attach(s.mcp)
	if err := deps.Catalog.Attach(context.Background(), s.mcp); err != nil {
		return nil, fmt.Errorf("attach resource catalog: %w", err)
	}

	// The streamable transport does not run its own heartbeats; the session
	// manager owns liveness.
	s.streamable = server.NewStreamableHTTPServer(s.mcp,
		server.WithEndpointPath("/rpc"),
		server.WithSessionIdManager(deps.Sessions),
		server.WithHTTPContextFunc(requestContext),
	)

	// Legacy SSE transport for clients that have not moved to streamable
	// HTTP yet.
	s.sse = server.NewSSEServer(s.mcp)

	s.feed = newFeed(deps.Bus, deps.Logger)
	s.router = s.buildRouter(cfg)
	return s, nil
}

// requestContext copies transport-level identity into the context: the
// bearer token for handlers resolving a caller without a token argument,
// and the session ID for handlers scoping state to the session.
func requestContext(ctx context.Context, r *http.Request) context.Context {
	if h := r.Header.Get("Authorization"); h != "" {
		ctx = auth.ContextWithToken(ctx, strings.TrimPrefix(h, "Bearer "))
	}
	if sid := r.Header.Get("Mcp-Session-Id"); sid != "" {
		ctx = tools.ContextWithSessionID(ctx, sid)
	}
	return ctx
}

func (s *Server) buildRouter(cfg *config.Config) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(s.deps.Logger, serverName))
	router.Use(httpmw.CORS())
	router.Use(httpmw.OtelTracing(serverName))

	rpc := gin.WrapH(s.streamable)
	router.POST("/rpc", rpc)
	router.GET("/rpc", rpc)
	router.DELETE("/rpc", rpc)

	router.GET("/sse", gin.WrapH(s.sse.SSEHandler()))
	router.POST("/message", gin.WrapH(s.sse.MessageHandler()))

	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.GET("/sessions", s.handleSessions)
	router.POST("/sessions/:id/recover", s.handleRecoverSession)
	router.GET("/config", s.handleGetConfig)
	router.POST("/config", s.handleUpdateConfig)
	router.GET("/ws", s.feed.handleConnection)

	return router
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener, opens the event feed, and serves in the
// background. It returns once the port is held.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	if err := s.feed.start(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.logger.Info("HTTP server listening",
			zap.String("addr", listener.Addr().String()),
			zap.String("rpc_endpoint", "/rpc"),
			zap.String("sse_endpoint", "/sse"),
			zap.String("ws_endpoint", "/ws"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Port reports the bound port, which differs from the configured one when
// the config asked for :0.
func (s *Server) Port() int {
	return s.cfg.Port
}

// Shutdown stops accepting requests, drains the transports, and closes the
// event feed. Session rows are left recoverable; the session manager's own
// shutdown handles their disconnect marking.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	s.feed.close()

	if !running {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := s.streamable.Shutdown(ctx); err != nil {
		s.logger.Warn("Streamable transport shutdown", zap.Error(err))
	}
	if err := s.sse.Shutdown(ctx); err != nil {
		s.logger.Warn("SSE transport shutdown", zap.Error(err))
	}
	return nil
}
