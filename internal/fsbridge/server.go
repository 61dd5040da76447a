// Package fsbridge serves the acp_fs MCP server. The engine calls its tools
// to read and write files, which are routed through the ACP client when it
// supports that and through the local disk otherwise.
package fsbridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/cola-io/codex-acp/internal/common/config"
	"github.com/cola-io/codex-acp/internal/common/httpmw"
	"github.com/cola-io/codex-acp/internal/common/logger"
	"github.com/cola-io/codex-acp/internal/engine"
	"github.com/cola-io/codex-acp/internal/session"
)

// ServerName is the MCP server name the engine sees.
const ServerName = "acp_fs"

const shutdownTimeout = 5 * time.Second

// Sessions looks up bridge sessions. Tool calls name their session by
// secondary id only.
type Sessions interface {
	GetBySecondaryID(id string) (session.Session, bool)
	List() []session.Session
}

// ClientFS reaches the ACP client's file methods. ok is false when the
// client does not offer the method.
type ClientFS interface {
	ReadClientFile(ctx context.Context, sessionID, path string, line, limit *int) (content string, ok bool, err error)
	WriteClientFile(ctx context.Context, sessionID, path, content string) (ok bool, err error)
}

// Server is the filesystem bridge.
type Server struct {
	sessions  Sessions
	addr      string
	denyWrite []string
	logger    *logger.Logger

	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	router     *gin.Engine

	mu       sync.RWMutex
	clientFS ClientFS
	listener net.Listener
}

// New creates the bridge. It does not listen until Listen is called.
func New(cfg config.FSBridgeConfig, sessions Sessions, log *logger.Logger) (*Server, error) {
	for _, pattern := range cfg.DenyWrite {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid deny_write pattern %q", pattern)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		sessions:  sessions,
		addr:      cfg.Addr,
		denyWrite: append([]string(nil), cfg.DenyWrite...),
		logger:    log.WithFields(zap.String("component", "fs-bridge")),
		router:    gin.New(),
	}

	s.mcpServer = server.NewMCPServer(ServerName, "1.0.0", server.WithToolCapabilities(true))
	s.registerTools()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return withSessionID(ctx, r.URL.Query().Get("session"))
		}),
	)

	s.router.Use(gin.Recovery(), httpmw.OtelTracing("fs-bridge"), httpmw.RequestLogger(s.logger, "fs-bridge"))
	s.setupRoutes()
	return s, nil
}

// Attach sets the client used for file access. Until then all access goes
// to the local disk.
func (s *Server) Attach(fs ClientFS) {
	s.mu.Lock()
	s.clientFS = fs
	s.mu.Unlock()
}

func (s *Server) client() ClientFS {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientFS
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/sessions", s.handleSessions)
	s.router.Any("/mcp", gin.WrapH(s.httpServer))
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the listener so Addr and MCPServer know the real port.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("fs bridge listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// MCPServer describes how a conversation reaches this bridge for the
// session with the given secondary id.
func (s *Server) MCPServer(secondaryID string) engine.McpServer {
	u := url.URL{
		Scheme:   "http",
		Host:     s.Addr(),
		Path:     "/mcp",
		RawQuery: url.Values{"session": {secondaryID}}.Encode(),
	}
	return engine.McpServer{Name: ServerName, URL: u.String()}
}

// Serve handles requests until ctx is done. Listen must be called first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln == nil {
		return errors.New("fs bridge is not listening")
	}

	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("failed to shut down MCP transport", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shut down fs bridge: %w", err)
	}
	s.logger.Info("fs bridge stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// sessionView omits the secondary id: it is the credential for /mcp.
type sessionView struct {
	ID    string `json:"id"`
	Mode  string `json:"mode"`
	Model string `json:"model"`
	Cwd   string `json:"cwd"`
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.sessions.List()
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView{
			ID:    sess.PrimaryID,
			Mode:  sess.ModeID,
			Model: sess.ModelID,
			Cwd:   sess.Cwd,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

type sessionKey struct{}

func withSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

func sessionIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
