// Package api provides the HTTP status and control API of a mesh node
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-mesh/pkg/mesh"
	"github.com/ZentaChain/zentalk-mesh/pkg/noise"
	"github.com/ZentaChain/zentalk-mesh/pkg/protocol"
)

// Node is the part of a mesh node the API serves
type Node interface {
	IDString() string
	Fingerprint() string
	Stats() mesh.Stats
	Peers() []mesh.PeerInfo
	Sessions() []noise.SessionInfo
	Broadcast(ctx context.Context, payload []byte) error
	SendPrivate(ctx context.Context, peerID []byte, typ protocol.MessageType, payload []byte) error
	Handshake(ctx context.Context, peerID []byte) error
}

// Server represents the HTTP API server of a mesh node
type Server struct {
	node       Node
	router     *gin.Engine
	config     Config
	logger     *zap.Logger
	httpServer *http.Server
	startedAt  time.Time

	inboxMu sync.RWMutex
	inbox   []InboxMessage
}

// Config holds server configuration
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Listen     string `yaml:"listen" json:"listen"`
	EnableCORS bool   `yaml:"enable_cors" json:"enable_cors"`

	// RateLimit is requests per minute per client IP; 0 disables it
	RateLimit int `yaml:"rate_limit" json:"rate_limit"`

	// APIKeys are required on the send routes when set
	APIKeys []string `yaml:"api_keys,omitempty" json:"-"`

	InboxSize    int           `yaml:"inbox_size" json:"inbox_size"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Listen:       "127.0.0.1:8080",
		EnableCORS:   true,
		RateLimit:    100,
		InboxSize:    256,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates a new HTTP API server
func NewServer(node Node, config Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultConfig().InboxSize
	}

	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		node:      node,
		router:    gin.New(),
		config:    config,
		logger:    logger,
		startedAt: time.Now(),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if s.config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimit)))
	}
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(gin.Recovery())
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		node := v1.Group("/node")
		{
			node.GET("/info", s.handleNodeInfo)
			node.GET("/stats", s.handleNodeStats)
		}

		network := v1.Group("/network")
		{
			network.GET("/peers", s.handlePeers)
			network.GET("/sessions", s.handleSessions)
		}

		messages := v1.Group("/messages")
		{
			messages.GET("", s.handleInbox)

			send := messages.Group("")
			if len(s.config.APIKeys) > 0 {
				keys := make(map[string]bool, len(s.config.APIKeys))
				for _, k := range s.config.APIKeys {
					keys[k] = true
				}
				send.Use(AuthMiddleware(keys))
			}
			send.POST("/broadcast", s.handleBroadcast)
			send.POST("/private", s.handlePrivate)
			send.POST("/handshake", s.handleHandshake)
		}
	}

	s.router.GET("/health", s.handleHealth)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API server starting", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Record adds a received message to the inbox served at /api/v1/messages
func (s *Server) Record(msg mesh.Message) {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()

	s.inbox = append(s.inbox, newInboxMessage(msg))
	if over := len(s.inbox) - s.config.InboxSize; over > 0 {
		s.inbox = append(s.inbox[:0], s.inbox[over:]...)
	}
}

func (s *Server) inboxSnapshot() []InboxMessage {
	s.inboxMu.RLock()
	defer s.inboxMu.RUnlock()
	out := make([]InboxMessage, len(s.inbox))
	copy(out, s.inbox)
	return out
}
