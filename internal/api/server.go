// Package api exposes the read-only status API for a running node.
// External overlays poll it for health, stats, DNS lookups, and search;
// it has no write endpoints.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/httptim/rednetd/internal/config"
	"github.com/httptim/rednetd/internal/node"
)

// Server is the HTTP status server.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds the status server over a running node.
func New(cfg *config.Config, n *node.Node, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(SlogRequestLogger(logger))

	h := &Handler{node: n}
	registerRoutes(engine, h)

	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{cfg: cfg, logger: logger, engine: engine, httpServer: httpServer}
}

func registerRoutes(r *gin.Engine, h *Handler) {
	r.GET("/healthz", h.Healthz)

	api := r.Group("/api/v1")
	api.GET("/status", h.Status)
	api.GET("/dns/:domain", h.DNSLookup)
	api.GET("/search", h.Search)
	api.GET("/peers", h.PeerList)
}

func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
