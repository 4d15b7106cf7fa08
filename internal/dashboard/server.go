// internal/dashboard/server.go
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/deltaquant/perpbot/internal/ledger"
)

// Server exposes the read-only trading dashboard: account summaries,
// open and closed positions, a live event stream and the metrics
// endpoint.
type Server struct {
	router *gin.Engine
	store  ledger.Store
	kinds  []string
	hub    *Hub
	logger *zap.Logger
}

func NewServer(store ledger.Store, kinds []string, hub *Hub, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router: router,
		store:  store,
		kinds:  kinds,
		hub:    hub,
		logger: logger.Named("dashboard"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := s.router.Group("/api")
	api.GET("/agents", s.listAgents)
	api.GET("/agents/:kind/account", s.getAccount)
	api.GET("/agents/:kind/positions", s.getPositions)
	api.GET("/agents/:kind/closed", s.getClosed)

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.serve(c.Writer, c.Request)
	})
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.kinds})
}

// knownKind guards the per-agent endpoints so a typo returns 404 rather
// than lazily creating a fresh account in the store.
func (s *Server) knownKind(kind string) bool {
	for _, k := range s.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *Server) getAccount(c *gin.Context) {
	kind := c.Param("kind")
	if !s.knownKind(kind) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent kind"})
		return
	}
	acct, err := s.store.Account(c.Request.Context(), kind)
	if err != nil {
		s.logger.Error("Failed to load account", zap.String("kind", kind), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load account"})
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) getPositions(c *gin.Context) {
	kind := c.Param("kind")
	if !s.knownKind(kind) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent kind"})
		return
	}
	open, err := s.store.OpenPositions(c.Request.Context(), kind)
	if err != nil {
		s.logger.Error("Failed to load positions", zap.String("kind", kind), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load positions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": open})
}

func (s *Server) getClosed(c *gin.Context) {
	kind := c.Param("kind")
	if !s.knownKind(kind) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent kind"})
		return
	}
	closed, err := s.store.ClosedPositions(c.Request.Context(), kind)
	if err != nil {
		s.logger.Error("Failed to load closed positions", zap.String("kind", kind), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load closed positions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("Dashboard listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
