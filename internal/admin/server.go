// Package admin serves the relay's operator HTTP API: health, readiness,
// Prometheus metrics and a view of the supervisor's worker registries.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/fcgirelay/internal/observability"
	"github.com/danmuck/fcgirelay/internal/supervisor"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

// Registry is the supervisor surface the API reads and acts on.
type Registry interface {
	Policy() supervisor.Policy
	Sessions() []supervisor.Session
	Pool() supervisor.PoolStatus
	Retire(sessionID string) error
}

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	registry Registry
	router   *gin.Engine
	log      zerolog.Logger
}

func New(id, addr string, corsOrigins []string, registry Registry, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observe(id, logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		registry: registry,
		router:   r,
		log:      logger,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) RegisterRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"policy":  s.registry.Policy(),
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	s.router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sessions": s.registry.Sessions(),
		})
	})

	s.router.DELETE("/sessions/:id", func(c *gin.Context) {
		id := c.Param("id")
		if err := s.registry.Retire(id); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, supervisor.ErrUnknownSession) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "retiring", "session": id})
	})

	s.router.GET("/pool", func(c *gin.Context) {
		if s.registry.Policy() != supervisor.PolicyShared {
			c.JSON(http.StatusNotFound, gin.H{"error": "no pool under dedicated policy"})
			return
		}
		c.JSON(http.StatusOK, s.registry.Pool())
	})
}

// ready is false once a shared pool has lost every member.
func (s *Server) ready() bool {
	if s.registry.Policy() != supervisor.PolicyShared {
		return true
	}
	return s.registry.Pool().Alive > 0
}

// Serve runs the API until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.Addr).Msg("admin api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
