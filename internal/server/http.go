// Package server exposes the operational HTTP surface: health, runtime
// statistics and the effective recognition settings. The CRUD API for
// identities lives in the external API layer, not here.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"face-sentry-go/config"
	"face-sentry-go/internal/core/engine"
	"face-sentry-go/internal/stats"
)

// Server is the operational HTTP endpoint.
type Server struct {
	cfg    config.ServerConfig
	rt     *config.Runtime
	engine *engine.Engine
	http   *http.Server
}

// New builds the HTTP server and its routes.
func New(cfg config.ServerConfig, rt *config.Runtime, eng *engine.Engine) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(cors.New(cors.Config{
		AllowMethods:    []string{"GET", "HEAD"},
		AllowHeaders:    []string{"Origin", "Authorization", "Content-Type", "Content-Length", "X-Requested-With"},
		AllowAllOrigins: true,
		MaxAge:          12 * time.Hour,
	}))

	s := &Server{
		cfg:    cfg,
		rt:     rt,
		engine: eng,
	}

	r.GET("/api/health", s.health)
	r.GET("/api/stats", s.stats)
	r.GET("/api/config", s.config)

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		log.Infof("HTTP server listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("HTTP server error: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, stats.Collect(s.engine))
}

func (s *Server) config(c *gin.Context) {
	c.JSON(http.StatusOK, s.rt.Recognition())
}
