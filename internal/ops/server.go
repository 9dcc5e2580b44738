// Package ops serves the operational HTTP surface: health and metrics.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loom/internal/logging"
	"loom/internal/queue"
)

// HealthFunc produces the per-queue health snapshot.
type HealthFunc func(ctx context.Context) (queue.Health, error)

// Server exposes /healthz and /metrics.
type Server struct {
	addr   string
	health HealthFunc
	log    logging.Logger
	http   *http.Server
}

func NewServer(addr string, health HealthFunc, log logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{addr: addr, health: health, log: logging.OrNop(log)}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(c *gin.Context) {
	h, err := s.health(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, h)
		return
	}
	code := http.StatusOK
	if h.OverallStatus == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	s.log.Info("ops server listening on %s", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
