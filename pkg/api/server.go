package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/SaaSManDan/turbobackend-worker/pkg/database"
	"github.com/SaaSManDan/turbobackend-worker/pkg/queue"
)

// Server exposes the worker's health endpoints. The worker has no request
// surface beyond these; all real work arrives through the job queue.
type Server struct {
	db   *database.Client
	pool *queue.WorkerPool
	http *http.Server
}

// NewServer creates the health server on the given address.
func NewServer(addr string, db *database.Client, pool *queue.WorkerPool) *Server {
	s := &Server{db: db, pool: pool}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", s.Health)
	router.GET("/queue/health", s.QueueHealth)

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start runs the HTTP server until Stop is called. Blocks.
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Health handles GET /healthz with a bounded database ping.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.db.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// QueueHealth handles GET /queue/health with worker-pool and queue-depth
// detail. Unhealthy pools answer 503 so orchestrators can restart the pod.
func (s *Server) QueueHealth(c *gin.Context) {
	health := s.pool.Health()
	code := http.StatusOK
	if !health.IsHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}
