// Package api exposes the engine over HTTP: ensemble execution, webhook
// triggers, execution history, health, and the WebSocket event stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
	"github.com/ensemble-edge/conductor/pkg/events"
	"github.com/ensemble-edge/conductor/pkg/executor"
	"github.com/ensemble-edge/conductor/pkg/history"
)

// Store persists and serves execution records. *history.Store implements
// it; a nil Store disables the history endpoints.
type Store interface {
	Save(ctx context.Context, rec *history.Record) error
	Get(ctx context.Context, executionID string) (*history.Record, error)
	ListByEnsemble(ctx context.Context, ensemble string, limit int) ([]*history.Record, error)
	Ping(ctx context.Context) error
}

// Server wires the executor, the optional history store, and the event
// stream behind a gin router.
type Server struct {
	exec   *executor.Executor
	store  Store // nil disables history endpoints' persistence
	stream *events.Stream
	env    map[string]string
	logger *slog.Logger

	mu        sync.RWMutex
	ensembles map[string]*ensemble.Ensemble
}

// NewServer creates the API server. store may be nil when no history
// database is configured; stream may be nil to disable the WebSocket feed.
func NewServer(exec *executor.Executor, store Store, stream *events.Stream, env map[string]string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		exec:      exec,
		store:     store,
		stream:    stream,
		env:       env,
		logger:    logger.With("component", "api"),
		ensembles: make(map[string]*ensemble.Ensemble),
	}
}

// RegisterEnsemble adds a parsed ensemble to the trigger catalog. Webhook
// trigger requests are matched against this catalog by ensemble name.
func (s *Server) RegisterEnsemble(e *ensemble.Ensemble) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensembles[e.Name] = e
}

// Ensemble looks up a registered ensemble by name.
func (s *Server) Ensemble(name string) (*ensemble.Ensemble, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.ensembles[name]
	return e, ok
}

// Routes builds the gin engine with all endpoints mounted.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), securityHeaders())

	router.GET("/health", s.healthHandler)
	router.GET("/ws", s.wsHandler)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/ensembles/execute", s.executeHandler)
		v1.POST("/triggers/webhook/:ensemble", s.webhookTriggerHandler)
		v1.GET("/executions/:id", s.getExecutionHandler)
		v1.GET("/ensembles/:ensemble/executions", s.listExecutionsHandler)
	}
	return router
}

// requestLogger logs one line per request with method, path, and status.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status())
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := gin.H{}
	status := "healthy"
	httpStatus := http.StatusOK

	if s.store != nil {
		if err := s.store.Ping(c.Request.Context()); err != nil {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
			checks["database"] = gin.H{"status": "unhealthy", "message": err.Error()}
		} else {
			checks["database"] = gin.H{"status": "healthy"}
		}
	}
	if s.stream != nil {
		checks["event_stream"] = gin.H{
			"status":      "healthy",
			"connections": s.stream.ActiveConnections(),
		}
	}

	c.JSON(httpStatus, gin.H{"status": status, "checks": checks})
}
