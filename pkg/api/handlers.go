package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
	"github.com/ensemble-edge/conductor/pkg/executor"
	"github.com/ensemble-edge/conductor/pkg/history"
)

// ExecuteRequest runs an ensemble: either an inline YAML document or the
// name of a registered one.
type ExecuteRequest struct {
	YAML     string `json:"yaml,omitempty"`
	Ensemble string `json:"ensemble,omitempty"`
	Input    any    `json:"input,omitempty"`
}

func (s *Server) executeHandler(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	switch {
	case req.YAML != "":
		started := time.Now().UTC()
		result, err := s.exec.ExecuteFromYAML(c.Request.Context(), []byte(req.YAML), req.Input)
		s.finishRun(c, "", req.Input, started, result, err)
	case req.Ensemble != "":
		e, ok := s.Ensemble(req.Ensemble)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown ensemble " + req.Ensemble})
			return
		}
		s.runRegistered(c, e, req.Input)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "either yaml or ensemble is required"})
	}
}

// webhookTriggerHandler runs a registered ensemble in response to an
// incoming webhook. The ensemble must declare a webhook trigger, and unless
// the trigger is public the request must carry its bearer token.
func (s *Server) webhookTriggerHandler(c *gin.Context) {
	name := c.Param("ensemble")
	e, ok := s.Ensemble(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown ensemble " + name})
		return
	}

	trigger, ok := webhookTrigger(e)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "ensemble " + name + " has no webhook trigger"})
		return
	}
	if !trigger.Public && !s.authorized(c, trigger) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
		return
	}

	var input any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
			return
		}
	}
	s.runRegistered(c, e, input)
}

func webhookTrigger(e *ensemble.Ensemble) (ensemble.TriggerConfig, bool) {
	for _, trigger := range e.Triggers {
		if trigger.Type == ensemble.TriggerWebhook {
			return trigger, true
		}
	}
	return ensemble.TriggerConfig{}, false
}

// authorized checks the trigger's bearer token. The token comes from the
// trigger auth block, either inline (already env-expanded by the parser) or
// via a token_env binding.
func (s *Server) authorized(c *gin.Context, trigger ensemble.TriggerConfig) bool {
	var want string
	if token, ok := trigger.Auth["token"].(string); ok {
		want = token
	} else if envKey, ok := trigger.Auth["token_env"].(string); ok {
		want = s.env[envKey]
	}
	if want == "" {
		return false
	}
	header := c.GetHeader("Authorization")
	got, found := strings.CutPrefix(header, "Bearer ")
	return found && got == want
}

func (s *Server) runRegistered(c *gin.Context, e *ensemble.Ensemble, input any) {
	started := time.Now().UTC()
	result, err := s.exec.ExecuteEnsemble(c.Request.Context(), e, input)
	s.finishRun(c, e.Name, input, started, result, err)
}

// finishRun records the outcome in history and writes the HTTP response.
// Event-stream publishing happens inside the executor, which is wired to
// the stream at startup.
func (s *Server) finishRun(c *gin.Context, ensembleName string, input any, started time.Time, result *executor.ExecutionResult, err error) {
	finished := time.Now().UTC()

	if err != nil {
		// Runs that actually started carry their execution ID on the
		// error; parse failures never started and are not recorded.
		var execErr *executor.ExecutionError
		if errors.As(err, &execErr) && execErr.ExecutionID != "" {
			s.record(c, &history.Record{
				ExecutionID:  execErr.ExecutionID,
				Ensemble:     execErr.EnsembleName,
				Status:       history.StatusFailed,
				Input:        input,
				ErrorMessage: err.Error(),
				StartedAt:    started,
				FinishedAt:   finished,
			})
		}
		s.renderError(c, err)
		return
	}

	name := ensembleName
	if name == "" {
		name = result.Metrics.Ensemble
	}
	s.record(c, &history.Record{
		ExecutionID: result.ExecutionID,
		Ensemble:    name,
		Status:      history.StatusCompleted,
		Input:       input,
		Output:      result.Output,
		Metrics:     result.Metrics,
		Scoring:     result.Scoring,
		StartedAt:   started,
		FinishedAt:  finished,
	})

	c.JSON(http.StatusOK, result)
}

// record persists a finished run when history is configured. Persistence
// failures are logged, never surfaced to the caller.
func (s *Server) record(c *gin.Context, rec *history.Record) {
	if s.store == nil || rec.ExecutionID == "" {
		return
	}
	if err := s.store.Save(c.Request.Context(), rec); err != nil {
		s.logger.Warn("failed to record execution",
			"executionId", rec.ExecutionID, "error", err)
	}
}

func (s *Server) getExecutionHandler(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "execution history is not configured"})
		return
	}
	rec, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) listExecutionsHandler(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "execution history is not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := s.store.ListByEnsemble(c.Request.Context(), c.Param("ensemble"), limit)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": records})
}

// wsHandler upgrades the connection and hands it to the event stream.
// Blocks until the client disconnects.
func (s *Server) wsHandler(c *gin.Context) {
	if s.stream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream is not configured"})
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	s.stream.HandleConnection(c.Request.Context(), conn)
}
