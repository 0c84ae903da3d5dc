package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
	"github.com/ensemble-edge/conductor/pkg/executor"
	"github.com/ensemble-edge/conductor/pkg/history"
	"github.com/ensemble-edge/conductor/pkg/member"
)

// renderError maps engine errors to HTTP responses.
func (s *Server) renderError(c *gin.Context, err error) {
	var parseErr *ensemble.ParseError
	if errors.As(err, &parseErr) {
		issues := make([]gin.H, 0, len(parseErr.Issues))
		for _, issue := range parseErr.Issues {
			issues = append(issues, gin.H{"path": issue.Path, "reason": issue.Reason})
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":    parseErr.Error(),
			"ensemble": parseErr.Ensemble,
			"issues":   issues,
		})
		return
	}
	if errors.Is(err, history.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var execErr *executor.ExecutionError
	if errors.As(err, &execErr) {
		status := http.StatusInternalServerError
		if errors.Is(err, member.ErrAgentNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, member.ErrAgentConfig) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"error":    execErr.Error(),
			"ensemble": execErr.EnsembleName,
			"agent":    execErr.AgentName,
		})
		return
	}

	s.logger.Error("unexpected error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
