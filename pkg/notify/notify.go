// Package notify dispatches run lifecycle events to the notification
// targets declared on an ensemble. Delivery failures never propagate into
// the run; they surface only in the returned result set and the logs.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
)

// Event is the wire payload sent to every target: the lifecycle event name,
// an ISO-8601 UTC timestamp, and the event data keyed by "ensemble" plus the
// emitter's payload.
type Event struct {
	Event     ensemble.EventType `json:"event"`
	Timestamp string             `json:"timestamp"`
	Data      map[string]any     `json:"data"`
}

// Result records the outcome of one target's delivery.
type Result struct {
	Success    bool                      `json:"success"`
	Type       ensemble.NotificationType `json:"type"`
	Target     string                    `json:"target"`
	Event      ensemble.EventType        `json:"event"`
	Duration   time.Duration             `json:"duration"`
	Error      string                    `json:"error,omitempty"`
	StatusCode int                       `json:"statusCode,omitempty"`
	Attempts   int                       `json:"attempts,omitempty"`
}

// sender delivers one event to one target.
type sender interface {
	Send(ctx context.Context, target ensemble.NotificationConfig, event Event) Result
}

// Manager fans lifecycle events out to the matching notification targets.
// Targets run in parallel; within one webhook delivery retries are
// sequential.
type Manager struct {
	logger  *slog.Logger
	senders map[ensemble.NotificationType]sender
	now     func() time.Time
}

// NewManager creates a notification manager. env supplies host bindings such
// as Slack tokens; a nil logger falls back to the process default.
func NewManager(env map[string]string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")
	return &Manager{
		logger: logger,
		senders: map[ensemble.NotificationType]sender{
			ensemble.NotificationWebhook: newWebhookSender(logger),
			ensemble.NotificationEmail:   newEmailSender(env, logger),
			ensemble.NotificationSlack:   newSlackSender(env, logger),
		},
		now: time.Now,
	}
}

// EmitExecutionStarted notifies targets subscribed to execution.started.
func (m *Manager) EmitExecutionStarted(ctx context.Context, e *ensemble.Ensemble, data map[string]any) []Result {
	return m.emit(ctx, e, ensemble.EventExecutionStarted, data)
}

// EmitExecutionCompleted notifies targets subscribed to execution.completed.
func (m *Manager) EmitExecutionCompleted(ctx context.Context, e *ensemble.Ensemble, data map[string]any) []Result {
	return m.emit(ctx, e, ensemble.EventExecutionCompleted, data)
}

// EmitExecutionFailed notifies targets subscribed to execution.failed.
func (m *Manager) EmitExecutionFailed(ctx context.Context, e *ensemble.Ensemble, data map[string]any) []Result {
	return m.emit(ctx, e, ensemble.EventExecutionFailed, data)
}

// EmitExecutionTimeout notifies targets subscribed to execution.timeout.
func (m *Manager) EmitExecutionTimeout(ctx context.Context, e *ensemble.Ensemble, data map[string]any) []Result {
	return m.emit(ctx, e, ensemble.EventExecutionTimeout, data)
}

// EmitAgentCompleted notifies targets subscribed to agent.completed.
func (m *Manager) EmitAgentCompleted(ctx context.Context, e *ensemble.Ensemble, data map[string]any) []Result {
	return m.emit(ctx, e, ensemble.EventAgentCompleted, data)
}

// EmitStateUpdated notifies targets subscribed to state.updated.
func (m *Manager) EmitStateUpdated(ctx context.Context, e *ensemble.Ensemble, data map[string]any) []Result {
	return m.emit(ctx, e, ensemble.EventStateUpdated, data)
}

func (m *Manager) emit(ctx context.Context, e *ensemble.Ensemble, eventType ensemble.EventType, data map[string]any) []Result {
	var targets []ensemble.NotificationConfig
	for _, target := range e.Notifications {
		if subscribed(target, eventType) {
			targets = append(targets, target)
		}
	}
	if len(targets) == 0 {
		return nil
	}

	payload := make(map[string]any, len(data)+1)
	payload["ensemble"] = e.Name
	for k, v := range data {
		payload[k] = v
	}
	event := Event{
		Event:     eventType,
		Timestamp: m.now().UTC().Format(time.RFC3339),
		Data:      payload,
	}

	results := make([]Result, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target ensemble.NotificationConfig) {
			defer wg.Done()
			snd, ok := m.senders[target.Type]
			if !ok {
				results[i] = Result{
					Type: target.Type, Event: eventType,
					Error: "no sender for notification type " + string(target.Type),
				}
				return
			}
			results[i] = snd.Send(ctx, target, event)
			if !results[i].Success {
				m.logger.Warn("notification delivery failed",
					"event", eventType,
					"type", target.Type,
					"target", results[i].Target,
					"error", results[i].Error)
			}
		}(i, target)
	}
	wg.Wait()
	return results
}

func subscribed(target ensemble.NotificationConfig, eventType ensemble.EventType) bool {
	for _, ev := range target.Events {
		if ev == eventType {
			return true
		}
	}
	return false
}
