// Package events streams run lifecycle events to WebSocket clients. Clients
// subscribe to channels (one per ensemble, or "all"); the stream is
// in-memory and per-process, with no durable backlog.
package events

import "github.com/ensemble-edge/conductor/pkg/ensemble"

// ClientMessage is what a WebSocket client sends.
type ClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

// StreamEvent is one lifecycle event as delivered to clients.
type StreamEvent struct {
	Type        string             `json:"type"`
	Event       ensemble.EventType `json:"event"`
	Ensemble    string             `json:"ensemble"`
	ExecutionID string             `json:"executionId,omitempty"`
	Timestamp   string             `json:"timestamp"`
	Data        map[string]any     `json:"data,omitempty"`
}

// ChannelAll receives every event regardless of ensemble.
const ChannelAll = "all"
