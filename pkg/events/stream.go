package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
)

// Stream manages WebSocket connections and their channel subscriptions.
// Each process has one Stream instance.
type Stream struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	// Write timeout for WebSocket sends
	writeTimeout time.Duration

	logger *slog.Logger
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed WITHOUT a lock. This is safe because all reads
// and writes (subscribe, unsubscribe, unregisterConnection) happen on the
// single goroutine that owns this connection (HandleConnection's read loop
// and its deferred cleanup).
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewStream creates a stream with the given per-send write timeout.
func NewStream(writeTimeout time.Duration, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "events"),
	}
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes.
func (s *Stream) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	s.registerConnection(c)
	defer s.unregisterConnection(c)

	s.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or error, exit read loop
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		s.handleClientMessage(c, &msg)
	}
}

// Publish broadcasts a lifecycle event to the ensemble's channel and to the
// "all" channel. Slow or broken clients are logged and skipped; Publish
// never blocks the caller beyond the write timeout per connection.
func (s *Stream) Publish(eventType ensemble.EventType, ensembleName, executionID string, data map[string]any) {
	event := StreamEvent{
		Type:        "event",
		Event:       eventType,
		Ensemble:    ensembleName,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Data:        data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("Failed to marshal stream event", "error", err)
		return
	}
	s.broadcast(ensembleName, payload)
	s.broadcast(ChannelAll, payload)
}

// broadcast sends a payload to all connections subscribed to the channel.
func (s *Stream) broadcast(channel string, payload []byte) {
	s.channelMu.RLock()
	connIDs, exists := s.channels[channel]
	if !exists {
		s.channelMu.RUnlock()
		return
	}
	// Copy IDs to avoid holding the lock during sends
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	s.channelMu.RUnlock()

	// Snapshot connection pointers under the lock, then release before
	// sending, so slow writes never stall register/unregister.
	s.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := s.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		if err := s.sendRaw(conn, payload); err != nil {
			s.logger.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (s *Stream) ActiveConnections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (s *Stream) subscriberCount(channel string) int {
	s.channelMu.RLock()
	defer s.channelMu.RUnlock()
	return len(s.channels[channel])
}

func (s *Stream) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Channel == "" {
			s.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for subscribe"})
			return
		}
		s.subscribe(c, msg.Channel)
		s.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})

	case "unsubscribe":
		if msg.Channel == "" {
			s.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		s.unsubscribe(c, msg.Channel)

	case "ping":
		s.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func (s *Stream) subscribe(c *Connection, channel string) {
	s.channelMu.Lock()
	if _, exists := s.channels[channel]; !exists {
		s.channels[channel] = make(map[string]bool)
	}
	s.channels[channel][c.ID] = true
	s.channelMu.Unlock()

	c.subscriptions[channel] = true
}

func (s *Stream) unsubscribe(c *Connection, channel string) {
	s.channelMu.Lock()
	if subs, exists := s.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(s.channels, channel)
		}
	}
	s.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

func (s *Stream) registerConnection(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections[c.ID] = c
}

func (s *Stream) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		s.unsubscribe(c, ch)
	}

	s.mu.Lock()
	delete(s.connections, c.ID)
	s.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Stream) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := s.sendRaw(c, data); err != nil {
		s.logger.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

func (s *Stream) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, s.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
