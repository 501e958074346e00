// Package bus is the single-process publish-subscribe fan-out of lifecycle
// events to connected clients. Delivery is best-effort: there is no
// per-connection backpressure queue, and a consumer whose send fails is
// disconnected.
package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Server message types.
const (
	MessageWelcome       = "welcome"
	MessagePong          = "pong"
	MessageAuthenticated = "authenticated"
	MessageSubscribed    = "subscribed"
	MessageUnsubscribed  = "unsubscribed"
	MessageError         = "error"
)

// Lifecycle event types published by the orchestrator and executors.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowRunning   = "workflow_running"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventTaskStatus        = "task_status"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"
)

// Message is the server-to-client wire format.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
}

// clientMessage is the client-to-server wire format.
type clientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Filter selects which connections receive a published event. Empty fields
// match every connection; set fields must all match.
type Filter struct {
	OrganizationID string
	UserID         string
	Channel        string
}

// Publisher is the narrow interface components use to emit events.
type Publisher interface {
	Publish(eventType string, data any, filter Filter)
}

// Stats is a snapshot of the subscriber population.
type Stats struct {
	Connections int            `json:"connections"`
	Channels    map[string]int `json:"channels"`
}

// Connection is one subscriber. Writes are serialized by writeMu; dead
// connections are detected via lastActivity.
type Connection struct {
	id           string
	ws           *websocket.Conn
	writeMu      sync.Mutex
	mu           sync.RWMutex
	userID       string
	orgID        string
	channels     map[string]bool
	lastActivity time.Time
}

// Config tunes connection lifecycle.
type Config struct {
	// IdleTimeout disconnects clients with no activity.
	IdleTimeout time.Duration

	// ReapInterval is how often idle connections are collected.
	ReapInterval time.Duration

	// Features is advertised in the welcome message.
	Features map[string]bool
}

// Bus fans lifecycle events out to websocket subscribers.
type Bus struct {
	upgrader websocket.Upgrader
	config   Config

	mu          sync.RWMutex
	connections map[string]*Connection

	cancelReaper context.CancelFunc
	done         chan struct{}
}

// New creates the notification bus.
func New(config Config) *Bus {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 10 * time.Minute
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = 5 * time.Minute
	}
	if config.Features == nil {
		config.Features = map[string]bool{}
	}

	return &Bus{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		config:      config,
		connections: make(map[string]*Connection),
	}
}

// Start begins the idle-connection reaper.
func (b *Bus) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancelReaper = cancel
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(b.config.ReapInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.reapIdle()
			}
		}
	}()
}

// Stop closes every connection and stops the reaper.
func (b *Bus) Stop() {
	b.mu.Lock()
	cancel := b.cancelReaper
	done := b.done
	connections := make([]*Connection, 0, len(b.connections))
	for _, conn := range b.connections {
		connections = append(connections, conn)
	}
	b.connections = make(map[string]*Connection)
	b.mu.Unlock()

	for _, conn := range connections {
		conn.ws.Close()
	}
	if cancel != nil {
		cancel()
		<-done
	}
}

// HandleConnection upgrades an HTTP request and runs the connection's read
// loop until it drops.
func (b *Bus) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	conn := &Connection{
		id:           uuid.New().String(),
		ws:           ws,
		channels:     make(map[string]bool),
		lastActivity: time.Now().UTC(),
	}

	b.mu.Lock()
	b.connections[conn.id] = conn
	b.mu.Unlock()

	log.WithField("connection_id", conn.id).Debug("Subscriber connected")

	b.send(conn, &Message{
		Type: MessageWelcome,
		Data: map[string]any{
			"connectionId": conn.id,
			"features":     b.config.Features,
		},
	})

	b.readLoop(conn)
}

// readLoop processes client messages until the connection drops.
func (b *Bus) readLoop(conn *Connection) {
	defer b.disconnect(conn)

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		conn.mu.Lock()
		conn.lastActivity = time.Now().UTC()
		conn.mu.Unlock()

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			b.send(conn, &Message{Type: MessageError, Data: map[string]any{"message": "malformed message"}})
			continue
		}

		switch msg.Type {
		case "ping":
			b.send(conn, &Message{Type: MessagePong})

		case "authenticate":
			var auth struct {
				UserID         string `json:"userId"`
				OrganizationID string `json:"organizationId"`
			}
			if err := json.Unmarshal(msg.Data, &auth); err != nil {
				b.send(conn, &Message{Type: MessageError, Data: map[string]any{"message": "malformed authenticate payload"}})
				continue
			}
			conn.mu.Lock()
			conn.userID = auth.UserID
			conn.orgID = auth.OrganizationID
			conn.mu.Unlock()
			b.send(conn, &Message{Type: MessageAuthenticated, Data: map[string]any{
				"userId":         auth.UserID,
				"organizationId": auth.OrganizationID,
			}})

		case "subscribe", "unsubscribe":
			var sub struct {
				Channel string `json:"channel"`
			}
			if err := json.Unmarshal(msg.Data, &sub); err != nil || sub.Channel == "" {
				b.send(conn, &Message{Type: MessageError, Data: map[string]any{"message": "channel is required"}})
				continue
			}
			conn.mu.Lock()
			reply := MessageSubscribed
			if msg.Type == "subscribe" {
				conn.channels[sub.Channel] = true
			} else {
				delete(conn.channels, sub.Channel)
				reply = MessageUnsubscribed
			}
			conn.mu.Unlock()
			b.send(conn, &Message{Type: reply, Data: map[string]any{"channel": sub.Channel}})

		default:
			b.send(conn, &Message{Type: MessageError, Data: map[string]any{"message": "unknown message type"}})
		}
	}
}

// Publish delivers an event to every connection matching the filter.
func (b *Bus) Publish(eventType string, data any, filter Filter) {
	message := &Message{Type: eventType, Data: data}

	b.mu.RLock()
	targets := make([]*Connection, 0, len(b.connections))
	for _, conn := range b.connections {
		if conn.matches(filter) {
			targets = append(targets, conn)
		}
	}
	b.mu.RUnlock()

	for _, conn := range targets {
		b.send(conn, message)
	}
}

// matches reports whether the connection passes every set filter field.
func (c *Connection) matches(filter Filter) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if filter.OrganizationID != "" && c.orgID != filter.OrganizationID {
		return false
	}
	if filter.UserID != "" && c.userID != filter.UserID {
		return false
	}
	if filter.Channel != "" && !c.channels[filter.Channel] {
		return false
	}
	return true
}

// send writes a message; a failed send disconnects the consumer.
func (b *Bus) send(conn *Connection, message *Message) {
	message.Timestamp = time.Now().UTC()
	message.ID = uuid.New().String()

	conn.writeMu.Lock()
	conn.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	err := conn.ws.WriteJSON(message)
	conn.writeMu.Unlock()

	if err != nil {
		log.WithError(err).WithField("connection_id", conn.id).Debug("Send failed, disconnecting subscriber")
		b.disconnect(conn)
	}
}

// disconnect removes and closes a connection. Idempotent.
func (b *Bus) disconnect(conn *Connection) {
	b.mu.Lock()
	_, present := b.connections[conn.id]
	delete(b.connections, conn.id)
	b.mu.Unlock()

	if present {
		conn.ws.Close()
		log.WithField("connection_id", conn.id).Debug("Subscriber disconnected")
	}
}

// reapIdle drops connections with no activity past the idle timeout.
func (b *Bus) reapIdle() {
	cutoff := time.Now().UTC().Add(-b.config.IdleTimeout)

	b.mu.RLock()
	var idle []*Connection
	for _, conn := range b.connections {
		conn.mu.RLock()
		if conn.lastActivity.Before(cutoff) {
			idle = append(idle, conn)
		}
		conn.mu.RUnlock()
	}
	b.mu.RUnlock()

	for _, conn := range idle {
		log.WithField("connection_id", conn.id).Info("Reaping idle subscriber")
		b.disconnect(conn)
	}
}

// Stats returns the subscriber population snapshot.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		Connections: len(b.connections),
		Channels:    make(map[string]int),
	}
	for _, conn := range b.connections {
		conn.mu.RLock()
		for channel := range conn.channels {
			stats.Channels[channel]++
		}
		conn.mu.RUnlock()
	}
	return stats
}
