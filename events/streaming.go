// Copyright (C) 2025 pod-healer contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"pod-healer/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Streamer fans remediation events out to WebSocket clients. The API server
// mounts HandleWebSocket on its event stream endpoint.
type Streamer struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	eventBus    *EventBus
	upgrader    websocket.Upgrader
	config      StreamingConfig
}

// StreamingConfig configures the event streamer
type StreamingConfig struct {
	MaxConnections    int           `json:"maxConnections"`
	ConnectionTimeout time.Duration `json:"connectionTimeout"`
	BufferSize        int           `json:"bufferSize"`
	CorsOrigins       []string      `json:"corsOrigins"`
}

// DefaultStreamingConfig returns sensible defaults for the event streamer
func DefaultStreamingConfig() StreamingConfig {
	return StreamingConfig{
		MaxConnections:    64,
		ConnectionTimeout: 2 * time.Minute,
		BufferSize:        128,
	}
}

// Connection represents a WebSocket connection to a streaming client
type Connection struct {
	ID       string
	ClientID string
	Conn     *websocket.Conn
	Send     chan *Event
	Filter   *EventFilter
	LastPing time.Time
}

// NewStreamer creates a new event streamer bound to the given bus
func NewStreamer(eventBus *EventBus, config StreamingConfig) *Streamer {
	return &Streamer{
		connections: make(map[string]*Connection),
		eventBus:    eventBus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(config.CorsOrigins) == 0 {
					return true // Allow all origins if none specified
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range config.CorsOrigins {
					if origin == allowed {
						return true
					}
				}
				return false
			},
			WriteBufferSize: 1024,
			ReadBufferSize:  1024,
		},
		config: config,
	}
}

// Start subscribes to the event bus and runs connection cleanup until the
// context is cancelled
func (s *Streamer) Start(ctx context.Context) {
	s.eventBus.Subscribe("event-streamer", s.handleEvent)
	go s.cleanupConnections(ctx)
	logger.Info("🌊 Event streamer started")
}

// HandleWebSocket upgrades the request and manages the connection lifecycle
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Check connection limit
	s.mu.RLock()
	connCount := len(s.connections)
	s.mu.RUnlock()

	if connCount >= s.config.MaxConnections {
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	// Upgrade connection
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Failed to upgrade connection: %v", err)
		return
	}

	connection := &Connection{
		ID:       generateConnectionID(),
		ClientID: r.Header.Get("X-Client-ID"),
		Conn:     conn,
		Send:     make(chan *Event, s.config.BufferSize),
		Filter:   parseFilterFromRequest(r),
		LastPing: time.Now(),
	}

	// Register connection
	s.mu.Lock()
	s.connections[connection.ID] = connection
	total := len(s.connections)
	s.mu.Unlock()

	logger.Info("📡 Stream client connected: %s (total: %d)", connection.ID, total)

	// Start connection handlers
	go s.readConnection(connection)
	go s.writeConnection(connection)
}

// readConnection handles incoming messages from the client
func (s *Streamer) readConnection(conn *Connection) {
	defer func() {
		s.removeConnection(conn.ID)
		if err := conn.Conn.Close(); err != nil {
			logger.Debug("Failed to close WebSocket connection: %v", err)
		}
	}()

	conn.Conn.SetReadLimit(4096)
	if err := conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
		logger.Debug("Failed to set read deadline: %v", err)
	}
	conn.Conn.SetPongHandler(func(string) error {
		conn.LastPing = time.Now()
		return conn.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		messageType, data, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket error: %v", err)
			}
			break
		}

		if messageType == websocket.TextMessage {
			s.handleMessage(conn, data)
		}
	}
}

// writeConnection handles outgoing messages to the client
func (s *Streamer) writeConnection(conn *Connection) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		if err := conn.Conn.Close(); err != nil {
			logger.Debug("Failed to close WebSocket connection in write handler: %v", err)
		}
	}()

	for {
		select {
		case event, ok := <-conn.Send:
			if err := conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				logger.Debug("Failed to set write deadline: %v", err)
			}
			if !ok {
				if err := conn.Conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					logger.Debug("Failed to write close message: %v", err)
				}
				return
			}

			data, err := event.ToJSON()
			if err != nil {
				logger.Error("Failed to serialize event: %v", err)
				continue
			}

			if err := conn.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			if err := conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				logger.Debug("Failed to set write deadline for ping: %v", err)
			}
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming messages from the client
func (s *Streamer) handleMessage(conn *Connection, data []byte) {
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Error("Invalid message format: %v", err)
		return
	}

	msgType, ok := msg["type"].(string)
	if !ok {
		return
	}

	switch msgType {
	case "filter":
		s.updateFilter(conn, msg)
	case "ping":
		conn.LastPing = time.Now()
	}
}

// handleEvent processes events from the event bus
func (s *Streamer) handleEvent(event *Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, conn := range s.connections {
		if conn.Filter.Matches(event) {
			select {
			case conn.Send <- event:
			default:
				// Channel full, remove connection
				go s.removeConnection(conn.ID)
			}
		}
	}
}

// removeConnection removes a connection from the registry
func (s *Streamer) removeConnection(connectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conn, exists := s.connections[connectionID]; exists {
		close(conn.Send)
		delete(s.connections, connectionID)
		logger.Info("📡 Stream client disconnected: %s (remaining: %d)", conn.ID, len(s.connections))
	}
}

// cleanupConnections removes stale connections
func (s *Streamer) cleanupConnections(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			for id, conn := range s.connections {
				if time.Since(conn.LastPing) > s.config.ConnectionTimeout {
					_ = conn.Conn.Close()
					close(conn.Send)
					delete(s.connections, id)
					logger.Info("🧹 Cleaned up stale connection: %s", id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// updateFilter updates connection event filter
func (s *Streamer) updateFilter(conn *Connection, msg map[string]interface{}) {
	if filterData, ok := msg["filter"]; ok {
		if filterBytes, err := json.Marshal(filterData); err == nil {
			var newFilter EventFilter
			if json.Unmarshal(filterBytes, &newFilter) == nil {
				conn.Filter = &newFilter
				logger.Info("📋 Updated filter for connection: %s", conn.ID)
			}
		}
	}
}

// ConnectionCount returns the number of active streaming connections
func (s *Streamer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// parseFilterFromRequest builds an event filter from query parameters
func parseFilterFromRequest(r *http.Request) *EventFilter {
	filter := &EventFilter{}
	q := r.URL.Query()

	for _, t := range q["type"] {
		filter.EventTypes = append(filter.EventTypes, EventType(t))
	}
	for _, ns := range q["namespace"] {
		filter.Namespaces = append(filter.Namespaces, ns)
	}
	for _, pod := range q["pod"] {
		filter.PodNames = append(filter.PodNames, pod)
	}
	for _, class := range q["errorClass"] {
		filter.ErrorClasses = append(filter.ErrorClasses, class)
	}
	for _, sev := range q["severity"] {
		filter.Severities = append(filter.Severities, Severity(sev))
	}

	return filter
}

// generateConnectionID generates a unique connection ID
func generateConnectionID() string {
	return "conn-" + uuid.NewString()
}
