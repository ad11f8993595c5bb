package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeAnonymization reports one completion handled by the pipeline
	EventTypeAnonymization EventType = "anonymization"
	// EventTypeAudit reports one audit deanonymization request
	EventTypeAudit EventType = "audit"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// AnonymizationEvent summarizes one completion. It carries categories and
// counts only, never the detected values or placeholders.
type AnonymizationEvent struct {
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	Anonymized bool           `json:"anonymized"`
	Entities   int            `json:"entities"`
	Categories map[string]int `json:"categories,omitempty"`
	Status     string         `json:"status"`
	Restored   bool           `json:"restored"`
	DurationMS int64          `json:"duration_ms"`
}

// AuditEvent summarizes one audit deanonymization request
type AuditEvent struct {
	Subject string `json:"subject"`
	Items   int    `json:"items"`
	Entries int    `json:"entries"`
	Status  string `json:"status"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	ConnectedClients int    `json:"connected_clients"`
	TotalBroadcasts  int64  `json:"total_broadcasts"`
	MemoryUsage      string `json:"memory_usage"`
	Goroutines       int    `json:"goroutines"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	Message  string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string              `json:"type"`
	Data *SubscriptionRequest `json:"data,omitempty"`
}

// SubscriptionRequest narrows the event types a client receives. An empty
// list receives everything.
type SubscriptionRequest struct {
	Events []EventType `json:"events"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	conn        *websocket.Conn
	send        chan Event
	events      map[EventType]bool
	ConnectedAt time.Time
	IP          string
	UserAgent   string
}

func (c *Client) wants(t EventType) bool {
	if len(c.events) == 0 {
		return true
	}
	return c.events[t]
}
