package websocket

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/metrics"
)

const (
	sendBufferSize = 256
	statusInterval = 30 * time.Second
)

// Hub maintains the set of active dashboard clients and broadcasts events
// to them. Only Run mutates the client set.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	config   config.WebSocketConfig
	upgrader websocket.Upgrader
	logger   *logger.Logger
	metrics  *metrics.Metrics

	mu        sync.RWMutex
	stats     HubStats
	startedAt time.Time
}

// HubStats tracks WebSocket hub statistics
type HubStats struct {
	TotalConnections   int64
	ActiveConnections  int64
	TotalMessages      int64
	TotalBroadcasts    int64
	DroppedEvents      int64
	LastConnectionTime time.Time
	LastBroadcastTime  time.Time
}

// NewHub creates a new WebSocket hub
func NewHub(cfg config.WebSocketConfig, log *logger.Logger, m *metrics.Metrics) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 54 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = cfg.PingInterval * 10 / 9
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, sendBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		config:     cfg,
		logger:     log.WithComponent("websocket"),
		metrics:    m,
		startedAt:  time.Now(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run handles registration, unregistration and broadcasting until ctx is
// cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket hub")
	ticker := time.NewTicker(statusInterval)
	defer func() {
		ticker.Stop()
		h.closeAll()
		close(h.done)
		h.logger.Info("WebSocket hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.deliver(event, nil)

		case <-ticker.C:
			if h.config.Events.BroadcastSystem {
				h.deliver(h.systemStatus(), nil)
			}
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.ActiveConnections = int64(len(h.clients))
	h.stats.LastConnectionTime = time.Now()
	active := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetDashboardConnections(active)
	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", active))

	if h.config.Events.BroadcastConnections {
		h.deliver(connectionEvent("connected", client), client)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		h.drop(client)
	}
	active := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	h.metrics.SetDashboardConnections(active)
	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ID),
		zap.Int("active_connections", active))

	if h.config.Events.BroadcastConnections {
		h.deliver(connectionEvent("disconnected", client), nil)
	}
}

// drop removes client; callers hold h.mu for writing.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.stats.ActiveConnections = int64(len(h.clients))
}

// deliver sends event to every subscribed client except skip. Clients whose
// buffer is full are disconnected.
func (h *Hub) deliver(event Event, skip *Client) {
	h.mu.Lock()
	h.stats.TotalBroadcasts++
	h.stats.LastBroadcastTime = time.Now()

	var slow []*Client
	for client := range h.clients {
		if client == skip || !client.wants(event.Type) {
			continue
		}
		select {
		case client.send <- event:
			h.stats.TotalMessages++
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		h.logger.Warn("Client send buffer full, closing connection",
			zap.String("client_id", client.ID))
		h.drop(client)
	}
	active := len(h.clients)
	h.mu.Unlock()

	if len(slow) > 0 {
		h.metrics.SetDashboardConnections(active)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.drop(client)
	}
	h.metrics.SetDashboardConnections(0)
}

// BroadcastEvent queues an event for all clients if its type is enabled.
// It never blocks; events are dropped when the queue is full.
func (h *Hub) BroadcastEvent(event Event) {
	if h == nil || !h.shouldBroadcastEvent(event.Type) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case h.broadcast <- event:
	default:
		h.mu.Lock()
		h.stats.DroppedEvents++
		h.mu.Unlock()
		h.logger.Warn("Broadcast queue full, dropping event",
			zap.String("event_type", string(event.Type)))
	}
}

func (h *Hub) shouldBroadcastEvent(eventType EventType) bool {
	switch eventType {
	case EventTypeAnonymization:
		return h.config.Events.BroadcastAnonymization
	case EventTypeAudit:
		return h.config.Events.BroadcastAudit
	case EventTypeSystemStatus:
		return h.config.Events.BroadcastSystem
	case EventTypeConnection:
		return h.config.Events.BroadcastConnections
	default:
		return false
	}
}

// HandleWebSocket authenticates a dashboard with basic auth and upgrades
// the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="dashboard"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if limit := h.config.MaxConnections; limit > 0 && h.ClientCount() >= limit {
		http.Error(w, "Too many dashboard connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		conn:        conn,
		send:        make(chan Event, sendBufferSize),
		ConnectedAt: time.Now(),
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

// authorized rejects every request when no credentials are configured
func (h *Hub) authorized(r *http.Request) bool {
	if h.config.Username == "" || h.config.Password == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.config.Password)) == 1
	return userOK && passOK
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				h.logger.Debug("Failed to write WebSocket message",
					zap.String("client_id", client.ID),
					zap.Error(err))
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		client.conn.Close()
	}()

	client.conn.SetReadLimit(h.config.MaxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	})

	for {
		var msg ClientMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket error",
					zap.String("client_id", client.ID),
					zap.Error(err))
			}
			return
		}
		h.handleClientMessage(client, msg)
	}
}

func (h *Hub) handleClientMessage(client *Client, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		events := make(map[EventType]bool)
		if msg.Data != nil {
			for _, t := range msg.Data.Events {
				events[t] = true
			}
		}
		h.mu.Lock()
		client.events = events
		h.mu.Unlock()
		h.logger.Debug("Client subscription updated",
			zap.String("client_id", client.ID),
			zap.Int("event_types", len(events)))

	case "ping":
		h.mu.RLock()
		defer h.mu.RUnlock()
		if !h.clients[client] {
			return
		}
		select {
		case client.send <- Event{Type: EventTypePong, Timestamp: time.Now(), Data: map[string]string{"message": "pong"}}:
		default:
		}
	}
}

func (h *Hub) systemStatus() Event {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	h.mu.RLock()
	status := SystemStatusEvent{
		Status:           "healthy",
		Uptime:           time.Since(h.startedAt).Round(time.Second).String(),
		ConnectedClients: len(h.clients),
		TotalBroadcasts:  h.stats.TotalBroadcasts,
		MemoryUsage:      fmt.Sprintf("%.1f MiB", float64(mem.Alloc)/(1<<20)),
		Goroutines:       runtime.NumGoroutine(),
	}
	h.mu.RUnlock()

	return Event{Type: EventTypeSystemStatus, Timestamp: time.Now(), Data: status}
}

// ClientCount returns the number of connected dashboards
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

func connectionEvent(action string, client *Client) Event {
	return Event{
		Type:      EventTypeConnection,
		Timestamp: time.Now(),
		Data: ConnectionEvent{
			Action:   action,
			ClientID: client.ID,
			Message:  fmt.Sprintf("Client %s %s", client.ID, action),
		},
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
