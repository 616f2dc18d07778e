// Package realtime is the admin live-feed: a WebSocket hub that broadcasts
// outbox state transitions (pending -> processing -> completed/dead_letter)
// to connected admin operators, so an operator can watch delivery health
// without polling the outbox_events table.
//
// Grounded on the teacher's internal/realtime/manager.go SubscriptionManager
// hub, generalized from "NATS booking/availability event -> business
// subscribers" to "outbox dispatch transition -> admin subscribers"; the
// register/unregister channel loop and per-client buffered Send channel are
// kept unchanged, since that concurrency shape is exactly what this hub
// still needs.
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wer-inc/reservation-core/pkg/logger"
)

// Client is a single admin WebSocket connection.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *Hub
}

// Transition is one outbox state change, broadcast verbatim to every
// connected admin client.
type Transition struct {
	EventID    string    `json:"event_id"`
	TenantID   string    `json:"tenant_id"`
	EventType  string    `json:"event_type"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts"`
	OccurredAt time.Time `json:"occurred_at"`
	Error      string    `json:"error,omitempty"`
}

// Hub maintains the set of connected admin clients and fans out Transitions
// to all of them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	logger     *logger.Logger
	mu         sync.RWMutex
}

// NewHub creates a Hub. Run must be started in a goroutine before any
// client connects.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log,
	}
}

// EnqueueClientRegistration hands a freshly-upgraded client to the Hub's
// event loop for registration.
func (h *Hub) EnqueueClientRegistration(client *Client) {
	h.register <- client
}

// UnregisterClient removes client, closing its Send channel exactly once.
func (h *Hub) UnregisterClient(client *Client) {
	h.unregister <- client
}

// Run is the Hub's single-goroutine event loop; all client-set mutation
// happens here to avoid races with Broadcast's read lock.
func (h *Hub) Run() {
	h.logger.Info("admin live-feed hub started")
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Info("admin client connected", "client_id", client.ID)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			h.logger.Info("admin client disconnected", "client_id", client.ID)
		}
	}
}

// Broadcast fans out a Transition to every connected admin client,
// dropping it for any client whose send buffer is full rather than
// blocking the dispatcher that produced it.
func (h *Hub) Broadcast(t Transition) {
	payload, err := json.Marshal(t)
	if err != nil {
		h.logger.Error("failed to marshal outbox transition for live feed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("admin client send buffer full, transition dropped", "client_id", client.ID)
		}
	}
}

// GenerateClientID returns a fresh unique client identifier.
func GenerateClientID() string {
	return uuid.New().String()
}

// Notify implements outbox.TransitionNotifier, translating a dispatcher
// state change into a broadcast Transition.
func (h *Hub) Notify(eventID, tenantID, eventType, status string, attempts int, handlerErr error) {
	t := Transition{
		EventID:    eventID,
		TenantID:   tenantID,
		EventType:  eventType,
		Status:     status,
		Attempts:   attempts,
		OccurredAt: time.Now(),
	}
	if handlerErr != nil {
		t.Error = handlerErr.Error()
	}
	h.Broadcast(t)
}
