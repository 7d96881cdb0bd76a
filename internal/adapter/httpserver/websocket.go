package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/backspacevenkat/x-orchestrator/internal/domain"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// event is the wire shape of every message the Hub fans out, per spec.md §6's three
// WebSocket event kinds (job_update, queue_status, profile_update_status).
type event struct {
	Type    string         `json:"type"`
	JobID   string         `json:"job_id,omitempty"`
	Status  string         `json:"status,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
	Message string         `json:"message,omitempty"`
	ID      string         `json:"id,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Hub fans JobUpdate/QueueStatus/ProfileUpdateStatus events out to every connected WebSocket
// client. It implements usecase.Broadcaster, grounded on the teacher pack's JobWSHub pattern
// (bobmcallan-vire's internal/services/jobmanager/websocket.go): a buffered broadcast channel
// drained by one Run goroutine, per-client send buffers, slow-client eviction.
type Hub struct {
	clients    map[*wsClient]bool
	broadcast  chan event
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub constructs a Hub; callers must invoke Run as a goroutine before traffic arrives.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan event, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Run drains register/unregister/broadcast until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("hub: failed to marshal event", slog.Any("error", err))
				continue
			}
			h.mu.RLock()
			var slow []*wsClient
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					delete(h.clients, c)
					close(c.send)
				}
				h.mu.Unlock()
			}
		}
	}
}

// Stop signals Run to exit; idempotent.
func (h *Hub) Stop() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) enqueue(ev event) {
	select {
	case h.broadcast <- ev:
	default:
		slog.Warn("hub: broadcast channel full, dropping event", slog.String("type", ev.Type))
	}
}

// BroadcastJobUpdate implements usecase.Broadcaster.
func (h *Hub) BroadcastJobUpdate(jobID string, status domain.JobStatus, result map[string]any) {
	h.enqueue(event{Type: "job_update", JobID: jobID, Status: string(status), Result: result})
}

// BroadcastQueueStatus implements usecase.Broadcaster.
func (h *Hub) BroadcastQueueStatus(status, message string) {
	h.enqueue(event{Type: "queue_status", Status: status, Message: message})
}

// BroadcastProfileUpdateStatus reports a worker's credential-revalidation progress.
func (h *Hub) BroadcastProfileUpdateStatus(accountID, status, errMsg string) {
	h.enqueue(event{Type: "profile_update_status", ID: accountID, Status: status, Error: errMsg})
}

// ServeWS upgrades the request to a WebSocket connection and registers the client with the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("hub: websocket upgrade failed", slog.Any("error", err))
		return
	}
	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
