package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"call-signaling/internal/call"
	"call-signaling/internal/calls"
	"call-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	clientBuffer = 32
)

// Event is one notification pushed to UI clients.
type Event struct {
	Type   string           `json:"type"`
	CallID string           `json:"call_id"`
	State  call.State       `json:"state,omitempty"`
	Status calls.CallStatus `json:"status,omitempty"`
	Call   *calls.Call      `json:"call,omitempty"`
	At     time.Time        `json:"at"`
}

const (
	EventIncoming     = "incoming_call"
	EventStateChanged = "state_changed"
	EventEnded        = "call_ended"
)

// EventHub fans call notifications out to websocket clients. It implements
// call.Notifier. A client that cannot keep up is disconnected.
type EventHub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	clock    func() time.Time

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

func NewEventHub(log *slog.Logger) *EventHub {
	return &EventHub{
		log: logger.Component(log, "event_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The agent listens on localhost for a local UI shell.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clock:   time.Now,
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *EventHub) OnIncomingCall(c calls.Call) {
	h.broadcast(Event{Type: EventIncoming, CallID: c.ID, Status: c.Status, Call: &c})
}

func (h *EventHub) OnCallStateChanged(callID string, s call.State) {
	h.broadcast(Event{Type: EventStateChanged, CallID: callID, State: s})
}

func (h *EventHub) OnCallEnded(callID string, final calls.CallStatus) {
	h.broadcast(Event{Type: EventEnded, CallID: callID, Status: final})
}

// Clients is the number of connected websocket clients.
func (h *EventHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *EventHub) broadcast(ev Event) {
	ev.At = h.clock().UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("encode event", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			h.log.Warn("event client too slow, disconnecting")
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *EventHub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Serve upgrades the request and streams events until the client leaves.
func (h *EventHub) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("event client connected", "remote", c.Request.RemoteAddr)

	// Reader: discard input, notice the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.log.Debug("event client read failed", "err", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		h.remove(client)
		_ = conn.Close()
	}()

	for {
		select {
		case <-gone:
			return
		case b, ok := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
