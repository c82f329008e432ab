// Package relay is the fan-out core: it authenticates long-lived peer
// connections, applies their action messages to the device ledger and
// broadcasts the resulting events to the other peers. HTTP handlers and the
// scheduler drive the same broadcast path.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"outlet-hub/internal/auth"
	"outlet-hub/internal/energy"
	"outlet-hub/internal/store"

	"github.com/gorilla/websocket"
)

// maxFrameSize bounds incoming frames; media frames are the largest.
const maxFrameSize = 512 * 1024

type Hub struct {
	upgrader websocket.Upgrader

	repo   *store.Repo
	energy *energy.Service
	auth   *auth.Service

	requireAuth     bool
	cancelOnReplace bool
	timers          *timerTable

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn     *websocket.Conn
	send     chan []byte
	deviceID string
}

type Options struct {
	// RequireAuth rejects upgrade requests without a valid bearer token.
	RequireAuth bool
	// CancelTimerOnReplace stops a device's previous timer when a new one is
	// armed instead of only overwriting the table entry.
	CancelTimerOnReplace bool
}

func NewHub(repo *store.Repo, energySvc *energy.Service, authSvc *auth.Service, opts Options) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		repo:            repo,
		energy:          energySvc,
		auth:            authSvc,
		requireAuth:     opts.RequireAuth,
		cancelOnReplace: opts.CancelTimerOnReplace,
		timers:          newTimerTable(),
		clients:         map[*client]struct{}{},
	}
}

// ServeHTTP is the upgrade endpoint. Verification happens before the
// handshake: a connection that fails it gets a plain 401 and never joins the
// broadcast set.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID, err := h.auth.VerifyHeader(r.Header.Get("Authorization"))
	if err != nil {
		if h.requireAuth {
			slog.Warn("relay connection rejected", "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		deviceID = ""
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16), deviceID: deviceID}
	h.addClient(c)
	slog.Info("relay peer connected", "device_id", deviceID)

	go h.writePump(c)
	h.readPump(c)
}

// Broadcast fans an event out to every open connection, the sender included.
// Asynchronous events (timer expiry, scheduler switches, telemetry signals)
// use this path.
func (h *Hub) Broadcast(ev Event) {
	h.send(nil, ev)
}

// broadcastExcept fans an event out to every open connection but the
// originator, which already knows the immediate result of its own command.
func (h *Hub) broadcastExcept(origin *client, ev Event) {
	h.send(origin, ev)
}

func (h *Hub) send(skip *client, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c == skip {
			continue
		}
		select {
		case c.send <- b:
		default:
			// Slow client; drop it.
			delete(h.clients, c)
			close(c.send)
			_ = c.conn.Close()
		}
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		_ = c.conn.Close()
	}
}

func (h *Hub) readPump(c *client) {
	defer h.removeClient(c)
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleFrame(c, data)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame classifies an incoming payload. Valid JSON is decoded once and
// dispatched on its action tag; anything else is an opaque media frame. A
// failing message never drops the connection.
func (h *Hub) handleFrame(c *client, data []byte) {
	if !json.Valid(data) {
		h.relayMedia(c, data)
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("relay frame not decodable", "device_id", c.deviceID, "error", err)
		return
	}
	switch msg.Action {
	case ActionStatus:
		h.handleStatus(c, msg)
	case ActionTimer:
		h.handleTimer(c, msg)
	case ActionTimerStop:
		h.handleTimerStop(c, msg)
	default:
		slog.Debug("relay ignoring action", "device_id", c.deviceID, "action", msg.Action)
	}
}

// relayMedia re-encodes an opaque frame and fans it out. The encoded payload
// rides in the recipient field; see Event.
func (h *Hub) relayMedia(c *client, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	h.broadcastExcept(c, Event{
		Sender:    c.deviceID,
		Recipient: encoded,
		Action:    ActionVideo,
		Value:     0,
	})
}

func (h *Hub) handleStatus(c *client, msg Message) {
	ctx := context.Background()
	on := msg.Value <= 0
	at := time.Now().UTC()

	h.logTransition(ctx, msg.Recipient, on, at)

	if _, err := h.repo.UpdateDeviceStatus(ctx, msg.Recipient, on, at); err != nil {
		slog.Warn("relay status update failed", "device_id", msg.Recipient, "error", err)
		return
	}
	h.broadcastExcept(c, Event{
		Sender:    c.deviceID,
		Recipient: msg.Recipient,
		Action:    ActionStatus,
		Value:     msg.Value,
	})
}

func (h *Hub) handleTimer(c *client, msg Message) {
	ctx := context.Background()
	if _, err := h.repo.UpdateDeviceSwitch(ctx, msg.Recipient, true, true, time.Now().UTC()); err != nil {
		slog.Warn("relay timer start failed", "device_id", msg.Recipient, "error", err)
		return
	}
	h.broadcastExcept(c, Event{
		Sender:    c.deviceID,
		Recipient: msg.Recipient,
		Action:    ActionTimer,
		Value:     0,
	})

	sender := c.deviceID
	target := msg.Recipient
	timer := time.AfterFunc(time.Duration(msg.Value)*time.Millisecond, func() {
		h.expireTimer(sender, target, ActionTimer)
	})
	h.timers.put(target, timer, h.cancelOnReplace)
}

func (h *Hub) handleTimerStop(c *client, msg Message) {
	h.timers.cancel(msg.Recipient)
	h.expireTimer(c.deviceID, msg.Recipient, ActionTimerStop)
}

// expireTimer performs the auto-off transition shared by natural timer
// expiry and TIMER_STOP. The resulting event reaches every connection, the
// original sender included: it must learn that the delayed action it armed
// has completed.
func (h *Hub) expireTimer(sender, deviceID, action string) {
	ctx := context.Background()
	at := time.Now().UTC()

	h.logTransition(ctx, deviceID, false, at)

	if _, err := h.repo.UpdateDeviceSwitch(ctx, deviceID, false, false, at); err != nil {
		slog.Warn("relay timer off failed", "device_id", deviceID, "error", err)
		return
	}
	h.Broadcast(Event{
		Sender:    sender,
		Recipient: deviceID,
		Action:    action,
		Value:     1,
	})
}

// logTransition records consumption for an off transition. Failures are
// observable in the log but never reach the peer.
func (h *Hub) logTransition(ctx context.Context, deviceID string, on bool, at time.Time) {
	if err := h.energy.RecordTransition(ctx, deviceID, on, at); err != nil {
		slog.Warn("consumption log failed", "device_id", deviceID, "error", err)
	}
}
