package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	syncpkg "github.com/cowebsLB/dental-clinic-software-system/internal/sync"
	"github.com/cowebsLB/dental-clinic-software-system/internal/uuid"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts non-browser clients and pages served from this machine.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// WSClient is one websocket connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client asked for event. A client that never
// subscribed receives everything.
func (c *WSClient) wants(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[event]
}

// WSHub fans sync events out to connected clients.
type WSHub struct {
	clients    map[string]*WSClient
	broadcast  chan WSEnvelope
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	log        *logging.Logger
}

// WSEnvelope wraps all websocket messages.
type WSEnvelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// NewWSHub creates a hub and starts its loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:    make(map[string]*WSClient),
		broadcast:  make(chan WSEnvelope, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
		log:        logging.WithComponent("websocket"),
	}
	go hub.run()
	return hub
}

// Close stops the hub and disconnects every client.
func (h *WSHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", map[string]interface{}{"client_id": client.id, "total": total})

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", map[string]interface{}{"client_id": client.id, "total": total})

		case env := <-h.broadcast:
			message, err := json.Marshal(env)
			if err != nil {
				h.log.Error("failed to marshal message", err, map[string]interface{}{"type": env.Type})
				continue
			}
			h.mu.Lock()
			for id, client := range h.clients {
				if !client.wants(env.Type) {
					continue
				}
				select {
				case client.send <- message:
				default:
					// Slow consumer.
					close(client.send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a message for every subscribed client. It never blocks;
// messages are dropped when the hub is saturated or closed.
func (h *WSHub) Broadcast(messageType string, data map[string]interface{}) {
	env := WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}
	select {
	case <-h.done:
	case h.broadcast <- env:
	default:
		h.log.Warn("websocket broadcast dropped", map[string]interface{}{"type": messageType})
	}
}

// HandleSyncEvent is the sync manager's event handler.
func (h *WSHub) HandleSyncEvent(e syncpkg.Event) {
	data := map[string]interface{}{}
	if e.Table != "" {
		data["table"] = e.Table
	}

	switch e.Type {
	case syncpkg.EventSyncCompleted:
		if r := e.Result; r != nil {
			data["status"] = r.Status
			data["synced"] = r.Synced
			data["failed"] = r.Failed
			data["conflicts"] = r.Conflicts
			data["resolved"] = r.Resolved
			data["superseded"] = r.Superseded
			data["skipped"] = r.Skipped
			data["duration_ms"] = r.Duration.Milliseconds()
		}
	case syncpkg.EventSyncFailed:
		data["error"] = e.Error
	case syncpkg.EventConflictDetected:
		if c := e.Conflict; c != nil {
			data["queue_id"] = c.QueueID
			data["table"] = c.TableName
			data["record_id"] = c.RecordID
			data["conflict_type"] = c.Type
			data["local_data"] = c.LocalData
			data["remote_data"] = c.RemoteData
		}
	case syncpkg.EventConflictResolved:
		if a := e.Audit; a != nil {
			data["audit_id"] = a.ID
			data["table"] = a.TableName
			data["record_id"] = a.RecordID
			data["resolution"] = a.Resolution
			data["resolved_by"] = a.ResolvedBy
			data["automatic"] = a.Automatic()
		}
	}
	h.Broadcast(string(e.Type), data)
}

func (c *WSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read failed", map[string]interface{}{"client_id": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Debug("invalid websocket message", map[string]interface{}{"client_id": c.id})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})
		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()
		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply sends a direct answer to this client only.
func (c *WSClient) reply(msg map[string]interface{}) {
	msg["timestamp"] = time.Now().Unix()
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	// The hub closes send under its lock once the client is gone.
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.hub.clients[c.id] != c {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

// HandleWebSocket upgrades GET /ws.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            uuid.New(),
			conn:          conn,
			send:          make(chan []byte, 256),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
