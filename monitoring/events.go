package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type EventType string

const (
	EventModelLoaded       EventType = "model_loaded"
	EventModelReloadFailed EventType = "model_reload_failed"
	EventPrediction        EventType = "prediction"
	EventTrainingCompleted EventType = "training_completed"
	EventHeartbeat         EventType = "heartbeat"
)

type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ClientMessage is what a websocket client may send to narrow its stream.
type ClientMessage struct {
	Type  string `json:"type"` // subscribe, unsubscribe
	Topic string `json:"topic"`
}

const (
	sendBuffer = 256
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
)

type outbound struct {
	typ     EventType
	payload []byte
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	subscriptions map[EventType]bool
}

// wants reports whether the client should get events of typ. A client
// without subscriptions gets everything.
func (c *client) wants(typ EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[typ] || typ == EventHeartbeat
}

// EventHub fans events out to websocket clients. Only the Run goroutine
// touches the client set.
type EventHub struct {
	clients    map[*client]bool
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	heartbeat  time.Duration
	count      atomic.Int64
	ctx        context.Context
	cancel     context.CancelFunc
}

type HubOption func(*EventHub)

// WithHeartbeat sets the heartbeat and ping interval. Non-positive values
// keep the default.
func WithHeartbeat(d time.Duration) HubOption {
	return func(h *EventHub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithAllowedOrigins restricts websocket upgrades to the given origins.
// Without it any origin is accepted.
func WithAllowedOrigins(origins []string) HubOption {
	return func(h *EventHub) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed["*"] || allowed[origin]
		}
	}
}

func NewEventHub(logger *zap.Logger, opts ...HubOption) *EventHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &EventHub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan outbound, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:    logger.Named("events"),
		heartbeat: 30 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *EventHub) Run() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	defer h.logger.Info("event hub stopped")

	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("client connected", zap.String("client_id", c.id), zap.Int("clients", len(h.clients)))

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("client disconnected", zap.String("client_id", c.id), zap.Int("clients", len(h.clients)))

		case msg := <-h.broadcast:
			for c := range h.clients {
				if !c.wants(msg.typ) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					h.logger.Warn("dropping slow client", zap.String("client_id", c.id))
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.count.Store(int64(len(h.clients)))

		case <-ticker.C:
			h.Publish(EventHeartbeat, map[string]int{"clients": len(h.clients)})

		case <-h.ctx.Done():
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.count.Store(0)
			return
		}
	}
}

func (h *EventHub) Stop() {
	h.cancel()
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	return int(h.count.Load())
}

// Publish queues an event for every interested client. Events are dropped
// when the queue is full; publishers never block on slow consumers.
func (h *EventHub) Publish(typ EventType, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("marshal event data", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	msg, err := json.Marshal(Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	})
	if err != nil {
		h.logger.Error("marshal event", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- outbound{typ: typ, payload: msg}:
	default:
		h.logger.Warn("event queue full, dropping event", zap.String("type", string(typ)))
	}
}

func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[EventType]bool),
	}
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	go c.writePump(h.heartbeat)
	go c.readPump(h)
}

func (c *client) writePump(pingEvery time.Duration) {
	ticker := time.NewTicker(pingEvery)
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

func (c *client) readPump(h *EventHub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.ctx.Done():
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("ignoring malformed client message", zap.String("client_id", c.id))
			continue
		}
		c.mu.Lock()
		switch msg.Type {
		case "subscribe":
			c.subscriptions[EventType(msg.Topic)] = true
		case "unsubscribe":
			delete(c.subscriptions, EventType(msg.Topic))
		}
		c.mu.Unlock()
	}
}
