package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/drachma/drachma-bridge/internal/gossip"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// ConnectionMetrics tracks open websocket connections.
type ConnectionMetrics interface {
	IncrementConnections(ctx context.Context)
	DecrementConnections(ctx context.Context)
}

// Hub fans gossip traffic out to websocket clients. The clients map is only
// touched from Run.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound
	done       chan struct{}
	bus        gossip.Bus
	logger     *zap.SugaredLogger
	metrics    ConnectionMetrics
	upgrader   websocket.Upgrader
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	topics  map[string]bool
	address string // destination address for lock-specific updates
}

type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type SubscriptionRequest struct {
	Type    string   `json:"type"`
	Topics  []string `json:"topics"`
	Address string   `json:"address,omitempty"`
}

type outbound struct {
	topic       string
	destination string
	data        []byte
}

// NewHub builds a hub streaming bus traffic. Origins in allowedOrigins, plus
// same-origin requests, may connect.
func NewHub(bus gossip.Bus, logger *zap.SugaredLogger, metrics ConnectionMetrics, allowedOrigins []string) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 64),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed[origin]
			},
		},
	}
}

// Run owns the client set until ctx is done. Call it once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	go h.startSubscription(ctx)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.logger.Infow("WebSocket hub shutting down")
			return

		case client := <-h.register:
			h.clients[client] = true
			h.metrics.IncrementConnections(ctx)
			h.logger.Debugw("Client registered", "remote", client.conn.RemoteAddr().String())

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.metrics.DecrementConnections(ctx)
				h.logger.Debugw("Client unregistered", "address", client.subscribedAddress())
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if !client.wants(msg.topic, msg.destination) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer
					delete(h.clients, client)
					close(client.send)
					h.metrics.DecrementConnections(ctx)
				}
			}
		}
	}
}

func (h *Hub) startSubscription(ctx context.Context) {
	if h.bus == nil {
		h.logger.Warnw("No gossip bus; websocket clients will receive nothing")
		return
	}

	sub, err := h.bus.Subscribe(ctx, gossip.TopicEvents, gossip.TopicInbound)
	if err != nil {
		h.logger.Errorw("WebSocket hub failed to subscribe", "error", err)
		return
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			h.handleGossip(ctx, msg)
		}
	}
}

func (h *Hub) handleGossip(ctx context.Context, msg gossip.Message) {
	env, err := gossip.DecodeEnvelope(msg.Payload)
	if err != nil {
		h.logger.Warnw("Dropping malformed gossip message", "topic", msg.Topic, "error", err)
		return
	}

	destination := env.Destination
	if msg.Topic == gossip.TopicEvents {
		var ev struct {
			Lock struct {
				Destination string `json:"destination"`
			} `json:"lock"`
		}
		if err := json.Unmarshal(env.Payload, &ev); err == nil {
			destination = ev.Lock.Destination
		}
	}

	data, err := json.Marshal(Message{
		Type:      "update",
		Topic:     msg.Topic,
		Data:      json.RawMessage(env.Payload),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		h.logger.Errorw("Failed to marshal WebSocket message", "error", err)
		return
	}

	select {
	case h.broadcast <- outbound{topic: msg.Topic, destination: destination, data: data}:
	case <-ctx.Done():
	}
}

// HandleWebSocket upgrades the request and attaches a client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		topics: make(map[string]bool),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Errorw("WebSocket error", "error", err)
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
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

func (c *Client) handleMessage(message []byte) {
	var sub SubscriptionRequest
	if err := json.Unmarshal(message, &sub); err != nil {
		c.hub.logger.Warnw("Invalid subscription message", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch sub.Type {
	case "subscribe":
		for _, topic := range sub.Topics {
			c.topics[topic] = true
		}
		if sub.Address != "" {
			c.address = sub.Address
		}
		c.hub.logger.Debugw("Client subscribed to topics", "topics", sub.Topics, "address", sub.Address)

	case "unsubscribe":
		for _, topic := range sub.Topics {
			delete(c.topics, topic)
		}
		if sub.Address != "" && sub.Address == c.address {
			c.address = ""
		}
		c.hub.logger.Debugw("Client unsubscribed from topics", "topics", sub.Topics)
	}
}

// wants reports whether a message on topic about destination should reach c.
// Subscribing with an address narrows the stream to that destination.
func (c *Client) wants(topic, destination string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.topics[topic] && !c.topics["*"] {
		return false
	}
	return c.address == "" || c.address == destination
}

func (c *Client) subscribedAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}
