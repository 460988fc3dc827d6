package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/CrowderSoup/kanban-sync/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// HubOptions tunes connection keepalive.
type HubOptions struct {
	// Time allowed to read the next pong message from the peer
	PongWait time.Duration
	// Send pings to peer with this period. Must be less than PongWait
	PingPeriod time.Duration
}

func (o HubOptions) withDefaults() HubOptions {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	return o
}

type subscription struct {
	topic  models.Table
	filter string
}

// Client represents a connected feed socket and the channels it joined.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]subscription // by join ref
}

type reply struct {
	client *Client
	msg    models.FeedMessage
}

// Hub maintains the set of active clients and fans committed changes out to
// the channels that match them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan models.Change
	direct     chan reply
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	opts       HubOptions
	logger     zerolog.Logger
}

// NewHub creates a new hub instance
func NewHub(opts HubOptions, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan models.Change, sendBuffer),
		direct:     make(chan reply, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		opts:       opts.withDefaults(),
		logger:     logger,
	}
}

// Attach wraps an upgraded connection, registers it and starts its pumps.
func (h *Hub) Attach(conn *websocket.Conn) *Client {
	c := &Client{
		ID:   uuid.New().String(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]subscription),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return c
	}
	go c.WritePump()
	go c.ReadPump()
	return c
}

// Publish queues a committed change for every matching subscription.
func (h *Hub) Publish(change models.Change) {
	select {
	case h.broadcast <- change:
	case <-h.done:
	}
}

func (h *Hub) respond(c *Client, msg models.FeedMessage) {
	select {
	case h.direct <- reply{client: c, msg: msg}:
	case <-h.done:
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Run starts the hub's main loop. It returns when ctx is done, after
// closing every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for client := range h.clients {
			close(client.send)
			delete(h.clients, client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug().Str("client", client.ID).Msg("feed client connected")
		case client := <-h.unregister:
			h.drop(client)
		case r := <-h.direct:
			if h.clients[r.client] {
				h.deliver(r.client, r.msg)
			}
		case change := <-h.broadcast:
			h.logger.Debug().Str("table", string(change.Table)).Str("kind", string(change.Kind)).Msg("broadcasting change")
			for client := range h.clients {
				for ref, sub := range client.matching(change) {
					c := change
					if !h.deliver(client, models.FeedMessage{Type: models.MessageChange, Ref: ref, Topic: sub.topic, Change: &c}) {
						break
					}
				}
			}
		}
	}
}

func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.Debug().Str("client", client.ID).Msg("feed client disconnected")
	}
}

// deliver queues msg for client. It reports false once the client has been
// dropped, after which its send channel is closed.
func (h *Hub) deliver(client *Client, msg models.FeedMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode feed message")
		return true
	}
	select {
	case client.send <- data:
		return true
	default:
		// Client's send buffer is full, assume disconnected
		h.logger.Warn().Str("client", client.ID).Msg("client send buffer full, removing client")
		h.drop(client)
		return false
	}
}

func (c *Client) matching(change models.Change) map[string]subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out map[string]subscription
	for ref, sub := range c.subs {
		if sub.topic != change.Table || !change.Matches(sub.filter) {
			continue
		}
		if out == nil {
			out = make(map[string]subscription)
		}
		out[ref] = sub
	}
	return out
}

func (c *Client) handle(msg models.FeedMessage) {
	switch msg.Type {
	case models.MessagePing:
		c.hub.respond(c, models.FeedMessage{Type: models.MessagePong, Ref: msg.Ref})
	case models.MessageJoin:
		if !msg.Topic.Valid() || msg.Ref == "" {
			c.hub.respond(c, models.FeedMessage{
				Type: models.MessageStatus, Ref: msg.Ref, Status: models.StatusChannelError,
				Error: "join needs a ref and a known topic",
			})
			return
		}
		c.mu.Lock()
		c.subs[msg.Ref] = subscription{topic: msg.Topic, filter: msg.Filter}
		c.mu.Unlock()
		c.hub.logger.Debug().Str("client", c.ID).Str("topic", string(msg.Topic)).Str("filter", msg.Filter).Msg("channel joined")
		c.hub.respond(c, models.FeedMessage{Type: models.MessageStatus, Ref: msg.Ref, Topic: msg.Topic, Status: models.StatusSubscribed})
	case models.MessageLeave:
		c.mu.Lock()
		sub, ok := c.subs[msg.Ref]
		delete(c.subs, msg.Ref)
		c.mu.Unlock()
		if ok {
			c.hub.respond(c, models.FeedMessage{Type: models.MessageStatus, Ref: msg.Ref, Topic: sub.topic, Status: models.StatusClosed})
		}
	default:
		c.hub.respond(c, models.FeedMessage{Type: models.MessageError, Ref: msg.Ref, Error: "unknown message type " + msg.Type})
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	pongWait := c.hub.opts.PongWait
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("client", c.ID).Msg("websocket error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg models.FeedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Warn().Err(err).Str("client", c.ID).Msg("failed to decode feed message")
			continue
		}
		c.handle(msg)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
