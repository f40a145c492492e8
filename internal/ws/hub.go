// Package ws streams order status events to WebSocket clients. Each owner
// subscribes to the topic "orders.<owner-id>"; a small replay buffer per
// topic lets a reconnecting client catch up on transitions it missed.
package ws

import (
	"encoding/json"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Message wraps a payload with sequencing for replay.
type Message struct {
	Topic string          `json:"topic"`
	Seq   uint64          `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

// ringBuffer holds the last N messages for a topic.
type ringBuffer struct {
	mu    sync.RWMutex
	buf   []Message
	size  int
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, size), size: size}
}

func (r *ringBuffer) add(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % r.size
	if r.count == r.size {
		r.start = (r.start + 1) % r.size
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

func (r *ringBuffer) getSince(since uint64) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Message
	for i := 0; i < r.count; i++ {
		msg := r.buf[(r.start+i)%r.size]
		if msg.Seq > since {
			out = append(out, msg)
		}
	}
	return out
}

// Client is a single WebSocket connection.
type Client struct {
	id            string
	conn          *websocket.Conn
	send          chan Message
	mu            sync.Mutex
	subscriptions map[string]struct{}
	hub           *Hub
}

// Hub manages WebSocket clients, sharded so broadcasts for busy owners do
// not serialize behind one lock.
type Hub struct {
	shards     []*hubShard
	shardCount uint32

	register   chan *Client
	unregister chan *Client
	broadcast  chan Message

	buffers    map[string]*ringBuffer
	bufMu      sync.Mutex
	replaySize int
	seqMu      sync.Mutex
	nextSeq    uint64

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

type hubShard struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates a hub with the given shard count and per-topic replay size.
func NewHub(shardCount, replaySize int, logger *zap.Logger) *Hub {
	if shardCount <= 0 {
		shardCount = 4
	}
	if replaySize <= 0 {
		replaySize = 256
	}
	h := &Hub{
		shards:     make([]*hubShard, shardCount),
		shardCount: uint32(shardCount),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message, 1024),
		buffers:    make(map[string]*ringBuffer),
		nextSeq:    1,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.Named("ws"),
	}
	h.replaySize = replaySize
	for i := range h.shards {
		h.shards[i] = &hubShard{clients: make(map[*Client]struct{})}
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			sh := h.shardFor(client.id)
			sh.mu.Lock()
			sh.clients[client] = struct{}{}
			sh.mu.Unlock()
		case client := <-h.unregister:
			sh := h.shardFor(client.id)
			sh.mu.Lock()
			if _, ok := sh.clients[client]; ok {
				delete(sh.clients, client)
				close(client.send)
			}
			sh.mu.Unlock()
		case msg := <-h.broadcast:
			h.bufMu.Lock()
			buf, ok := h.buffers[msg.Topic]
			if !ok {
				buf = newRingBuffer(h.replaySize)
				h.buffers[msg.Topic] = buf
			}
			buf.add(msg)
			h.bufMu.Unlock()

			for _, sh := range h.shards {
				sh.mu.RLock()
				for c := range sh.clients {
					if !c.subscribed(msg.Topic) {
						continue
					}
					select {
					case c.send <- msg:
					default:
						// Slow client: drop rather than stall the hub.
					}
				}
				sh.mu.RUnlock()
			}
		}
	}
}

func (h *Hub) shardFor(key string) *hubShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return h.shards[hasher.Sum32()%h.shardCount]
}

// ServeWS upgrades the request and registers the client. The client is
// pre-subscribed to its own order topic.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, clientID string, topics ...string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		id:            clientID,
		conn:          conn,
		send:          make(chan Message, 256),
		subscriptions: make(map[string]struct{}),
		hub:           h,
	}
	for _, t := range topics {
		c.subscriptions[t] = struct{}{}
	}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

// Broadcast publishes data to a topic.
func (h *Hub) Broadcast(topic string, data []byte) {
	h.seqMu.Lock()
	seq := h.nextSeq
	h.nextSeq++
	h.seqMu.Unlock()
	select {
	case h.broadcast <- Message{Topic: topic, Seq: seq, Data: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping message", zap.String("topic", topic))
	}
}

// Replay returns buffered messages for a topic since the given sequence.
func (h *Hub) Replay(topic string, since uint64) []Message {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	if buf, ok := h.buffers[topic]; ok {
		return buf.getSince(since)
	}
	return nil
}

func (c *Client) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[topic]
	return ok
}

// readPump handles control frames and subscription requests of the form
// {"subscribe":["orders.<id>"],"since":42}.
func (c *Client) readPump() {
	defer func() { c.hub.unregister <- c; c.conn.Close() }()
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			Subscribe   []string `json:"subscribe"`
			Unsubscribe []string `json:"unsubscribe"`
			Since       uint64   `json:"since"`
		}
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		c.mu.Lock()
		for _, topic := range req.Subscribe {
			c.subscriptions[topic] = struct{}{}
		}
		for _, topic := range req.Unsubscribe {
			delete(c.subscriptions, topic)
		}
		c.mu.Unlock()
		for _, topic := range req.Subscribe {
			for _, m := range c.hub.Replay(topic, req.Since) {
				select {
				case c.send <- m:
				default:
				}
			}
		}
	}
}

// writePump sends messages and heartbeats to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() { ticker.Stop(); c.conn.Close() }()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
