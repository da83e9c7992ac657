// Package ws provides a sharded WebSocket hub that fans market ticks and
// executed trades out to subscribed clients, with a per-topic replay buffer.
package ws

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_spot/internal/trading/events"
	"github.com/Aidin1998/pincex_spot/pkg/errors"
	"github.com/Aidin1998/pincex_spot/pkg/metrics"
)

// Message is one sequenced payload on a topic such as "trade.BTC/USDT".
type Message struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Seq   uint64          `json:"seq"`
	Data  json.RawMessage `json:"data"`
}

// Config for the hub
type Config struct {
	Shards       int
	ReplaySize   int
	SendBuffer   int
	MaxClients   int
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Shards:       16,
		ReplaySize:   100,
		SendBuffer:   256,
		MaxClients:   10000,
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// ringBuffer holds the last N messages for a topic.
type ringBuffer struct {
	buf   []Message
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	return &ringBuffer{buf: make([]Message, size)}
}

func (r *ringBuffer) add(msg Message) {
	idx := (r.start + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		r.start = (r.start + 1) % len(r.buf)
		r.count--
	}
	r.buf[idx] = msg
	r.count++
}

func (r *ringBuffer) since(seq uint64) []Message {
	var out []Message
	for i := 0; i < r.count; i++ {
		if msg := r.buf[(r.start+i)%len(r.buf)]; msg.Seq > seq {
			out = append(out, msg)
		}
	}
	return out
}

// Client is a single WebSocket connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan Message
	hub  *Hub

	mu   sync.RWMutex
	subs map[string]struct{}
}

func (c *Client) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[topic]
	return ok
}

type hubShard struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool // set once the hub drains the shard; guarded by mu
}

// Hub manages all WebSocket clients, sharded by client id.
type Hub struct {
	config Config
	logger *zap.Logger
	shards []*hubShard

	broadcast chan Message
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	bufMu   sync.Mutex
	buffers map[string]*ringBuffer
	seq     atomic.Uint64
	clients atomic.Int64

	upgrader websocket.Upgrader
}

func NewHub(config Config, logger *zap.Logger) *Hub {
	def := DefaultConfig()
	if config.Shards <= 0 {
		config.Shards = def.Shards
	}
	if config.ReplaySize <= 0 {
		config.ReplaySize = def.ReplaySize
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = def.SendBuffer
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	h := &Hub{
		config:    config,
		logger:    logger,
		shards:    make([]*hubShard, config.Shards),
		broadcast: make(chan Message, 1024),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		buffers:   make(map[string]*ringBuffer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for i := range h.shards {
		h.shards[i] = &hubShard{clients: make(map[*Client]struct{})}
	}
	go h.run()
	return h
}

// Attach forwards market ticks and executed trades from bus to clients.
// Ticks go to "market.<pair>" and trades to "trade.<pair>".
func (h *Hub) Attach(bus events.EventBus) {
	forward := func(_ context.Context, e events.Event) {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			h.logger.Warn("ws: failed to encode event", zap.String("type", e.Type), zap.Error(err))
			return
		}
		h.Broadcast(e.Topic+"."+e.Key, e.Type, data)
	}
	bus.Subscribe(events.TopicMarket, forward)
	bus.Subscribe(events.TopicTrade, forward)
}

// run stores and fans out broadcasts until Close.
func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			for _, sh := range h.shards {
				sh.mu.Lock()
				sh.closed = true
				for c := range sh.clients {
					delete(sh.clients, c)
					close(c.send)
					h.clients.Add(-1)
					metrics.WSClients.Dec()
				}
				sh.mu.Unlock()
			}
			return
		case msg := <-h.broadcast:
			h.bufMu.Lock()
			buf, ok := h.buffers[msg.Topic]
			if !ok {
				buf = newRingBuffer(h.config.ReplaySize)
				h.buffers[msg.Topic] = buf
			}
			buf.add(msg)
			h.bufMu.Unlock()

			for _, sh := range h.shards {
				sh.mu.RLock()
				for c := range sh.clients {
					if c.subscribed(msg.Topic) {
						h.enqueue(c, msg)
					}
				}
				sh.mu.RUnlock()
			}
		}
	}
}

// enqueue must run with c's shard lock held.
func (h *Hub) enqueue(c *Client, msg Message) {
	select {
	case c.send <- msg:
	default:
		metrics.WSDropped.Inc()
	}
}

func (h *Hub) shardFor(key string) *hubShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return h.shards[hasher.Sum32()%uint32(len(h.shards))]
}

// register adds c unless its shard has already been drained by Close.
func (h *Hub) register(c *Client) bool {
	sh := h.shardFor(c.id)
	sh.mu.Lock()
	if sh.closed {
		sh.mu.Unlock()
		return false
	}
	sh.clients[c] = struct{}{}
	sh.mu.Unlock()
	h.clients.Add(1)
	metrics.WSClients.Inc()
	return true
}

func (h *Hub) unregister(c *Client) {
	sh := h.shardFor(c.id)
	sh.mu.Lock()
	_, ok := sh.clients[c]
	if ok {
		delete(sh.clients, c)
		close(c.send)
		h.clients.Add(-1)
		metrics.WSClients.Dec()
	}
	sh.mu.Unlock()
}

// ServeWS upgrades the request and serves the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	if h.config.MaxClients > 0 && h.clients.Load() >= int64(h.config.MaxClients) {
		return errors.Unavailable.Explain("websocket client limit reached")
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return errors.Invalid.Explain("websocket upgrade").Wrap(err)
	}
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, h.config.SendBuffer),
		hub:  h,
		subs: make(map[string]struct{}),
	}
	if !h.register(c) {
		conn.Close()
		return errors.Unavailable.Explain("websocket hub closed")
	}
	h.logger.Debug("ws client connected", zap.String("client_id", c.id), zap.String("remote", r.RemoteAddr))
	go c.writePump()
	go c.readPump()
	return nil
}

// Broadcast publishes data on topic to all subscribed clients. It never
// blocks; messages are dropped when the hub is saturated or closed.
func (h *Hub) Broadcast(topic, msgType string, data []byte) {
	msg := Message{Topic: topic, Type: msgType, Seq: h.seq.Add(1), Data: data}
	select {
	case <-h.quit:
	case h.broadcast <- msg:
	default:
		metrics.WSDropped.Inc()
	}
}

// Replay returns buffered messages for topic after seq.
func (h *Hub) Replay(topic string, seq uint64) []Message {
	h.bufMu.Lock()
	defer h.bufMu.Unlock()
	if buf, ok := h.buffers[topic]; ok {
		return buf.since(seq)
	}
	return nil
}

// Subscribers counts the clients subscribed to topic.
func (h *Hub) Subscribers(topic string) int {
	n := 0
	for _, sh := range h.shards {
		sh.mu.RLock()
		for c := range sh.clients {
			if c.subscribed(topic) {
				n++
			}
		}
		sh.mu.RUnlock()
	}
	return n
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
	<-h.done
}

// request is a client control frame:
// {"subscribe":["trade.BTC/USDT"],"since":12} or {"unsubscribe":[...]}.
type request struct {
	Subscribe   []string `json:"subscribe"`
	Unsubscribe []string `json:"unsubscribe"`
	Since       uint64   `json:"since"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req request
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}
		c.mu.Lock()
		for _, topic := range req.Subscribe {
			c.subs[topic] = struct{}{}
		}
		for _, topic := range req.Unsubscribe {
			delete(c.subs, topic)
		}
		c.mu.Unlock()

		sh := c.hub.shardFor(c.id)
		for _, topic := range req.Subscribe {
			missed := c.hub.Replay(topic, req.Since)
			sh.mu.RLock()
			if _, ok := sh.clients[c]; ok {
				for _, m := range missed {
					c.hub.enqueue(c, m)
				}
			}
			sh.mu.RUnlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	timeout := c.hub.config.WriteTimeout
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
