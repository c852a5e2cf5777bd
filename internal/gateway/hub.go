// Package gateway serves analytics snapshots to the presentation layer:
// REST endpoints over a gorilla/mux router and a websocket stream fed by
// the analytics service's snapshot broadcasts.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"microstructure-v1/internal/analytics"
	"microstructure-v1/internal/correlation"
	"microstructure-v1/internal/indicator"
	"microstructure-v1/internal/logger"
)

// Analytics is the part of the analytics service the gateway reads.
type Analytics interface {
	Symbols() []string
	Snapshot(ctx context.Context, symbol string) (analytics.Snapshot, error)
	Correlation() correlation.Matrix
	ResetSymbol(ctx context.Context, symbol, reason string) error
	Subscribe(ctx context.Context, req indicator.Request) (bool, error)
}

// Config bounds per-client delivery.
type Config struct {
	RatePerSecond float64 // websocket frames per second per client
	Burst         int
	SendBuffer    int // queued envelopes per client
	ReplaySize    int // envelopes kept per topic for gap backfill
}

// Hub manages websocket clients and fans broadcasts out to them.
type Hub struct {
	cfg Config
	api Analytics
	log zerolog.Logger

	mu        sync.RWMutex
	clients   map[*Client]bool
	symbols   map[string]bool
	latest    map[string]latestEntry
	seq       int64
	topicSeqs map[string]int64 // per-topic sequence for gap detection
	replay    map[string]*ReplayBuffer

	// Latency tracks event time to broadcast time.
	Latency *LatencyTracker
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64
}

// NewHub creates a hub serving api.
func NewHub(api Analytics, cfg Config) *Hub {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.ReplaySize <= 0 {
		cfg.ReplaySize = 500
	}
	h := &Hub{
		cfg:       cfg,
		api:       api,
		log:       logger.Component("gateway"),
		clients:   make(map[*Client]bool),
		symbols:   make(map[string]bool),
		latest:    make(map[string]latestEntry),
		topicSeqs: make(map[string]int64),
		replay:    make(map[string]*ReplayBuffer),
		Latency:   NewLatencyTracker(10000),
	}
	for _, s := range api.Symbols() {
		h.symbols[s] = true
	}
	return h
}

// isSymbol reports whether topic is a per-symbol topic. Other topics
// (correlation, metrics) reach every client.
func (h *Hub) isSymbol(topic string) bool {
	return h.symbols[topic]
}

// register adds a websocket connection with an optional symbol filter.
func (h *Hub) register(conn *websocket.Conn, symbols []string, lastTS string) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		hub:     h,
		ctx:     ctx,
		cancel:  cancel,
		limiter: rate.NewLimiter(rate.Limit(h.cfg.RatePerSecond), h.cfg.Burst),
		filter:  make(map[string]bool, len(symbols)),
	}
	for _, s := range symbols {
		client.filter[s] = true
	}
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info().Int("clients", count).Strs("symbols", symbols).Msg("ws client connected")

	client.sendInitialState(lastTS)
	go client.writePump()
	go client.readPump()
	return client
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()
	c.cancel()
	close(c.send)
}

// Latest returns the last payload broadcast on topic.
func (h *Hub) Latest(topic string) (json.RawMessage, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.latest[topic]
	return e.Data, ok
}

// ReplayRange returns buffered envelopes for topic in [fromSeq, toSeq].
func (h *Hub) ReplayRange(topic string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, ok := h.replay[topic]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	entries := rb.Range(fromSeq, toSeq)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// TopicSeq returns the current sequence number of topic.
func (h *Hub) TopicSeq(topic string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topicSeqs[topic]
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StartMetricsBroadcast sends process metrics to every client every 2s.
func (h *Hub) StartMetricsBroadcast(ctx context.Context, start time.Time) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := CollectMetrics(start)
			m.LatencyP50, m.LatencyP95, m.LatencyP99 = h.Latency.Percentiles()
			m.Clients = h.ClientCount()
			envelope, _ := json.Marshal(map[string]interface{}{
				"type":    "metrics",
				"metrics": m,
			})
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- envelope:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.conn.Close()
	}
}
