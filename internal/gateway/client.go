package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 4096
)

// Client is a single websocket peer.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter

	mu     sync.RWMutex
	filter map[string]bool // symbols; empty means all
}

// wants reports whether topic should be delivered to c.
func (c *Client) wants(topic string) bool {
	if !c.hub.isSymbol(topic) {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.filter) == 0 || c.filter[topic]
}

// sendInitialState queues the latest payload of every wanted topic newer
// than lastTS.
func (c *Client) sendInitialState(lastTS string) {
	var cutoff time.Time
	if lastTS != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = parsed
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for topic, entry := range c.hub.latest {
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		if !c.wants(topic) {
			continue
		}
		envelope, _ := json.Marshal(map[string]interface{}{
			"topic":     topic,
			"data":      entry.Data,
			"ts":        entry.TS.Format(time.RFC3339Nano),
			"topic_seq": entry.Seq,
			"initial":   true,
		})
		select {
		case c.send <- envelope:
		default:
		}
	}
}

// writePump drains send into websocket frames. Queued messages are
// coalesced into one frame separated by newlines, and frames are paced by
// the client's limiter.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
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

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		c.hub.log.Info().Int("clients", c.hub.ClientCount()).Msg("ws client disconnected")
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var base struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(msg, &base) != nil {
			c.sendError("", "invalid json")
			continue
		}

		switch base.Type {
		case "SUBSCRIBE":
			var sub SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				c.sendError("", "invalid SUBSCRIBE: "+err.Error())
				continue
			}
			go c.handleSubscribe(sub)
		case "UNSUBSCRIBE":
			var unsub UnsubscribeMsg
			if err := json.Unmarshal(msg, &unsub); err != nil {
				c.sendError("", "invalid UNSUBSCRIBE: "+err.Error())
				continue
			}
			c.handleUnsubscribe(unsub)
		default:
			if base.Ping > 0 {
				c.sendJSON(map[string]interface{}{
					"type":      "pong",
					"ping":      base.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
				continue
			}
			c.sendError("", "unknown message type "+base.Type)
		}
	}
}
