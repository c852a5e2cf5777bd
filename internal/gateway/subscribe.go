package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"microstructure-v1/internal/analytics"
	"microstructure-v1/internal/indicator"
)

// SubscribeMsg is the client's SUBSCRIBE request. Symbols are added to the
// client's filter; each indicator is subscribed on every listed symbol.
type SubscribeMsg struct {
	Type       string             `json:"type"` // "SUBSCRIBE"
	ReqID      string             `json:"reqId"`
	Symbols    []string           `json:"symbols"`
	Indicators []IndicatorRequest `json:"indicators"`
}

// UnsubscribeMsg drops symbols from the client's filter.
type UnsubscribeMsg struct {
	Type    string   `json:"type"` // "UNSUBSCRIBE"
	ReqID   string   `json:"reqId"`
	Symbols []string `json:"symbols"`
}

// ErrorResponse is the server's ERROR message.
type ErrorResponse struct {
	Type  string `json:"type"` // "ERROR"
	ReqID string `json:"reqId,omitempty"`
	Error string `json:"error"`
}

const subscribeTimeout = 3 * time.Second

// handleSubscribe applies msg and replies with the current snapshot of
// every listed symbol.
func (c *Client) handleSubscribe(msg SubscribeMsg) {
	if len(msg.Symbols) == 0 {
		c.sendError(msg.ReqID, "symbols are required")
		return
	}
	for _, sym := range msg.Symbols {
		if !c.hub.isSymbol(sym) {
			c.sendError(msg.ReqID, "unknown symbol "+sym)
			return
		}
	}
	reqs := make([]indicator.Request, 0, len(msg.Symbols)*len(msg.Indicators))
	for _, ir := range msg.Indicators {
		cfg, err := indicator.ParseSpec(ir.Spec)
		if err != nil {
			c.sendError(msg.ReqID, err.Error())
			return
		}
		for _, sym := range msg.Symbols {
			reqs = append(reqs, indicator.Request{Symbol: sym, TF: ir.TF, Config: cfg})
		}
	}

	c.mu.Lock()
	for _, sym := range msg.Symbols {
		c.filter[sym] = true
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, subscribeTimeout)
	defer cancel()
	for _, req := range reqs {
		if _, err := c.hub.api.Subscribe(ctx, req); err != nil {
			c.sendError(msg.ReqID, err.Error())
			return
		}
	}

	reply := SnapshotsMessage{Type: "SNAPSHOT", ReqID: msg.ReqID}
	for _, sym := range msg.Symbols {
		snap, err := c.hub.api.Snapshot(ctx, sym)
		if err != nil {
			if !errors.Is(err, analytics.ErrUnknownSymbol) {
				c.sendError(msg.ReqID, err.Error())
			}
			return
		}
		reply.Snapshots = append(reply.Snapshots, snap)
	}
	c.sendJSON(reply)
	c.hub.log.Debug().Strs("symbols", msg.Symbols).Int("indicators", len(reqs)).Msg("ws client subscribed")
}

func (c *Client) handleUnsubscribe(msg UnsubscribeMsg) {
	c.mu.Lock()
	for _, sym := range msg.Symbols {
		delete(c.filter, sym)
	}
	c.mu.Unlock()
}

// sendJSON queues v for the client. Dropped when the client is gone or its
// buffer is full.
func (c *Client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.hub.log.Error().Err(err).Msg("ws encode failed")
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.log.Warn().Msg("ws client send buffer full, dropping message")
	}
}

func (c *Client) sendError(reqID, msg string) {
	c.sendJSON(ErrorResponse{Type: "ERROR", ReqID: reqID, Error: msg})
}
