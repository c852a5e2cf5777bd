package redis

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"microstructure-v1/internal/model"
)

// SaveCheckpoint stores a JSON checkpoint with a 24h TTL. SQLite keeps the
// durable copy.
func (c *Client) SaveCheckpoint(ctx context.Context, data []byte) error {
	return c.breaker.Execute(func() error {
		return c.rdb.Set(ctx, c.ckptKey, data, defaultCheckpointTTL).Err()
	})
}

// LatestCheckpoint loads the checkpoint. Returns nil, nil if none exists.
func (c *Client) LatestCheckpoint(ctx context.Context) ([]byte, error) {
	data, err := c.rdb.Get(ctx, c.ckptKey).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get checkpoint %s: %w", c.ckptKey, err)
	}
	return data, nil
}

// Feed subscribes to channel patterns and delivers raw payloads. It
// implements model.EventSource.
type Feed struct {
	client   *Client
	patterns []string
	bufSize  int
}

// NewFeed creates a feed over the given PSUBSCRIBE patterns, e.g.
// "trades:*" and "candles:*".
func NewFeed(c *Client, patterns ...string) *Feed {
	return &Feed{client: c, patterns: patterns, bufSize: 1024}
}

// Events blocks until ctx is cancelled. go-redis re-establishes the
// subscription on its own after a dropped connection; every subscription
// confirmation after the first round is reported on reconnect.
func (f *Feed) Events(ctx context.Context, out chan<- model.RawEvent, reconnect chan<- struct{}) error {
	if len(f.patterns) == 0 {
		return fmt.Errorf("redis feed: no channel patterns")
	}
	ps := f.client.rdb.PSubscribe(ctx, f.patterns...)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %v: %w", f.patterns, err)
	}
	f.client.log.Info().Strs("patterns", f.patterns).Msg("feed subscribed")

	// the confirmation above consumed the first pattern's ack
	st := &subState{round: len(f.patterns), pending: len(f.patterns) - 1}
	ch := ps.ChannelWithSubscriptions(ctx, f.bufSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !st.handle(ctx, msg, out, reconnect) {
				return nil
			}
		}
	}
}

// subState tracks subscription acks: the initial round is expected, any
// ack after it means the connection was re-established.
type subState struct {
	round   int // acks per subscription round
	pending int
}

// handle forwards one PubSub item. Returns false when ctx ended while
// blocked on out.
func (s *subState) handle(ctx context.Context, msg interface{}, out chan<- model.RawEvent, reconnect chan<- struct{}) bool {
	switch m := msg.(type) {
	case *goredis.Subscription:
		if m.Kind != "psubscribe" && m.Kind != "subscribe" {
			return true
		}
		if s.pending > 0 {
			s.pending--
			return true
		}
		s.pending = s.round - 1
		select {
		case reconnect <- struct{}{}:
		default:
		}
	case *goredis.Message:
		ev := model.RawEvent{Channel: m.Channel, Payload: []byte(m.Payload)}
		select {
		case out <- ev:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
