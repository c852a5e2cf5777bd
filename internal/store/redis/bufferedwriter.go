package redis

import (
	"context"
	"errors"
	"sync"

	"github.com/sony/gobreaker"
)

// pendingPublish is a publish buffered while the breaker was open.
type pendingPublish struct {
	channel string
	key     string // non-empty: also SET as latest
	payload []byte
}

// BufferedPublisher publishes snapshots through the client's breaker.
// While the breaker is open, publishes are buffered locally (oldest dropped
// past maxBuf) and flushed once it closes again.
type BufferedPublisher struct {
	client *Client
	ctx    context.Context

	mu     sync.Mutex
	buffer []pendingPublish
	maxBuf int

	OnBuffer func()          // called when a publish is buffered (optional)
	OnFlush  func(count int) // called after flushing (optional)
}

// NewBufferedPublisher wraps c. ctx bounds the flushes. Must be created
// before the client is shared between goroutines.
func NewBufferedPublisher(ctx context.Context, c *Client, maxBufferSize int) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 1000
	}
	bp := &BufferedPublisher{
		client: c,
		ctx:    ctx,
		buffer: make([]pendingPublish, 0, 64),
		maxBuf: maxBufferSize,
	}
	c.breaker.onStateChange(func(_, to gobreaker.State) {
		if to == gobreaker.StateClosed {
			go bp.flush()
		}
	})
	return bp
}

// Publish implements model.SnapshotPublisher.
func (bp *BufferedPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	err := bp.client.Publish(ctx, channel, payload)
	if errors.Is(err, ErrCircuitOpen) {
		bp.add(pendingPublish{channel: channel, payload: payload})
		return nil
	}
	return err
}

// PublishLatest publishes and stores the latest copy under key.
func (bp *BufferedPublisher) PublishLatest(ctx context.Context, channel, key string, payload []byte) error {
	err := bp.client.PublishLatest(ctx, channel, key, payload)
	if errors.Is(err, ErrCircuitOpen) {
		bp.add(pendingPublish{channel: channel, key: key, payload: payload})
		return nil
	}
	return err
}

func (bp *BufferedPublisher) add(p pendingPublish) {
	bp.mu.Lock()
	if len(bp.buffer) >= bp.maxBuf {
		bp.buffer = bp.buffer[1:]
	}
	bp.buffer = append(bp.buffer, p)
	bp.mu.Unlock()

	if bp.OnBuffer != nil {
		bp.OnBuffer()
	}
}

// flush replays the buffer in order. Entries failing again are dropped.
func (bp *BufferedPublisher) flush() {
	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return
	}
	toFlush := bp.buffer
	bp.buffer = make([]pendingPublish, 0, 64)
	bp.mu.Unlock()

	flushed := 0
	for _, p := range toFlush {
		var err error
		if p.key != "" {
			err = bp.client.PublishLatest(bp.ctx, p.channel, p.key, p.payload)
		} else {
			err = bp.client.Publish(bp.ctx, p.channel, p.payload)
		}
		if err == nil {
			flushed++
		}
	}

	bp.client.log.Info().Int("flushed", flushed).Int("buffered", len(toFlush)).Msg("flushed buffered publishes")
	if bp.OnFlush != nil {
		bp.OnFlush(flushed)
	}
}

// PendingCount returns the number of buffered publishes.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}
