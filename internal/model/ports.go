package model

import "context"

// ── Storage Port Interfaces ──
// These interfaces decouple the analytics service from concrete storage
// implementations (Redis, SQLite).

// CheckpointStore reads and writes engine checkpoints as raw JSON.
// Using []byte avoids a model→analytics import cycle.
type CheckpointStore interface {
	// SaveCheckpoint persists a JSON-encoded checkpoint.
	SaveCheckpoint(ctx context.Context, data []byte) error

	// LatestCheckpoint loads the most recent checkpoint.
	// Returns nil, nil if none exists.
	LatestCheckpoint(ctx context.Context) ([]byte, error)

	// Close releases underlying resources.
	Close() error
}

// SnapshotPublisher pushes immutable analytics snapshots to downstream consumers.
type SnapshotPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// EventSource delivers raw trade/candle payloads from an upstream feed.
type EventSource interface {
	// Events streams raw payloads until ctx is cancelled. The reconnect channel
	// receives a value whenever the feed was re-established, so callers can
	// reset state instead of assuming continuity.
	Events(ctx context.Context, out chan<- RawEvent, reconnect chan<- struct{}) error
}

// RawEvent is an undecoded payload tagged with its channel.
type RawEvent struct {
	Channel string
	Payload []byte
}
