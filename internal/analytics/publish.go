package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
)

// Topic names used for published snapshots.
const (
	TopicCorrelation = "correlation"
)

// SnapshotChannel returns the pub/sub channel of symbol's snapshots.
func SnapshotChannel(prefix, symbol string) string { return prefix + ":snapshot:" + symbol }

// LatestKey returns the key holding symbol's latest snapshot.
func LatestKey(prefix, symbol string) string { return prefix + ":latest:" + symbol }

// publishState remembers what was last published. Only publishLoop
// touches it.
type publishState struct {
	versions    map[string]uint64
	correlation []byte
}

// publishLoop publishes the snapshot of every symbol that changed since the
// last tick, then the correlation matrix if it changed.
func (svc *Service) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(svc.cfg.Snapshot.IntervalMillis) * time.Millisecond)
	defer ticker.Stop()
	st := &publishState{versions: make(map[string]uint64, len(svc.symbols))}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.publishOnce(ctx, st)
		}
	}
}

func (svc *Service) publishOnce(ctx context.Context, st *publishState) {
	prefix := svc.cfg.Redis.SnapshotPrefix
	for _, sym := range svc.symbols {
		var (
			snap    Snapshot
			changed bool
		)
		err := svc.workers[sym].do(ctx, func(p *Pipeline) {
			if v, ok := st.versions[sym]; ok && v == p.Version() {
				return
			}
			changed = true
			snap = p.Snapshot()
		})
		if err != nil || !changed {
			continue
		}
		payload, err := json.Marshal(snap)
		if err != nil {
			svc.log.Error().Err(err).Str("symbol", sym).Msg("snapshot encode failed")
			continue
		}
		if !svc.publish(ctx, SnapshotChannel(prefix, sym), LatestKey(prefix, sym), sym, payload) {
			continue
		}
		st.versions[sym] = snap.Version
	}

	payload, err := json.Marshal(svc.Correlation())
	if err != nil {
		svc.log.Error().Err(err).Msg("correlation encode failed")
		return
	}
	if bytes.Equal(payload, st.correlation) {
		return
	}
	if svc.publish(ctx, prefix+":"+TopicCorrelation, LatestKey(prefix, TopicCorrelation), TopicCorrelation, payload) {
		st.correlation = payload
	}
}

// publish sends payload to Redis and the in-process broadcaster. Returns
// false when the Redis publish failed so the next tick retries.
func (svc *Service) publish(ctx context.Context, channel, key, topic string, payload []byte) bool {
	if b := svc.deps.Broadcaster; b != nil {
		b.Broadcast(topic, payload)
	}
	if svc.deps.Publisher == nil {
		return true
	}
	if err := svc.deps.Publisher.PublishLatest(ctx, channel, key, payload); err != nil {
		svc.prom.SnapshotPublishFailures.Inc()
		svc.log.Warn().Err(err).Str("channel", channel).Msg("snapshot publish failed")
		return false
	}
	return true
}
