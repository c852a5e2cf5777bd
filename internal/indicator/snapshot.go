package indicator

import (
	"fmt"
	"sort"
	"time"

	"microstructure-v1/internal/model"
)

// snapshotVersion is bumped when the checkpoint layout changes.
const snapshotVersion = 2

// SeriesSnapshot holds the recent candles of one symbol/TF.
type SeriesSnapshot struct {
	Symbol  string         `json:"symbol"`
	TF      int            `json:"tf"`
	Candles []model.Candle `json:"candles"`
}

// EngineSnapshot captures what is needed to rebuild an Engine by replay:
// explicit subscriptions and each series' retained candle tail. Indicator
// internals are not serialized; replaying the tail re-derives them.
type EngineSnapshot struct {
	Version       int              `json:"version"`
	TakenAt       time.Time        `json:"taken_at"`
	Subscriptions []Request        `json:"subscriptions"`
	Series        []SeriesSnapshot `json:"series"`
}

// SnapshotEngine captures the replayable state of an Engine.
func SnapshotEngine(e *Engine) *EngineSnapshot {
	snap := &EngineSnapshot{Version: snapshotVersion, TakenAt: time.Now().UTC()}
	for _, en := range e.entries {
		if en.explicit {
			snap.Subscriptions = append(snap.Subscriptions, en.req)
		}
	}
	sort.Slice(snap.Subscriptions, func(i, j int) bool {
		return snap.Subscriptions[i].Key() < snap.Subscriptions[j].Key()
	})

	keys := make([]string, 0, len(e.tails))
	for sk := range e.tails {
		keys = append(keys, sk)
	}
	sort.Strings(keys)
	for _, sk := range keys {
		symbol, tf, ok := splitSeriesKey(sk)
		if !ok || e.tails[sk].Len() == 0 {
			continue
		}
		snap.Series = append(snap.Series, SeriesSnapshot{Symbol: symbol, TF: tf, Candles: e.tails[sk].Slice()})
	}
	return snap
}

// RestoreEngine rebuilds an Engine from a snapshot using the current
// defaults. Explicit subscriptions are re-registered first, then every
// series tail is replayed, so defaults and subscriptions warm identically.
// Subscriptions whose config no longer validates are skipped and counted.
func RestoreEngine(configs []TFIndicatorConfig, opts EngineOptions, snap *EngineSnapshot) (e *Engine, skipped int, err error) {
	if snap.Version != snapshotVersion {
		return nil, 0, fmt.Errorf("indicator snapshot version %d, want %d", snap.Version, snapshotVersion)
	}
	e = NewEngine(configs, opts)
	for _, req := range snap.Subscriptions {
		if _, _, err := e.Subscribe(req); err != nil {
			skipped++
		}
	}
	for _, ss := range snap.Series {
		for _, c := range ss.Candles {
			c.Symbol, c.TF = ss.Symbol, ss.TF
			if _, err := e.Process(c); err != nil {
				skipped++
			}
		}
	}
	return e, skipped, nil
}
