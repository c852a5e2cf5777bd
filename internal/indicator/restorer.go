package indicator

import "microstructure-v1/internal/model"

// Restorer rebuilds an indicator Engine on startup. The caller walks its
// checkpoint sources in priority order (Redis, then SQLite) and hands the
// first snapshot found to RestoreFromSnap; nil means cold start.
type Restorer struct {
	configs []TFIndicatorConfig
	opts    EngineOptions
}

// RestoreStats reports how a restore went.
type RestoreStats struct {
	Cold     bool // no usable snapshot, started empty
	Series   int  // series tails replayed
	Candles  int  // candles replayed
	Skipped  int  // subscriptions or candles rejected during replay
	Streams  int  // streams live after restore
	Fallback error
}

// NewRestorer creates a new Restorer for the given defaults.
func NewRestorer(configs []TFIndicatorConfig, opts EngineOptions) *Restorer {
	return &Restorer{configs: configs, opts: opts}
}

// RestoreFromSnap restores an engine from snap, falling back to a cold
// engine when snap is nil or unusable. It never fails: a bad snapshot is
// reported through RestoreStats.Fallback.
func (r *Restorer) RestoreFromSnap(snap *EngineSnapshot) (*Engine, RestoreStats) {
	if snap == nil {
		return NewEngine(r.configs, r.opts), RestoreStats{Cold: true}
	}
	e, skipped, err := RestoreEngine(r.configs, r.opts, snap)
	if err != nil {
		return NewEngine(r.configs, r.opts), RestoreStats{Cold: true, Fallback: err}
	}
	st := RestoreStats{Series: len(snap.Series), Skipped: skipped, Streams: len(e.entries)}
	for _, ss := range snap.Series {
		st.Candles += len(ss.Candles)
	}
	return e, st
}

// ReplayCandles feeds completed candles into the engine to catch up after a
// restore. Returns the number accepted.
func (r *Restorer) ReplayCandles(engine *Engine, candles []model.Candle) int {
	count := 0
	for _, c := range candles {
		if _, err := engine.Process(c); err == nil {
			count++
		}
	}
	return count
}
