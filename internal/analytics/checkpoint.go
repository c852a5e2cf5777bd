package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"microstructure-v1/internal/correlation"
	"microstructure-v1/internal/indicator"
)

// checkpointVersion is bumped when the Checkpoint layout changes.
const checkpointVersion = 2

// Checkpoint is the persisted warm-restart state: each symbol's indicator
// engine snapshot and the timestamped correlation sample windows. Profiles
// and CVD restart with a fresh session.
type Checkpoint struct {
	Version     int                                  `json:"version"`
	TakenAt     time.Time                            `json:"taken_at"`
	Engines     map[string]*indicator.EngineSnapshot `json:"engines"`
	Correlation map[string][]correlation.Sample      `json:"correlation"`
}

// RestoreReport summarizes startup restore.
type RestoreReport struct {
	Source   string // checkpoint target used, empty when cold
	Cold     bool
	Symbols  map[string]indicator.RestoreStats
	Warmed   int // candles replayed from history on cold symbols
	Failures []error
}

// DecodeCheckpoint parses and version-checks a checkpoint.
func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	var ck Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("analytics: decode checkpoint: %w", err)
	}
	if ck.Version != checkpointVersion {
		return nil, fmt.Errorf("analytics: checkpoint version %d, want %d", ck.Version, checkpointVersion)
	}
	return &ck, nil
}

// loadCheckpoint walks the targets in order and returns the first usable
// checkpoint. Nil means none was found.
func (svc *Service) loadCheckpoint(ctx context.Context) (*Checkpoint, string, []error) {
	var failures []error
	for _, t := range svc.deps.Checkpoints {
		data, err := t.Store.LatestCheckpoint(ctx)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		if data == nil {
			continue
		}
		ck, err := DecodeCheckpoint(data)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		return ck, t.Name, failures
	}
	return nil, "", failures
}

// restore builds every symbol's pipeline from the newest checkpoint, or
// cold when there is none, and warms cold engines from candle history.
func (svc *Service) restore(ctx context.Context) error {
	ck, source, failures := svc.loadCheckpoint(ctx)
	for _, err := range failures {
		svc.log.Warn().Err(err).Msg("checkpoint unusable, trying next source")
	}
	rep := RestoreReport{Source: source, Cold: ck == nil, Symbols: make(map[string]indicator.RestoreStats), Failures: failures}

	restorer := indicator.NewRestorer(svc.opts.Indicators, svc.opts.Engine)
	for _, sym := range svc.symbols {
		var snap *indicator.EngineSnapshot
		if ck != nil {
			snap = ck.Engines[sym]
		}
		engine, st := restorer.RestoreFromSnap(snap)
		if st.Fallback != nil {
			svc.log.Warn().Err(st.Fallback).Str("symbol", sym).Msg("engine snapshot rejected, starting cold")
		}
		p, err := NewPipeline(sym, &svc.opts, engine)
		if err != nil {
			return err
		}
		if st.Cold {
			n := svc.warm(ctx, p)
			rep.Warmed += n
		}
		rep.Symbols[sym] = st
		svc.workers[sym] = newWorker(svc, p, svc.opts.QueueSize)
	}
	if ck != nil {
		svc.sampler.Restore(ck.Correlation)
	}

	svc.report = rep
	ev := svc.log.Info().Bool("cold", rep.Cold).Int("warmed", rep.Warmed)
	if source != "" {
		ev = ev.Str("source", source).Time("taken_at", ck.TakenAt)
	}
	ev.Msg("state restored")
	return nil
}

// warm replays recent closed candles from the first history source that
// has any, per timeframe.
func (svc *Service) warm(ctx context.Context, p *Pipeline) int {
	n := int64(svc.opts.Engine.TailSize)
	if n <= 0 {
		n = 200
	}
	total := 0
	for _, tf := range svc.opts.Timeframes {
		for _, h := range svc.deps.History {
			cs, err := h.RecentCandles(ctx, p.Symbol(), tf, n)
			if err != nil {
				svc.log.Debug().Err(err).Str("symbol", p.Symbol()).Int("tf", tf).Msg("history unavailable")
				continue
			}
			if len(cs) == 0 {
				continue
			}
			total += p.Warm(cs)
			break
		}
	}
	return total
}

// collect builds a checkpoint from every worker.
func (svc *Service) collect(ctx context.Context) (*Checkpoint, error) {
	ck := &Checkpoint{
		Version:     checkpointVersion,
		TakenAt:     time.Now().UTC(),
		Engines:     make(map[string]*indicator.EngineSnapshot, len(svc.symbols)),
		Correlation: svc.sampler.Windows(),
	}
	for _, sym := range svc.symbols {
		var snap *indicator.EngineSnapshot
		if err := svc.workers[sym].do(ctx, func(p *Pipeline) { snap = indicator.SnapshotEngine(p.Engine()) }); err != nil {
			return nil, fmt.Errorf("analytics: snapshot %s: %w", sym, err)
		}
		ck.Engines[sym] = snap
	}
	return ck, nil
}

// checkpoint writes one checkpoint to every target.
func (svc *Service) checkpoint(ctx context.Context) error {
	if len(svc.deps.Checkpoints) == 0 {
		return nil
	}
	ck, err := svc.collect(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ck)
	if err != nil {
		return err
	}
	var errs []error
	for _, t := range svc.deps.Checkpoints {
		if err := t.Store.SaveCheckpoint(ctx, data); err != nil {
			svc.prom.CheckpointsTotal.WithLabelValues(t.Name, "error").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
			continue
		}
		svc.prom.CheckpointsTotal.WithLabelValues(t.Name, "ok").Inc()
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	svc.log.Debug().Int("bytes", len(data)).Int("symbols", len(ck.Engines)).Msg("checkpoint saved")
	return nil
}

// checkpointLoop periodically saves state to every checkpoint target.
func (svc *Service) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(svc.cfg.Snapshot.CheckpointSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.checkpoint(ctx); err != nil {
				svc.log.Warn().Err(err).Msg("checkpoint failed")
			}
		}
	}
}
