// Package analytics runs the per-symbol analytics pipelines: it consumes
// the upstream trade/candle feed, routes events to one worker per symbol,
// publishes snapshots and checkpoints state for warm restarts.
package analytics

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"microstructure-v1/config"
	"microstructure-v1/internal/correlation"
	"microstructure-v1/internal/cvd"
	"microstructure-v1/internal/feed"
	"microstructure-v1/internal/indicator"
	"microstructure-v1/internal/logger"
	"microstructure-v1/internal/metrics"
	"microstructure-v1/internal/model"
)

// ErrUnknownSymbol is returned for a symbol the service is not configured for.
var ErrUnknownSymbol = errors.New("analytics: unknown symbol")

// Publisher pushes snapshots downstream and keeps the latest copy readable.
type Publisher interface {
	model.SnapshotPublisher
	PublishLatest(ctx context.Context, channel, key string, payload []byte) error
}

// Broadcaster fans snapshots out to in-process consumers (the websocket hub).
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

// BroadcastFunc adapts a function to Broadcaster.
type BroadcastFunc func(topic string, payload []byte)

// Broadcast calls f(topic, payload).
func (f BroadcastFunc) Broadcast(topic string, payload []byte) { f(topic, payload) }

// CandleHistory serves recent closed candles for warming a cold engine.
type CandleHistory interface {
	RecentCandles(ctx context.Context, symbol string, tf int, n int64) ([]model.Candle, error)
}

// CheckpointTarget is a named checkpoint store. Targets are restored from
// in order; the first usable checkpoint wins.
type CheckpointTarget struct {
	Name  string
	Store model.CheckpointStore
}

// Deps are the collaborators of a Service. Everything but Source and
// Metrics is optional.
type Deps struct {
	Source      model.EventSource
	Publisher   Publisher
	Broadcaster Broadcaster
	Checkpoints []CheckpointTarget
	History     []CandleHistory
	// OnClosed receives every closed candle. Called on symbol workers, so
	// it must not block.
	OnClosed []func(model.Candle)
	// OnAlert receives every new CVD alert, also on symbol workers.
	OnAlert []func(cvd.Alert)
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus
	Log     *zerolog.Logger
}

// Service is the top-level orchestrator of the analytics pipelines.
type Service struct {
	cfg  *config.Config
	opts Options
	deps Deps
	prom *metrics.Metrics
	log  zerolog.Logger

	sampler *correlation.Sampler
	symbols []string
	workers map[string]*worker
	report  RestoreReport

	sessMu       sync.Mutex
	sessionStart time.Time

	ready chan struct{}
}

// NewService validates cfg and prepares a service. State is restored and
// workers are started by Run.
func NewService(cfg *config.Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Source == nil {
		return nil, errors.New("analytics: no event source")
	}
	if deps.Metrics == nil {
		return nil, errors.New("analytics: no metrics")
	}
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	svc := &Service{
		cfg:     cfg,
		opts:    opts,
		deps:    deps,
		prom:    deps.Metrics,
		log:     logger.Component("analytics"),
		sampler: correlation.NewSampler(cfg.Symbols, cfg.Correlation.Window, cfg.Correlation.MinSamples),
		symbols: append([]string(nil), cfg.Symbols...),
		workers: make(map[string]*worker, len(cfg.Symbols)),
		ready:   make(chan struct{}),
	}
	if deps.Log != nil {
		svc.log = *deps.Log
	}
	sort.Strings(svc.symbols)
	return svc, nil
}

// Run restores state, starts the workers and loops, and blocks until ctx
// is cancelled. A final checkpoint is written on the way out.
func (svc *Service) Run(ctx context.Context) error {
	if err := svc.restore(ctx); err != nil {
		return err
	}

	// Workers outlive ctx so the final checkpoint can still read them.
	workCtx, stopWorkers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, sym := range svc.symbols {
		w := svc.workers[sym]
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(workCtx)
		}()
	}
	defer func() {
		stopWorkers()
		wg.Wait()
	}()

	sched, err := svc.startSessionRoll()
	if err != nil {
		return err
	}
	if svc.deps.Health != nil {
		svc.deps.Health.SetSymbols(svc.symbols)
	}

	go svc.feedLoop(ctx)
	go svc.publishLoop(ctx)
	go svc.checkpointLoop(ctx)
	go svc.flushLoop(ctx)
	close(svc.ready)

	svc.log.Info().
		Strs("symbols", svc.symbols).
		Ints("timeframes", svc.opts.Timeframes).
		Int("correlation_tf", svc.opts.CorrelationTF).
		Str("session_cron", svc.cfg.Profile.SessionCron).
		Bool("cold", svc.report.Cold).
		Msg("analytics service running")

	<-ctx.Done()

	svc.log.Info().Msg("shutdown signal received, saving final checkpoint")
	<-sched.Stop().Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := svc.checkpoint(shutCtx); err != nil {
		svc.log.Warn().Err(err).Msg("final checkpoint failed")
	}
	return nil
}

// Ready is closed once Run has restored state and started every loop.
func (svc *Service) Ready() <-chan struct{} { return svc.ready }

// Symbols returns the configured symbols, sorted.
func (svc *Service) Symbols() []string { return append([]string(nil), svc.symbols...) }

// Restored reports how startup restore went.
func (svc *Service) Restored() RestoreReport { return svc.report }

// Snapshot returns the current snapshot of symbol.
func (svc *Service) Snapshot(ctx context.Context, symbol string) (Snapshot, error) {
	w, ok := svc.workers[symbol]
	if !ok {
		return Snapshot{}, ErrUnknownSymbol
	}
	var s Snapshot
	err := w.do(ctx, func(p *Pipeline) { s = p.Snapshot() })
	return s, err
}

// Correlation returns the current correlation matrix.
func (svc *Service) Correlation() correlation.Matrix {
	defer svc.prom.ObserveSince(metrics.ComponentCorrelation, time.Now())
	return svc.sampler.Matrix()
}

// Subscribe adds an indicator series for symbol on its worker.
func (svc *Service) Subscribe(ctx context.Context, req indicator.Request) (created bool, err error) {
	w, ok := svc.workers[req.Symbol]
	if !ok {
		return false, ErrUnknownSymbol
	}
	derr := w.do(ctx, func(p *Pipeline) {
		_, created, err = p.Engine().Subscribe(req)
	})
	if derr != nil {
		return false, derr
	}
	return created, err
}

// ResetSymbol drops the continuous state of one symbol.
func (svc *Service) ResetSymbol(ctx context.Context, symbol, reason string) error {
	w, ok := svc.workers[symbol]
	if !ok {
		return ErrUnknownSymbol
	}
	start := svc.currentSession()
	if err := w.do(ctx, func(p *Pipeline) { p.Reset(start) }); err != nil {
		return err
	}
	svc.sampler.Reset(symbol)
	svc.prom.SymbolResets.WithLabelValues(reason).Inc()
	svc.log.Info().Str("symbol", symbol).Str("reason", reason).Msg("symbol reset")
	return nil
}

// resetAll resets every symbol. Used when the feed lost continuity.
func (svc *Service) resetAll(ctx context.Context, reason string) {
	for _, sym := range svc.symbols {
		if err := svc.ResetSymbol(ctx, sym, reason); err != nil {
			svc.log.Warn().Err(err).Str("symbol", sym).Msg("reset failed")
		}
	}
}

// Dispatch decodes a raw event and routes it to its symbol worker. It never
// blocks: a full worker queue drops the event.
func (svc *Service) Dispatch(raw model.RawEvent) {
	ev, err := feed.Decode(raw)
	if err != nil {
		svc.rejected(ev.Kind, err)
		return
	}
	sym := ev.Symbol()
	w, ok := svc.workers[sym]
	if !ok {
		svc.prom.MalformedEvents.WithLabelValues("unknown_symbol").Inc()
		return
	}
	if !w.enqueue(ev) {
		svc.prom.DispatchDrops.WithLabelValues(sym).Inc()
		return
	}
	if h := svc.deps.Health; h != nil {
		h.SetFeedConnected(true)
		h.SetLastEventTime(time.Now())
	}
}

// rejected counts an event refused at ingestion.
func (svc *Service) rejected(kind feed.Kind, err error) {
	label := "trade"
	if kind == feed.KindCandle {
		label = "candle"
	}
	switch {
	case errors.Is(err, feed.ErrInvalidJSON):
		label = "json"
	case errors.Is(err, indicator.ErrOutOfOrder):
		label = "out_of_order"
	}
	svc.prom.MalformedEvents.WithLabelValues(label).Inc()
	var fe *model.FieldError
	if errors.As(err, &fe) {
		svc.log.Debug().Str("kind", fe.Kind).Str("field", fe.Field).Msg("event rejected")
		return
	}
	svc.log.Debug().Err(err).Str("kind", label).Msg("event rejected")
}

// feedLoop consumes the event source, resubscribing with backoff when it
// fails. Continuity is lost across a resubscribe, so every symbol is reset.
func (svc *Service) feedLoop(ctx context.Context) {
	raw := make(chan model.RawEvent, 4096)
	reconnect := make(chan struct{}, 1)

	go func() {
		backoff := time.Second
		for attempt := 0; ; attempt++ {
			if attempt > 0 {
				svc.prom.FeedReconnects.Inc()
				svc.resetAll(ctx, "resubscribe")
			}
			err := svc.deps.Source.Events(ctx, raw, reconnect)
			if ctx.Err() != nil {
				return
			}
			if svc.deps.Health != nil {
				svc.deps.Health.SetFeedConnected(false)
			}
			svc.log.Warn().Err(err).Dur("backoff", backoff).Msg("feed stopped, resubscribing")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 30*time.Second)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-raw:
			svc.Dispatch(ev)
		case <-reconnect:
			svc.prom.FeedReconnects.Inc()
			svc.log.Warn().Msg("feed reconnected, resetting symbols")
			svc.resetAll(ctx, "reconnect")
		}
	}
}

// flushLoop closes the bars of quiet symbols once their bucket has ended.
func (svc *Service) flushLoop(ctx context.Context) {
	const grace = 2 * time.Second
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, sym := range svc.symbols {
				w := svc.workers[sym]
				_ = w.do(ctx, func(p *Pipeline) {
					w.closed(p.Flush(now.Add(-grace)))
				})
			}
		}
	}
}

// startSessionRoll schedules the profile session roll.
func (svc *Service) startSessionRoll() (*cron.Cron, error) {
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(svc.cfg.Profile.SessionCron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.rollSessions(ctx, time.Now().UTC().Truncate(time.Minute))
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

// rollSessions starts a new profile session on every symbol.
func (svc *Service) rollSessions(ctx context.Context, start time.Time) {
	svc.sessMu.Lock()
	svc.sessionStart = start
	svc.sessMu.Unlock()
	for _, sym := range svc.symbols {
		if err := svc.workers[sym].do(ctx, func(p *Pipeline) { p.RollSession(start) }); err != nil {
			svc.log.Warn().Err(err).Str("symbol", sym).Msg("session roll failed")
		}
	}
	svc.log.Info().Time("session_start", start).Msg("profile session rolled")
}

func (svc *Service) currentSession() time.Time {
	svc.sessMu.Lock()
	defer svc.sessMu.Unlock()
	return svc.sessionStart
}
