package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"microstructure-v1/internal/feed"
	"microstructure-v1/internal/model"
)

// ErrStopped is returned by calls into a worker that is no longer running.
var ErrStopped = errors.New("analytics: symbol worker stopped")

// ErrPanicked is returned by calls whose command panicked. The symbol has
// been reset.
var ErrPanicked = errors.New("analytics: symbol command panicked")

// worker owns one symbol's pipeline. Events and commands are serialized on
// its goroutine, so the pipeline needs no locks.
type worker struct {
	p      *Pipeline
	events chan feed.Event
	cmds   chan func(*Pipeline)
	done   chan struct{}

	svc *Service
	log zerolog.Logger
}

func newWorker(svc *Service, p *Pipeline, queue int) *worker {
	if queue <= 0 {
		queue = 1024
	}
	w := &worker{
		p:      p,
		events: make(chan feed.Event, queue),
		cmds:   make(chan func(*Pipeline)),
		done:   make(chan struct{}),
		svc:    svc,
		log:    svc.log.With().Str("symbol", p.Symbol()).Logger(),
	}
	p.Observe = svc.prom.ObserveSince
	return w
}

// run processes events until ctx is cancelled.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.events:
			w.handle(ev)
		case fn := <-w.cmds:
			w.exec(fn)
		}
	}
}

// enqueue hands an event to the worker without blocking. A full queue drops
// the event so one slow symbol never stalls the dispatcher.
func (w *worker) enqueue(ev feed.Event) bool {
	select {
	case w.events <- ev:
		return true
	default:
		return false
	}
}

// do runs fn on the worker goroutine and waits for it. If fn panics the
// symbol is reset before ErrPanicked is returned.
func (w *worker) do(ctx context.Context, fn func(*Pipeline)) error {
	ran := make(chan error, 1)
	wrapped := func(p *Pipeline) {
		defer func() {
			if r := recover(); r != nil {
				w.recovered(r)
				ran <- ErrPanicked
				return
			}
			ran <- nil
		}()
		fn(p)
	}
	select {
	case w.cmds <- wrapped:
	case <-w.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-ran
}

// exec runs a command, resetting the symbol if it panics.
func (w *worker) exec(fn func(*Pipeline)) {
	defer func() {
		if r := recover(); r != nil {
			w.recovered(r)
		}
	}()
	fn(w.p)
}

// recovered resets the symbol after a panic so the next event starts clean.
func (w *worker) recovered(r interface{}) {
	w.log.Error().Interface("panic", r).Msg("pipeline panicked, resetting symbol")
	w.svc.prom.SymbolResets.WithLabelValues("panic").Inc()
	w.p.Reset(time.Time{})
	w.svc.sampler.Reset(w.p.Symbol())
}

func (w *worker) handle(ev feed.Event) {
	defer func() {
		if r := recover(); r != nil {
			w.recovered(r)
		}
	}()

	var (
		out Outcome
		err error
	)
	switch ev.Kind {
	case feed.KindTrade:
		out, err = w.p.HandleTrade(ev.Trade)
		if err == nil {
			w.svc.prom.TradesTotal.WithLabelValues(ev.Trade.Symbol).Inc()
		}
	case feed.KindCandle:
		out, err = w.p.HandleCandle(ev.Candle)
	default:
		err = fmt.Errorf("analytics: unknown event kind %d", ev.Kind)
	}
	if err != nil {
		w.svc.rejected(ev.Kind, err)
		return
	}

	if out.Late > 0 {
		w.svc.prom.LateTrades.Add(float64(out.Late))
	}
	for _, a := range out.Alerts {
		w.svc.prom.AlertsTotal.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
		for _, sink := range w.svc.deps.OnAlert {
			sink(a)
		}
	}
	w.closed(out.Closed)
}

// closed forwards closed candles to the correlation sampler and the sinks.
func (w *worker) closed(cs []model.Candle) {
	for _, c := range cs {
		w.svc.prom.CandlesClosed.WithLabelValues(model.Itoa(c.TF)).Inc()
		if c.TF == w.svc.opts.CorrelationTF {
			w.svc.sampler.Add(c.Symbol, c.Time, c.Close)
		}
		for _, sink := range w.svc.deps.OnClosed {
			sink(c)
		}
	}
}
