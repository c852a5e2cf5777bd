package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"microstructure-v1/internal/cvd"
	"microstructure-v1/internal/logger"
	"microstructure-v1/internal/ringbuf"
)

const (
	defaultQueueSize = 256
	rememberedIDs    = 1024
	sendTimeout      = 10 * time.Second
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	MinSeverity cvd.Severity
	PerMinute   float64 // delivery budget; alerts over it are dropped
	QueueSize   int
}

// Dispatcher queues alerts from symbol workers and delivers them on its
// own goroutine. Alerts are identified by ID; an alert is delivered at
// most once while its ID is among the last rememberedIDs seen.
type Dispatcher struct {
	notifiers []Notifier
	minRank   int
	limiter   *rate.Limiter
	queue     chan cvd.Alert
	log       zerolog.Logger

	seen  map[string]bool
	order *ringbuf.Window[string]

	// OnResult is called after each delivery attempt (optional).
	OnResult func(notifier string, err error)
	// OnDrop is called when an alert is dropped before delivery (optional).
	OnDrop func(reason string)
}

// NewDispatcher creates a dispatcher delivering to notifiers.
func NewDispatcher(cfg DispatcherConfig, notifiers ...Notifier) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = 30
	}
	burst := int(cfg.PerMinute)
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		notifiers: notifiers,
		minRank:   SeverityRank(cfg.MinSeverity),
		limiter:   rate.NewLimiter(rate.Limit(cfg.PerMinute/60), burst),
		queue:     make(chan cvd.Alert, cfg.QueueSize),
		log:       logger.Component("notification"),
		seen:      make(map[string]bool, rememberedIDs),
		order:     ringbuf.New[string](rememberedIDs),
	}
}

// Enqueue queues a for delivery without blocking.
func (d *Dispatcher) Enqueue(a cvd.Alert) {
	if SeverityRank(a.Severity) < d.minRank {
		return
	}
	select {
	case d.queue <- a:
	default:
		d.drop("queue_full")
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-d.queue:
			d.deliver(ctx, a)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, a cvd.Alert) {
	if d.seen[a.ID] {
		return
	}
	if evicted, ok := d.order.Push(a.ID); ok {
		delete(d.seen, evicted)
	}
	d.seen[a.ID] = true

	if !d.limiter.Allow() {
		d.drop("rate_limited")
		return
	}
	for _, n := range d.notifiers {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := n.Send(sctx, a)
		cancel()
		if err != nil {
			d.log.Warn().Err(err).Str("notifier", n.Name()).Str("alert", a.ID).Msg("alert delivery failed")
		}
		if d.OnResult != nil {
			d.OnResult(n.Name(), err)
		}
	}
}

func (d *Dispatcher) drop(reason string) {
	d.log.Debug().Str("reason", reason).Msg("alert dropped")
	if d.OnDrop != nil {
		d.OnDrop(reason)
	}
}
