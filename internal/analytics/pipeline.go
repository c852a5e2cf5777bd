package analytics

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"microstructure-v1/config"
	"microstructure-v1/internal/candles"
	"microstructure-v1/internal/cvd"
	"microstructure-v1/internal/indicator"
	"microstructure-v1/internal/metrics"
	"microstructure-v1/internal/model"
	"microstructure-v1/internal/profile"
)

// Options is the per-symbol pipeline configuration, resolved once from
// config.Config.
type Options struct {
	Indicators []indicator.TFIndicatorConfig
	Engine     indicator.EngineOptions
	Timeframes []int

	Profile          profile.Params
	TPOBlock         time.Duration
	ProfileMaxPoints int // distinct price points per profile session

	CVDInterval     time.Duration
	CVDTimeframes   []time.Duration
	CVDMaxPeriods   int
	CVDMaxPoints    int
	AlertBufferSize int

	CorrelationTF int
	QueueSize     int // per-symbol event queue
}

// OptionsFromConfig resolves pipeline options from a validated config.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	inds, err := cfg.IndicatorConfigs()
	if err != nil {
		return Options{}, err
	}
	interval, err := cfg.CVDInterval()
	if err != nil {
		return Options{}, err
	}
	tfs, err := cfg.CVDTimeframes()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Indicators:       inds,
		Engine:           indicator.EngineOptions{MaxPoints: cfg.Indicators.MaxPoints, TailSize: cfg.Indicators.TailSize},
		Timeframes:       cfg.Timeframes,
		Profile:          cfg.ProfileParams(),
		TPOBlock:         cfg.TPOBlock(),
		ProfileMaxPoints: cfg.Profile.MaxPoints,
		CVDInterval:      interval,
		CVDTimeframes:    tfs,
		CVDMaxPeriods:    cfg.CVD.MaxPeriods,
		CVDMaxPoints:     cfg.CVD.MaxPoints,
		AlertBufferSize:  cfg.CVD.AlertBufferSize,
		CorrelationTF:    cfg.Correlation.TF,
		QueueSize:        4096,
	}, nil
}

// Outcome reports what one event changed.
type Outcome struct {
	Closed []model.Candle // candles closed by the event, oldest first
	Alerts []cvd.Alert
	Late   int // timeframes that rejected the trade as late
}

// Pipeline holds every analytic of one symbol: candle builder, indicator
// engine, volume/market profile session and CVD tracker. A pipeline is
// owned by exactly one goroutine.
type Pipeline struct {
	symbol string
	opts   *Options

	engine  *indicator.Engine
	builder *candles.Builder
	session *profile.Session
	tracker *cvd.Tracker
	agg     *cvd.Aggregator
	alerts  *cvd.AlertBuffer

	latest    map[string]indicator.Result // by request key, closed or live
	lastPrice float64
	lastEvent time.Time
	trades    int64
	version   uint64

	// Observe receives per-component compute timings (optional).
	Observe func(component string, start time.Time)
}

// NewPipeline creates the pipeline for symbol. A nil engine starts cold.
func NewPipeline(symbol string, opts *Options, engine *indicator.Engine) (*Pipeline, error) {
	if symbol == "" {
		return nil, errors.New("analytics: empty symbol")
	}
	b, err := candles.New(opts.Timeframes)
	if err != nil {
		return nil, err
	}
	agg, err := cvd.NewAggregator(symbol, opts.CVDTimeframes, opts.CVDMaxPeriods)
	if err != nil {
		return nil, err
	}
	session, err := profile.NewSession(opts.Profile, time.Time{}, opts.TPOBlock, opts.ProfileMaxPoints)
	if err != nil {
		return nil, err
	}
	seeded := engine != nil
	if !seeded {
		engine = indicator.NewEngine(opts.Indicators, opts.Engine)
	}
	p := &Pipeline{
		symbol:  symbol,
		opts:    opts,
		engine:  engine,
		builder: b,
		session: session,
		tracker: cvd.NewTracker(symbol, opts.CVDInterval, opts.CVDMaxPoints),
		agg:     agg,
		alerts:  cvd.NewAlertBuffer(opts.AlertBufferSize),
		latest:  make(map[string]indicator.Result, 16),
	}
	if seeded {
		p.seed()
	}
	return p, nil
}

// seed fills the latest results from a restored engine's series.
func (p *Pipeline) seed() {
	for _, req := range p.engine.Requests() {
		st, ok := p.engine.Stream(req)
		if !ok || st.Len() == 0 {
			continue
		}
		s := st.Series()
		r := indicator.Result{
			Key:     req.Key(),
			Symbol:  req.Symbol,
			TF:      req.TF,
			Type:    s.Type,
			Outputs: st.Outputs(),
			Ready:   true,
		}
		for _, l := range s.Lines {
			last := l.Points[len(l.Points)-1]
			r.Points = append(r.Points, last)
			r.Time = last.Time
		}
		p.latest[r.Key] = r
	}
}

// Symbol returns the pipeline symbol.
func (p *Pipeline) Symbol() string { return p.symbol }

// Engine returns the indicator engine.
func (p *Pipeline) Engine() *indicator.Engine { return p.engine }

// Version increases on every accepted event, reset or session roll.
func (p *Pipeline) Version() uint64 { return p.version }

// HandleTrade folds one trade into every analytic. A malformed trade or a
// trade for another symbol is rejected before any state changes.
func (p *Pipeline) HandleTrade(t model.Trade) (Outcome, error) {
	var out Outcome
	if err := t.Validate(); err != nil {
		return out, err
	}
	if t.Symbol != p.symbol {
		return out, fmt.Errorf("analytics: trade for %s routed to %s", t.Symbol, p.symbol)
	}

	start := time.Now()
	late := p.builder.Late()
	updates, err := p.builder.Add(t)
	if err != nil {
		return out, err
	}
	out.Late = p.builder.Late() - late
	for _, u := range updates {
		if u.Closed {
			if err := p.closeCandle(u.Candle); err == nil {
				out.Closed = append(out.Closed, u.Candle)
			}
			continue
		}
		p.keep(p.engine.ProcessPeek(u.Candle))
	}
	p.observe(metrics.ComponentIndicator, start)

	start = time.Now()
	if err := p.session.Add(t); err != nil {
		return out, err
	}
	p.observe(metrics.ComponentProfile, start)

	start = time.Now()
	_, alerts, err := p.tracker.Ingest(t)
	if err != nil {
		return out, err
	}
	if err := p.agg.Ingest(t); err != nil {
		return out, err
	}
	if len(alerts) > 0 {
		p.alerts.Add(alerts...)
		out.Alerts = alerts
	}
	p.observe(metrics.ComponentCVD, start)

	p.lastPrice = t.Price
	p.lastEvent = t.Timestamp
	p.trades++
	p.version++
	return out, nil
}

// HandleCandle processes an upstream closed candle.
func (p *Pipeline) HandleCandle(c model.Candle) (Outcome, error) {
	if c.Symbol != p.symbol {
		return Outcome{}, fmt.Errorf("analytics: candle for %s routed to %s", c.Symbol, p.symbol)
	}
	if err := p.closeCandle(c); err != nil {
		return Outcome{}, err
	}
	p.lastPrice = c.Close
	p.lastEvent = c.Time
	p.version++
	return Outcome{Closed: []model.Candle{c}}, nil
}

func (p *Pipeline) observe(component string, start time.Time) {
	if p.Observe != nil {
		p.Observe(component, start)
	}
}

func (p *Pipeline) closeCandle(c model.Candle) error {
	results, err := p.engine.Process(c)
	if err != nil {
		return err
	}
	p.keep(results)
	return nil
}

func (p *Pipeline) keep(results []indicator.Result) {
	for _, r := range results {
		p.latest[r.Key] = r
	}
}

// Flush closes forming candles whose bucket ended at or before now and
// runs them through the indicators.
func (p *Pipeline) Flush(now time.Time) []model.Candle {
	flushed := p.builder.Flush(now)
	closed := flushed[:0]
	for _, c := range flushed {
		if p.closeCandle(c) == nil {
			closed = append(closed, c)
		}
	}
	if len(closed) > 0 {
		p.version++
	}
	return closed
}

// Warm replays historical closed candles into the indicator engine.
// Returns how many were accepted.
func (p *Pipeline) Warm(history []model.Candle) int {
	n := 0
	for _, c := range history {
		if p.closeCandle(c) == nil {
			n++
		}
	}
	if n > 0 {
		p.version++
	}
	return n
}

// Reset drops all state that assumed a continuous stream. Indicator
// subscriptions survive; their series restart empty.
func (p *Pipeline) Reset(sessionStart time.Time) {
	p.engine.ResetSymbol(p.symbol)
	p.builder.Reset(p.symbol)
	p.session.Reset(sessionStart)
	p.tracker.Reset()
	p.agg.Reset()
	p.latest = make(map[string]indicator.Result, len(p.latest))
	p.lastPrice = 0
	p.version++
}

// RollSession starts a new profile session. Indicators and CVD continue.
func (p *Pipeline) RollSession(start time.Time) {
	p.session.Reset(start)
	p.version++
}

// CVDSummary is the CVD part of a snapshot.
type CVDSummary struct {
	CumulativeDelta float64                `json:"cumulativeDelta"`
	Last            *cvd.Point             `json:"last,omitempty"`
	Points          []cvd.Point            `json:"points"`
	Timeframes      map[string][]cvd.Point `json:"timeframes"`
}

// Snapshot is the immutable per-symbol view published to consumers.
type Snapshot struct {
	Symbol        string                 `json:"symbol"`
	Version       uint64                 `json:"version"`
	UpdatedAt     time.Time              `json:"updatedAt"`
	LastPrice     float64                `json:"lastPrice"`
	Trades        int64                  `json:"trades"`
	Forming       []model.Candle         `json:"forming"`
	Indicators    []indicator.Result     `json:"indicators"`
	Profile       profile.Profile        `json:"profile"`
	MarketProfile *profile.MarketProfile `json:"marketProfile,omitempty"`
	CVD           CVDSummary             `json:"cvd"`
	Alerts        []cvd.Alert            `json:"alerts"`
}

// recentAlerts bounds the alerts carried in a snapshot.
const recentAlerts = 20

// Snapshot copies the current state. The returned value shares nothing
// with the pipeline.
func (p *Pipeline) Snapshot() Snapshot {
	s := Snapshot{
		Symbol:     p.symbol,
		Version:    p.version,
		UpdatedAt:  p.lastEvent,
		LastPrice:  p.lastPrice,
		Trades:     p.trades,
		Forming:    make([]model.Candle, 0, len(p.opts.Timeframes)),
		Indicators: make([]indicator.Result, 0, len(p.latest)),
		Profile:    p.session.Snapshot(),
		CVD: CVDSummary{
			CumulativeDelta: p.tracker.CumulativeDelta(),
			Points:          p.tracker.Points(),
			Timeframes:      p.agg.All(),
		},
		Alerts: p.alerts.Recent(recentAlerts),
	}
	for _, tf := range p.builder.TFs() {
		if c, ok := p.builder.Forming(p.symbol, tf); ok {
			s.Forming = append(s.Forming, c)
		}
	}
	for _, r := range p.latest {
		s.Indicators = append(s.Indicators, r)
	}
	sort.Slice(s.Indicators, func(i, j int) bool {
		if s.Indicators[i].TF != s.Indicators[j].TF {
			return s.Indicators[i].TF < s.Indicators[j].TF
		}
		return s.Indicators[i].Key < s.Indicators[j].Key
	})
	if mp, err := p.session.MarketProfile(); err == nil {
		s.MarketProfile = &mp
	}
	if last, ok := p.tracker.Last(); ok {
		s.CVD.Last = &last
	}
	return s
}
