package indicator

import (
	"context"
	"time"

	"microstructure-v1/internal/model"
	"microstructure-v1/internal/ringbuf"
)

// TFIndicatorConfig groups the indicators subscribed by default for every
// symbol on a timeframe.
type TFIndicatorConfig struct {
	TF         int      `json:"tf" yaml:"tf"` // timeframe in seconds
	Indicators []Config `json:"indicators" yaml:"indicators"`
}

// Request identifies one indicator series: symbol, timeframe and parameters.
type Request struct {
	Symbol string `json:"symbol"`
	TF     int    `json:"tf"`
	Config Config `json:"config"`
}

// SeriesKey returns "symbol:tf", matching model.Candle.Key.
func (r Request) SeriesKey() string { return model.SeriesKey(r.Symbol, r.TF) }

// Key returns the request identity, e.g. "BTCUSDT:60:RSI_14".
func (r Request) Key() string { return r.SeriesKey() + ":" + r.Config.Key() }

// Result is the latest output of one request after a candle.
type Result struct {
	Key     string    `json:"key"`
	Symbol  string    `json:"symbol"`
	TF      int       `json:"tf"`
	Type    string    `json:"type"`
	Outputs []string  `json:"outputs"`
	Points  []Point   `json:"points"`
	Time    time.Time `json:"time"`
	Ready   bool      `json:"ready"`
	Live    bool      `json:"live,omitempty"` // computed from a forming candle
}

// EngineOptions bounds retained history.
type EngineOptions struct {
	// MaxPoints caps the points retained per series (0 = unbounded).
	MaxPoints int
	// TailSize is the minimum number of recent candles kept per symbol/TF for
	// warming late subscriptions and for checkpoints. It grows to cover the
	// largest warmup of any subscribed indicator.
	TailSize int
}

type entry struct {
	req      Request
	stream   *Stream
	explicit bool // subscribed by a caller rather than by TF defaults
}

// Engine computes indicators across timeframes and symbols.
// Designed for single-goroutine usage, no locks needed.
type Engine struct {
	opts    EngineOptions
	configs []TFIndicatorConfig
	tfIndex map[int]int

	entries   map[string]*entry   // request key → entry
	bySeries  map[string][]*entry // "symbol:tf" → entries, subscription order
	defaulted map[string]bool     // series that received the TF defaults
	tails     map[string]*ringbuf.Window[model.Candle]
}

// NewEngine creates an indicator engine with the given per-TF default configs.
func NewEngine(configs []TFIndicatorConfig, opts EngineOptions) *Engine {
	e := &Engine{
		opts:      opts,
		entries:   make(map[string]*entry, 64),
		bySeries:  make(map[string][]*entry, 16),
		defaulted: make(map[string]bool, 16),
		tails:     make(map[string]*ringbuf.Window[model.Candle], 16),
	}
	e.setConfigs(configs)
	return e
}

func (e *Engine) setConfigs(configs []TFIndicatorConfig) {
	e.configs = configs
	e.tfIndex = make(map[int]int, len(configs))
	for i, cfg := range configs {
		e.tfIndex[cfg.TF] = i
	}
}

// Subscribe registers a request. Duplicate requests are idempotent and
// return the existing stream with created=false. A new stream is warmed
// from the retained candle tail of its symbol/TF.
func (e *Engine) Subscribe(req Request) (s *Stream, created bool, err error) {
	return e.subscribe(req, true)
}

func (e *Engine) subscribe(req Request, explicit bool) (*Stream, bool, error) {
	req.Config = req.Config.Normalize()
	key := req.Key()
	if en, ok := e.entries[key]; ok {
		en.explicit = en.explicit || explicit
		return en.stream, false, nil
	}
	st, err := NewStream(req.Config, e.opts.MaxPoints)
	if err != nil {
		return nil, false, err
	}
	sk := req.SeriesKey()
	if tail := e.tails[sk]; tail != nil {
		for i := 0; i < tail.Len(); i++ {
			st.Update(tail.At(i))
		}
	}
	en := &entry{req: req, stream: st, explicit: explicit}
	e.entries[key] = en
	e.bySeries[sk] = append(e.bySeries[sk], en)
	e.growTail(sk)
	return st, true, nil
}

// Unsubscribe drops a request. Returns false if it was not subscribed.
func (e *Engine) Unsubscribe(req Request) bool {
	key := req.Key()
	en, ok := e.entries[key]
	if !ok {
		return false
	}
	e.remove(en)
	return true
}

func (e *Engine) remove(en *entry) {
	delete(e.entries, en.req.Key())
	sk := en.req.SeriesKey()
	list := e.bySeries[sk]
	for i, x := range list {
		if x == en {
			e.bySeries[sk] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
}

// Stream returns the stream for a request, if subscribed.
func (e *Engine) Stream(req Request) (*Stream, bool) {
	req.Config = req.Config.Normalize()
	en, ok := e.entries[req.Key()]
	if !ok {
		return nil, false
	}
	return en.stream, true
}

// Series returns a copy of every series subscribed for symbol/tf, keyed by
// indicator key.
func (e *Engine) Series(symbol string, tf int) map[string]Series {
	sk := model.SeriesKey(symbol, tf)
	out := make(map[string]Series, len(e.bySeries[sk]))
	for _, en := range e.bySeries[sk] {
		out[en.req.Config.Key()] = en.stream.Series()
	}
	return out
}

// Requests lists every subscribed request.
func (e *Engine) Requests() []Request {
	out := make([]Request, 0, len(e.entries))
	for _, list := range e.bySeries {
		for _, en := range list {
			out = append(out, en.req)
		}
	}
	return out
}

// Process takes a completed candle and updates every indicator subscribed
// for its symbol/TF. The first candle of a symbol/TF subscribes the TF's
// default indicators. Returns results for all streams, including not-ready
// ones (Ready=false). A malformed or out-of-order candle is rejected and no
// state changes.
func (e *Engine) Process(c model.Candle) ([]Result, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	sk := c.Key()
	tail := e.tails[sk]
	if tail != nil {
		if last, ok := tail.Last(); ok && c.Time.Before(last.Time) {
			return nil, ErrOutOfOrder
		}
	}
	if !e.defaulted[sk] {
		e.defaulted[sk] = true
		if idx, ok := e.tfIndex[c.TF]; ok {
			for _, cfg := range e.configs[idx].Indicators {
				if _, _, err := e.subscribe(Request{Symbol: c.Symbol, TF: c.TF, Config: cfg}, false); err != nil {
					return nil, err
				}
			}
		}
	}
	e.pushTail(sk, c)

	list := e.bySeries[sk]
	results := make([]Result, 0, len(list))
	for _, en := range list {
		pts, err := en.stream.Update(c)
		if err != nil {
			continue
		}
		results = append(results, e.result(en, c.Time, pts, false))
	}
	return results, nil
}

// ProcessPeek computes live values for a forming candle using Peek.
// Does NOT mutate indicator state. Returns nil for a symbol/TF with no
// completed candle yet.
func (e *Engine) ProcessPeek(c model.Candle) []Result {
	list, ok := e.bySeries[c.Key()]
	if !ok || e.tails[c.Key()] == nil || c.Validate() != nil {
		return nil
	}
	results := make([]Result, 0, len(list))
	for _, en := range list {
		pts, _ := en.stream.Peek(c)
		results = append(results, e.result(en, c.Time, pts, true))
	}
	return results
}

func (e *Engine) result(en *entry, t time.Time, pts []Point, live bool) Result {
	return Result{
		Key:     en.req.Key(),
		Symbol:  en.req.Symbol,
		TF:      en.req.TF,
		Type:    en.req.Config.Type,
		Outputs: en.stream.Outputs(),
		Points:  pts,
		Time:    t,
		Ready:   pts != nil,
		Live:    live,
	}
}

// ResetSymbol clears all state for a symbol, keeping its subscriptions.
// Used when the upstream feed reconnected and continuity is lost.
func (e *Engine) ResetSymbol(symbol string) {
	for sk, list := range e.bySeries {
		if !sameSymbol(sk, symbol) {
			continue
		}
		for _, en := range list {
			en.stream.Reset()
		}
		if tail := e.tails[sk]; tail != nil {
			tail.Reset()
		}
	}
}

func sameSymbol(seriesKey, symbol string) bool {
	return len(seriesKey) > len(symbol) && seriesKey[:len(symbol)] == symbol && seriesKey[len(symbol)] == ':'
}

// Tail returns the retained recent candles for symbol/tf, oldest first.
func (e *Engine) Tail(symbol string, tf int) []model.Candle {
	if tail := e.tails[model.SeriesKey(symbol, tf)]; tail != nil {
		return tail.Slice()
	}
	return nil
}

// Run consumes completed candles and emits indicator results. Blocks until
// ctx is done or candles is closed.
func (e *Engine) Run(ctx context.Context, candles <-chan model.Candle, resultCh chan<- Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candles:
			if !ok {
				return
			}
			results, err := e.Process(c)
			if err != nil {
				continue
			}
			for _, r := range results {
				select {
				case resultCh <- r:
				default:
					// drop if channel full
				}
			}
		}
	}
}

func (e *Engine) tailSize(sk string) int {
	n := e.opts.TailSize
	for _, en := range e.bySeries[sk] {
		if w := en.req.Config.Warmup(); w > n {
			n = w
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (e *Engine) growTail(sk string) {
	tail := e.tails[sk]
	want := e.tailSize(sk)
	if tail == nil || tail.Cap() >= want {
		return
	}
	grown := ringbuf.New[model.Candle](want)
	for i := 0; i < tail.Len(); i++ {
		grown.Push(tail.At(i))
	}
	e.tails[sk] = grown
}

func (e *Engine) pushTail(sk string, c model.Candle) {
	tail := e.tails[sk]
	if tail == nil {
		tail = ringbuf.New[model.Candle](e.tailSize(sk))
		e.tails[sk] = tail
	}
	if last, ok := tail.Last(); ok && last.Time.Equal(c.Time) {
		tail.SetLast(c)
		return
	}
	tail.Push(c)
}
