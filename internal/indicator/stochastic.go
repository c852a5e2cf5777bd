package indicator

import (
	"microstructure-v1/internal/model"
	"microstructure-v1/internal/ringbuf"
)

// rangeWindow tracks highs, lows and the latest close over a fixed lookback.
type rangeWindow struct {
	highs *ringbuf.Window[float64]
	lows  *ringbuf.Window[float64]
	close float64
}

func newRangeWindow(period int) rangeWindow {
	return rangeWindow{
		highs: ringbuf.New[float64](period),
		lows:  ringbuf.New[float64](period),
	}
}

func (r *rangeWindow) push(c model.Candle) {
	r.highs.Push(c.High)
	r.lows.Push(c.Low)
	r.close = c.Close
}

func (r *rangeWindow) ready() bool { return r.highs.Full() }

func (r *rangeWindow) extremes() (hh, ll float64) {
	hh, ll = r.highs.At(0), r.lows.At(0)
	for i := 1; i < r.highs.Len(); i++ {
		hh = max(hh, r.highs.At(i))
		ll = min(ll, r.lows.At(i))
	}
	return hh, ll
}

func (r *rangeWindow) clone() rangeWindow {
	return rangeWindow{highs: r.highs.Clone(), lows: r.lows.Clone(), close: r.close}
}

func (r *rangeWindow) reset() {
	r.highs.Reset()
	r.lows.Reset()
	r.close = 0
}

// Stochastic reports %K over kPeriod and %D = SMA(dPeriod) of %K.
// A flat range (HH == LL) yields %K = 50.
type Stochastic struct {
	rw rangeWindow
	d  *SMA
	k  float64
}

// NewStochastic creates a Stochastic(kPeriod, dPeriod) oscillator.
func NewStochastic(kPeriod, dPeriod int) *Stochastic {
	return &Stochastic{rw: newRangeWindow(kPeriod), d: NewSMA(dPeriod)}
}

func (s *Stochastic) Name() string      { return TypeStochastic }
func (s *Stochastic) Outputs() []string { return []string{"k", "d"} }

func (s *Stochastic) Update(candle model.Candle) {
	s.rw.push(candle)
	if !s.rw.ready() {
		return
	}
	hh, ll := s.rw.extremes()
	s.k = 50
	if hh > ll {
		s.k = (s.rw.close - ll) / (hh - ll) * 100
	}
	s.d.Push(s.k)
}

func (s *Stochastic) Values() []float64 { return []float64{s.k, s.d.Value()} }
func (s *Stochastic) Ready() bool       { return s.d.Ready() }

func (s *Stochastic) Peek(candle model.Candle) []float64 { return peekByClone(s, candle) }

func (s *Stochastic) Clone() Indicator {
	return &Stochastic{rw: s.rw.clone(), d: s.d.clone(), k: s.k}
}

func (s *Stochastic) Reset() {
	s.rw.reset()
	s.d.Reset()
	s.k = 0
}

// WilliamsR reports (HH − close) / (HH − LL) × −100 over period.
// A flat range yields −50.
type WilliamsR struct {
	rw    rangeWindow
	value float64
}

// NewWilliamsR creates a Williams %R oscillator.
func NewWilliamsR(period int) *WilliamsR {
	return &WilliamsR{rw: newRangeWindow(period)}
}

func (w *WilliamsR) Name() string      { return TypeWilliamsR }
func (w *WilliamsR) Outputs() []string { return []string{"value"} }

func (w *WilliamsR) Update(candle model.Candle) {
	w.rw.push(candle)
	if !w.rw.ready() {
		return
	}
	hh, ll := w.rw.extremes()
	w.value = -50
	if hh > ll {
		w.value = (hh - w.rw.close) / (hh - ll) * -100
	}
}

func (w *WilliamsR) Values() []float64 { return []float64{w.value} }
func (w *WilliamsR) Ready() bool       { return w.rw.ready() }

func (w *WilliamsR) Peek(candle model.Candle) []float64 { return peekByClone(w, candle) }

func (w *WilliamsR) Clone() Indicator {
	return &WilliamsR{rw: w.rw.clone(), value: w.value}
}

func (w *WilliamsR) Reset() {
	w.rw.reset()
	w.value = 0
}
