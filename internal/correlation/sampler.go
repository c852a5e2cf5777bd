package correlation

import (
	"sort"
	"sync"
	"time"

	"microstructure-v1/internal/ringbuf"
)

// DefaultWindow is the number of samples kept per symbol.
const DefaultWindow = 50

// Sampler keeps a rolling window of timestamped prices per symbol and
// rebuilds the matrix when any window has advanced since the last build.
// Pairs are correlated over the times both symbols sampled, so a symbol
// that skipped a candle is not shifted against its peers. Symbols are
// added on first sample unless they were listed up front.
//
// Sampler is shared by symbol workers and is safe for concurrent use.
type Sampler struct {
	mu         sync.Mutex
	window     int
	minSamples int
	order      []string
	prices     map[string]*ringbuf.Window[Sample]
	version    uint64
	built      uint64
	cached     Matrix
}

// NewSampler creates a sampler. window and minSamples fall back to the
// package defaults when non-positive.
func NewSampler(symbols []string, window, minSamples int) *Sampler {
	if window <= 1 {
		window = DefaultWindow
	}
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	s := &Sampler{
		window:     window,
		minSamples: minSamples,
		prices:     make(map[string]*ringbuf.Window[Sample]),
	}
	for _, sym := range symbols {
		s.ensure(sym)
	}
	s.built = ^uint64(0)
	return s
}

func (s *Sampler) ensure(sym string) *ringbuf.Window[Sample] {
	w, ok := s.prices[sym]
	if !ok {
		w = ringbuf.New[Sample](s.window)
		s.prices[sym] = w
		s.order = append(s.order, sym)
	}
	return w
}

// Add records the price of symbol at time at. A sample at the time of the
// latest one replaces it; an older sample is ignored.
func (s *Sampler) Add(symbol string, at time.Time, price float64) {
	s.mu.Lock()
	if push(s.ensure(symbol), Sample{Time: at, Price: price}) {
		s.version++
	}
	s.mu.Unlock()
}

func push(w *ringbuf.Window[Sample], smp Sample) bool {
	if last, ok := w.Last(); ok {
		switch {
		case smp.Time.Before(last.Time):
			return false
		case smp.Time.Equal(last.Time):
			return w.SetLast(smp)
		}
	}
	w.Push(smp)
	return true
}

// Reset drops the window of one symbol, keeping its place in the matrix.
func (s *Sampler) Reset(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.prices[symbol]; ok {
		w.Reset()
		s.version++
	}
}

// Symbols returns the tracked symbols in matrix order.
func (s *Sampler) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Matrix returns the current correlation matrix, rebuilding it only when
// a sample arrived since the previous call.
func (s *Sampler) Matrix() Matrix {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.built == s.version {
		return s.cached
	}
	series := make([][]Sample, len(s.order))
	for i, sym := range s.order {
		series[i] = s.prices[sym].Slice()
	}
	// lengths always match
	m, _ := ComputeAligned(s.order, series, s.minSamples)
	s.cached, s.built = m, s.version
	return m
}

// Windows copies every sample window, oldest first. Used for checkpoints.
func (s *Sampler) Windows() map[string][]Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]Sample, len(s.prices))
	for sym, w := range s.prices {
		out[sym] = w.Slice()
	}
	return out
}

// Restore replaces the windows from a checkpoint. Symbols unknown to the
// sampler are added in sorted order; samples beyond the window keep the
// most recent ones and out-of-order samples are dropped.
func (s *Sampler) Restore(windows map[string][]Sample) {
	syms := make([]string, 0, len(windows))
	for sym := range windows {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range syms {
		w := s.ensure(sym)
		w.Reset()
		for _, smp := range windows[sym] {
			push(w, smp)
		}
	}
	s.version++
}
