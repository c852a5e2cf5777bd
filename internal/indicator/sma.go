package indicator

import (
	"microstructure-v1/internal/model"
	"microstructure-v1/internal/ringbuf"
)

// resyncEvery bounds floating-point drift of the running sum.
const resyncEvery = 4096

// SMA calculates Simple Moving Average over a rolling window.
// Uses a fixed ring buffer and a running sum for an O(1) hot path.
type SMA struct {
	period int
	win    *ringbuf.Window[float64]
	sum    float64
	pushes int
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *SMA {
	return &SMA{
		period: period,
		win:    ringbuf.New[float64](period),
	}
}

func (s *SMA) Name() string      { return TypeSMA }
func (s *SMA) Outputs() []string { return []string{"value"} }

func (s *SMA) Update(candle model.Candle) { s.Push(candle.Close) }

// Push folds a raw value into the average.
func (s *SMA) Push(x float64) {
	if old, evicted := s.win.Push(x); evicted {
		// Subtract the oldest value being overwritten
		s.sum -= old
	}
	s.sum += x
	s.pushes++
	if s.pushes%resyncEvery == 0 {
		s.sum = 0
		for i := 0; i < s.win.Len(); i++ {
			s.sum += s.win.At(i)
		}
	}
}

// Value returns the current average, 0 until Ready.
func (s *SMA) Value() float64 {
	if !s.Ready() {
		return 0
	}
	return s.sum / float64(s.period)
}

func (s *SMA) Values() []float64 { return []float64{s.Value()} }
func (s *SMA) Ready() bool       { return s.win.Len() >= s.period }

// PeekValue computes what Value() would be with x appended, without mutating state.
func (s *SMA) PeekValue(x float64) float64 {
	if !s.Ready() {
		// Not fully ready: return partial average including this value
		return (s.sum + x) / float64(s.win.Len()+1)
	}
	// Preview: replace the oldest value with x
	return (s.sum - s.win.At(0) + x) / float64(s.period)
}

func (s *SMA) Peek(candle model.Candle) []float64 {
	return []float64{s.PeekValue(candle.Close)}
}

func (s *SMA) Clone() Indicator { return s.clone() }

func (s *SMA) clone() *SMA {
	c := *s
	c.win = s.win.Clone()
	return &c
}

// Reset clears the SMA state for reuse.
func (s *SMA) Reset() {
	s.win.Reset()
	s.sum = 0
	s.pushes = 0
}
