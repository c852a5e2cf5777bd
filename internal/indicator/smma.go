package indicator

import "microstructure-v1/internal/model"

// SMMA calculates Smoothed Moving Average (Wilder-style smoothing).
// First value is SMA(period), then SMMA = (prev*(period-1) + x) / period.
// ATR and RSI are built on the same recurrence.
type SMMA struct {
	period  int
	count   int
	sum     float64
	current float64
}

// NewSMMA creates a new SMMA indicator with the given period.
func NewSMMA(period int) *SMMA {
	return &SMMA{period: period}
}

func (s *SMMA) Name() string      { return TypeSMMA }
func (s *SMMA) Outputs() []string { return []string{"value"} }

func (s *SMMA) Update(candle model.Candle) { s.Push(candle.Close) }

// Push folds a raw value into the average.
func (s *SMMA) Push(x float64) {
	s.count++

	if s.count <= s.period {
		// Accumulate for initial SMA seed
		s.sum += x
		if s.count == s.period {
			s.current = s.sum / float64(s.period)
		}
		return
	}

	s.current = (s.current*float64(s.period-1) + x) / float64(s.period)
}

func (s *SMMA) Value() float64    { return s.current }
func (s *SMMA) Values() []float64 { return []float64{s.current} }
func (s *SMMA) Ready() bool       { return s.count >= s.period }

// PeekValue computes what Value() would be with x appended, without mutating state.
func (s *SMMA) PeekValue(x float64) float64 {
	if s.count < s.period {
		return (s.sum + x) / float64(s.count+1)
	}
	return (s.current*float64(s.period-1) + x) / float64(s.period)
}

func (s *SMMA) Peek(candle model.Candle) []float64 {
	return []float64{s.PeekValue(candle.Close)}
}

func (s *SMMA) Clone() Indicator { c := *s; return &c }

// Reset clears the SMMA state for reuse.
func (s *SMMA) Reset() {
	s.count = 0
	s.sum = 0
	s.current = 0
}
