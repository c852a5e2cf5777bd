package indicator

import "microstructure-v1/internal/model"

// EMA calculates Exponential Moving Average, seeded with the SMA of the
// first period values. O(1) per update, no window storage needed.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Name() string      { return TypeEMA }
func (e *EMA) Outputs() []string { return []string{"value"} }

func (e *EMA) Update(candle model.Candle) { e.Push(candle.Close) }

// Push folds a raw value into the average.
func (e *EMA) Push(x float64) {
	e.count++

	if e.count <= e.period {
		// Accumulate for initial SMA seed
		e.sum += x
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return
	}

	// EMA = (x * k) + (EMA_prev * (1 - k))
	e.current = (x * e.multiplier) + (e.current * (1 - e.multiplier))
}

func (e *EMA) Value() float64    { return e.current }
func (e *EMA) Values() []float64 { return []float64{e.current} }
func (e *EMA) Ready() bool       { return e.count >= e.period }

// PeekValue computes what Value() would be with x appended, without mutating state.
func (e *EMA) PeekValue(x float64) float64 {
	switch {
	case e.count+1 < e.period:
		return (e.sum + x) / float64(e.count+1)
	case e.count+1 == e.period:
		return (e.sum + x) / float64(e.period)
	}
	return (x * e.multiplier) + (e.current * (1 - e.multiplier))
}

func (e *EMA) Peek(candle model.Candle) []float64 {
	return []float64{e.PeekValue(candle.Close)}
}

func (e *EMA) Clone() Indicator { c := *e; return &c }

// Reset clears the EMA state for reuse.
func (e *EMA) Reset() {
	e.current = 0
	e.count = 0
	e.sum = 0
}
