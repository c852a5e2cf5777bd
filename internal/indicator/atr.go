package indicator

import "microstructure-v1/internal/model"

// ATR is Wilder's Average True Range: the SMMA of true range, seeded with
// the mean of the first period true ranges. The first bar has no previous
// close, so its true range is H−L.
type ATR struct {
	avg       *SMMA
	prevClose float64
	hasPrev   bool
}

// NewATR creates an Average True Range over period.
func NewATR(period int) *ATR {
	return &ATR{avg: NewSMMA(period)}
}

func (a *ATR) Name() string      { return TypeATR }
func (a *ATR) Outputs() []string { return []string{"value"} }

func (a *ATR) Update(candle model.Candle) {
	a.avg.Push(trueRange(candle, a.prevClose, a.hasPrev))
	a.prevClose = candle.Close
	a.hasPrev = true
}

func (a *ATR) Values() []float64 { return []float64{a.avg.Value()} }
func (a *ATR) Ready() bool       { return a.avg.Ready() }

func (a *ATR) Peek(candle model.Candle) []float64 {
	return []float64{a.avg.PeekValue(trueRange(candle, a.prevClose, a.hasPrev))}
}

func (a *ATR) Clone() Indicator {
	c := *a
	c.avg = a.avg.Clone().(*SMMA)
	return &c
}

func (a *ATR) Reset() {
	a.avg.Reset()
	a.prevClose = 0
	a.hasPrev = false
}
