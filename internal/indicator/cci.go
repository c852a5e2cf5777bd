package indicator

import (
	"math"

	"microstructure-v1/internal/model"
)

// cciConstant is Lambert's scaling constant.
const cciConstant = 0.015

// CCI is (TP − SMA(TP)) / (0.015 × meanAbsoluteDeviation(TP)) with
// TP = (H+L+C)/3. A zero deviation yields 0.
type CCI struct {
	tp    *SMA
	value float64
}

// NewCCI creates a Commodity Channel Index over period.
func NewCCI(period int) *CCI {
	return &CCI{tp: NewSMA(period)}
}

func (c *CCI) Name() string      { return TypeCCI }
func (c *CCI) Outputs() []string { return []string{"value"} }

func (c *CCI) Update(candle model.Candle) {
	tp := candle.TypicalPrice()
	c.tp.Push(tp)
	if !c.tp.Ready() {
		return
	}
	mean := c.tp.Value()
	var dev float64
	for i := 0; i < c.tp.win.Len(); i++ {
		dev += math.Abs(c.tp.win.At(i) - mean)
	}
	dev /= float64(c.tp.period)
	c.value = 0
	if dev > 0 {
		c.value = (tp - mean) / (cciConstant * dev)
	}
}

func (c *CCI) Values() []float64 { return []float64{c.value} }
func (c *CCI) Ready() bool       { return c.tp.Ready() }

func (c *CCI) Peek(candle model.Candle) []float64 { return peekByClone(c, candle) }

func (c *CCI) Clone() Indicator { return &CCI{tp: c.tp.clone(), value: c.value} }

func (c *CCI) Reset() {
	c.tp.Reset()
	c.value = 0
}
