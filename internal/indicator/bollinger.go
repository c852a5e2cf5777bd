package indicator

import (
	"math"

	"microstructure-v1/internal/model"
)

// Bollinger reports SMA(period) ± k·σ, σ being the population standard
// deviation over the same window. With σ = 0 the bands collapse onto the middle.
type Bollinger struct {
	sma *SMA
	k   float64
}

// NewBollinger creates Bollinger Bands with the given period and width k.
func NewBollinger(period int, k float64) *Bollinger {
	return &Bollinger{sma: NewSMA(period), k: k}
}

func (b *Bollinger) Name() string      { return TypeBollinger }
func (b *Bollinger) Outputs() []string { return []string{"middle", "upper", "lower"} }

func (b *Bollinger) Update(candle model.Candle) { b.sma.Push(candle.Close) }

func (b *Bollinger) Values() []float64 {
	mid := b.sma.Value()
	if !b.Ready() {
		return []float64{mid, mid, mid}
	}
	// Two-pass population variance over the window.
	var ss float64
	for i := 0; i < b.sma.win.Len(); i++ {
		d := b.sma.win.At(i) - mid
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(b.sma.period))
	return []float64{mid, mid + b.k*sd, mid - b.k*sd}
}

func (b *Bollinger) Ready() bool { return b.sma.Ready() }

func (b *Bollinger) Peek(candle model.Candle) []float64 { return peekByClone(b, candle) }

func (b *Bollinger) Clone() Indicator {
	return &Bollinger{sma: b.sma.clone(), k: b.k}
}

func (b *Bollinger) Reset() { b.sma.Reset() }
