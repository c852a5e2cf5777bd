package indicator

import (
	"math"

	"microstructure-v1/internal/model"
)

// ADX is Wilder's Average Directional Index.
//
// From the second bar on, +DM/−DM and true range are accumulated with
// Wilder's running sums (S = S − S/n + x after the first n values). DX is
// derived from +DI/−DI, and ADX is the Wilder average of DX, seeded with the
// mean of the first n DX values. The first ADX therefore needs 2n bars.
type ADX struct {
	period int

	prev    model.Candle
	hasPrev bool
	bars    int // bars with a directional move (all but the first)

	sumTR, sumPlus, sumMinus float64
	plusDI, minusDI          float64

	dxCount int
	dxSum   float64
	adx     float64
}

// NewADX creates an Average Directional Index over period.
func NewADX(period int) *ADX {
	return &ADX{period: period}
}

func (a *ADX) Name() string      { return TypeADX }
func (a *ADX) Outputs() []string { return []string{"adx", "plusDI", "minusDI"} }

func (a *ADX) Update(candle model.Candle) {
	if !a.hasPrev {
		a.prev = candle
		a.hasPrev = true
		return
	}

	up := candle.High - a.prev.High
	down := a.prev.Low - candle.Low
	var plusDM, minusDM float64
	if up > down && up > 0 {
		plusDM = up
	}
	if down > up && down > 0 {
		minusDM = down
	}
	tr := trueRange(candle, a.prev.Close, true)
	a.prev = candle
	a.bars++

	n := float64(a.period)
	if a.bars <= a.period {
		a.sumTR += tr
		a.sumPlus += plusDM
		a.sumMinus += minusDM
		if a.bars < a.period {
			return
		}
	} else {
		a.sumTR = a.sumTR - a.sumTR/n + tr
		a.sumPlus = a.sumPlus - a.sumPlus/n + plusDM
		a.sumMinus = a.sumMinus - a.sumMinus/n + minusDM
	}

	a.plusDI, a.minusDI = 0, 0
	if a.sumTR > 0 {
		a.plusDI = 100 * a.sumPlus / a.sumTR
		a.minusDI = 100 * a.sumMinus / a.sumTR
	}
	dx := 0.0
	if s := a.plusDI + a.minusDI; s > 0 {
		dx = 100 * math.Abs(a.plusDI-a.minusDI) / s
	}

	a.dxCount++
	switch {
	case a.dxCount < a.period:
		a.dxSum += dx
	case a.dxCount == a.period:
		a.adx = (a.dxSum + dx) / n
	default:
		a.adx = (a.adx*(n-1) + dx) / n
	}
}

func (a *ADX) Values() []float64 { return []float64{a.adx, a.plusDI, a.minusDI} }
func (a *ADX) Ready() bool       { return a.dxCount >= a.period }

func (a *ADX) Peek(candle model.Candle) []float64 { return peekByClone(a, candle) }

func (a *ADX) Clone() Indicator { c := *a; return &c }

func (a *ADX) Reset() { *a = ADX{period: a.period} }
