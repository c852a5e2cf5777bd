// Package indicator provides technical indicator calculations over candle data.
//
// Every indicator is an incremental state machine: Update folds one completed
// candle in O(1) (or O(period) for window extremes), Values reports the latest
// outputs, and Peek previews a forming candle without mutating state. The
// batch form Compute is a thin loop over the same state machines, so batch and
// streaming results are identical by construction.
package indicator

import (
	"math"

	"microstructure-v1/internal/model"
)

// Indicator is the interface for all technical indicators.
type Indicator interface {
	// Name returns the indicator type (e.g., "SMA", "MACD").
	Name() string

	// Outputs names the values reported by Values, in order.
	Outputs() []string

	// Update feeds a new completed candle and recalculates.
	Update(candle model.Candle)

	// Values returns the current outputs, aligned with Outputs.
	// Values are meaningless until Ready.
	Values() []float64

	// Ready returns true when enough data has been accumulated.
	Ready() bool

	// Peek computes what Values() would be if candle were added next,
	// WITHOUT mutating internal state.
	Peek(candle model.Candle) []float64

	// Clone returns an independent deep copy of the state.
	Clone() Indicator

	// Reset clears all accumulated state.
	Reset()
}

// Tagger is implemented by indicators that attach a display attribute to
// some outputs (MACD histogram sign). Empty strings mean no tag.
type Tagger interface {
	Tags() []string
}

// peekByClone is the Peek implementation shared by composite indicators.
func peekByClone(ind Indicator, candle model.Candle) []float64 {
	c := ind.Clone()
	c.Update(candle)
	return c.Values()
}

// trueRange is max(H-L, |H-prevClose|, |L-prevClose|); without a previous
// close it degrades to H-L.
func trueRange(c model.Candle, prevClose float64, hasPrev bool) float64 {
	tr := c.High - c.Low
	if !hasPrev {
		return tr
	}
	return math.Max(tr, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
}

// signTag returns "positive", "negative" or "zero" for v.
func signTag(v float64) string {
	switch {
	case v > 0:
		return "positive"
	case v < 0:
		return "negative"
	default:
		return "zero"
	}
}
