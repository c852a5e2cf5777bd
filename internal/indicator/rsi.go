package indicator

import "microstructure-v1/internal/model"

// RSI calculates the Relative Strength Index using Wilder's smoothing method.
// Update is O(1) per candle, no history scans.
type RSI struct {
	period    int
	count     int
	prevClose float64
	avgGain   float64
	avgLoss   float64
	current   float64
}

// NewRSI creates a new RSI indicator with the given period (typically 14).
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string      { return TypeRSI }
func (r *RSI) Outputs() []string { return []string{"value"} }

func (r *RSI) Update(candle model.Candle) { r.Push(candle.Close) }

// Push folds a raw close into the oscillator.
func (r *RSI) Push(price float64) {
	r.count++

	if r.count == 1 {
		// First value: just record price, no delta yet
		r.prevClose = price
		return
	}

	gain, loss := splitDelta(price - r.prevClose)
	r.prevClose = price

	if r.count <= r.period+1 {
		// Accumulation phase: build initial averages
		r.avgGain += gain
		r.avgLoss += loss

		if r.count == r.period+1 {
			// First RSI value using SMA seed
			r.avgGain /= float64(r.period)
			r.avgLoss /= float64(r.period)
			r.current = rsiFrom(r.avgGain, r.avgLoss)
		}
		return
	}

	// Wilder's smoothing: avg = (prevAvg * (period-1) + x) / period
	p := float64(r.period)
	r.avgGain = (r.avgGain*(p-1) + gain) / p
	r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	r.current = rsiFrom(r.avgGain, r.avgLoss)
}

func (r *RSI) Value() float64    { return r.current }
func (r *RSI) Values() []float64 { return []float64{r.current} }
func (r *RSI) Ready() bool       { return r.count > r.period }

// PeekValue computes what RSI would be with an additional close without mutating state.
func (r *RSI) PeekValue(price float64) float64 {
	if r.count < r.period {
		return r.current
	}
	gain, loss := splitDelta(price - r.prevClose)
	p := float64(r.period)
	if r.count == r.period {
		// The next close completes the seed window.
		return rsiFrom((r.avgGain+gain)/p, (r.avgLoss+loss)/p)
	}
	return rsiFrom((r.avgGain*(p-1)+gain)/p, (r.avgLoss*(p-1)+loss)/p)
}

func (r *RSI) Peek(candle model.Candle) []float64 {
	return []float64{r.PeekValue(candle.Close)}
}

func (r *RSI) Clone() Indicator { c := *r; return &c }

// Reset clears the RSI state for reuse.
func (r *RSI) Reset() { *r = RSI{period: r.period} }

func splitDelta(delta float64) (gain, loss float64) {
	if delta > 0 {
		return delta, 0
	}
	return 0, -delta
}

// rsiFrom maps average gain/loss to [0, 100]; avgLoss == 0 yields 100.
func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}
