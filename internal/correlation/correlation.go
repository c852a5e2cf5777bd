// Package correlation computes rolling Pearson correlation matrices over
// per-symbol percentage price changes.
package correlation

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// DefaultMinSamples is the minimum number of aligned changes for a pair.
const DefaultMinSamples = 5

// Summary thresholds.
const (
	strongThreshold  = 0.7
	neutralThreshold = 0.3
)

// Matrix is a symmetric correlation matrix keyed by Symbols. Entries for
// pairs with fewer than MinSamples aligned changes are undefined:
// Defined[i][j] is false and Values[i][j] is 0. The diagonal is always 1.
type Matrix struct {
	Symbols    []string    `json:"symbols"`
	Values     [][]float64 `json:"-"`
	Defined    [][]bool    `json:"-"`
	Samples    [][]int     `json:"samples"`
	MinSamples int         `json:"minSamples"`
	Summary    Summary     `json:"summary"`
}

// Summary counts pairs by strength over defined off-diagonal pairs.
// MeanAbs is the mean |r| of those defined pairs only; pairs below
// MinSamples have no value to average and are counted in Undefined.
type Summary struct {
	StrongPositive int     `json:"strongPositive"`
	StrongNegative int     `json:"strongNegative"`
	Neutral        int     `json:"neutral"`
	MeanAbs        float64 `json:"meanAbs"`
	Pairs          int     `json:"pairs"`
	Undefined      int     `json:"undefined"`
}

// Get returns the correlation between symbols a and b.
func (m Matrix) Get(a, b string) (float64, bool) {
	i, j := m.index(a), m.index(b)
	if i < 0 || j < 0 || !m.Defined[i][j] {
		return 0, false
	}
	return m.Values[i][j], true
}

func (m Matrix) index(sym string) int {
	for i, s := range m.Symbols {
		if s == sym {
			return i
		}
	}
	return -1
}

// MarshalJSON renders undefined entries as null.
func (m Matrix) MarshalJSON() ([]byte, error) {
	type alias Matrix
	cells := make([][]*float64, len(m.Values))
	for i := range m.Values {
		cells[i] = make([]*float64, len(m.Values[i]))
		for j := range m.Values[i] {
			if m.Defined[i][j] {
				v := m.Values[i][j]
				cells[i][j] = &v
			}
		}
	}
	return json.Marshal(struct {
		alias
		Matrix [][]*float64 `json:"matrix"`
	}{alias(m), cells})
}

// PercentChanges converts n prices to n-1 percentage changes. A change from
// a zero price is reported as 0.
func PercentChanges(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prev := prices[i-1]; prev != 0 {
			out[i-1] = (prices[i] - prev) / prev * 100
		}
	}
	return out
}

// Pearson returns the correlation of x and y over their common length,
// 0 when either series has zero variance, clamped to [-1, 1].
func Pearson(x, y []float64) float64 {
	n := min(len(x), len(y))
	if n == 0 {
		return 0
	}
	var mx, my float64
	for i := 0; i < n; i++ {
		mx += x[i]
		my += y[i]
	}
	mx /= float64(n)
	my /= float64(n)

	var num, dx, dy float64
	for i := 0; i < n; i++ {
		a, b := x[i]-mx, y[i]-my
		num += a * b
		dx += a * a
		dy += b * b
	}
	if dx == 0 || dy == 0 {
		return 0
	}
	return math.Max(-1, math.Min(1, num/math.Sqrt(dx*dy)))
}

// Compute builds the matrix for symbols from their price windows
// (priceWindows[i] belongs to symbols[i], oldest first). Pairs are aligned
// on their most recent changes. minSamples <= 0 means DefaultMinSamples.
func Compute(symbols []string, priceWindows [][]float64, minSamples int) (Matrix, error) {
	if len(symbols) != len(priceWindows) {
		return Matrix{}, fmt.Errorf("correlation: %d symbols but %d price windows", len(symbols), len(priceWindows))
	}
	changes := make([][]float64, len(symbols))
	for i, w := range priceWindows {
		changes[i] = PercentChanges(w)
	}
	pair := func(i, j int) ([]float64, []float64) {
		k := min(len(changes[i]), len(changes[j]))
		return changes[i][len(changes[i])-k:], changes[j][len(changes[j])-k:]
	}
	own := func(i int) int { return len(changes[i]) }
	return build(symbols, minSamples, pair, own), nil
}

// Sample is a price observed at a point in time.
type Sample struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}

// ComputeAligned builds the matrix from timestamped samples (series[i]
// belongs to symbols[i], ordered by time). Each pair only uses the times
// both symbols sampled, so a change is always taken over the same interval
// for both sides even when one symbol skipped a sample.
func ComputeAligned(symbols []string, series [][]Sample, minSamples int) (Matrix, error) {
	if len(symbols) != len(series) {
		return Matrix{}, fmt.Errorf("correlation: %d symbols but %d sample series", len(symbols), len(series))
	}
	pair := func(i, j int) ([]float64, []float64) {
		x, y := alignPrices(series[i], series[j])
		return PercentChanges(x), PercentChanges(y)
	}
	own := func(i int) int { return max(len(series[i])-1, 0) }
	return build(symbols, minSamples, pair, own), nil
}

// alignPrices returns the prices of a and b at the times present in both.
func alignPrices(a, b []Sample) (x, y []float64) {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].Time.Before(b[j].Time):
			i++
		case b[j].Time.Before(a[i].Time):
			j++
		default:
			x = append(x, a[i].Price)
			y = append(y, b[j].Price)
			i++
			j++
		}
	}
	return x, y
}

// build fills a matrix from the aligned changes pair returns for i < j.
// own gives the diagonal sample count.
func build(symbols []string, minSamples int, pair func(i, j int) ([]float64, []float64), own func(i int) int) Matrix {
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	n := len(symbols)
	m := Matrix{
		Symbols:    append([]string(nil), symbols...),
		Values:     make([][]float64, n),
		Defined:    make([][]bool, n),
		Samples:    make([][]int, n),
		MinSamples: minSamples,
	}
	for i := range m.Values {
		m.Values[i] = make([]float64, n)
		m.Defined[i] = make([]bool, n)
		m.Samples[i] = make([]int, n)
	}

	var sumAbs float64
	for i := 0; i < n; i++ {
		m.Values[i][i], m.Defined[i][i] = 1, true
		m.Samples[i][i] = own(i)
		for j := i + 1; j < n; j++ {
			x, y := pair(i, j)
			k := len(x)
			m.Samples[i][j], m.Samples[j][i] = k, k
			if k < minSamples {
				m.Summary.Undefined++
				continue
			}
			r := Pearson(x, y)
			m.Values[i][j], m.Values[j][i] = r, r
			m.Defined[i][j], m.Defined[j][i] = true, true

			s := &m.Summary
			s.Pairs++
			sumAbs += math.Abs(r)
			switch {
			case r > strongThreshold:
				s.StrongPositive++
			case r < -strongThreshold:
				s.StrongNegative++
			case math.Abs(r) <= neutralThreshold:
				s.Neutral++
			}
		}
	}
	if m.Summary.Pairs > 0 {
		m.Summary.MeanAbs = sumAbs / float64(m.Summary.Pairs)
	}
	return m
}
