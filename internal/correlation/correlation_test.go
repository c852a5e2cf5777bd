package correlation

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pricesFromChanges turns percentage changes into a price path starting at 100.
func pricesFromChanges(changes []float64) []float64 {
	out := []float64{100}
	for _, c := range changes {
		last := out[len(out)-1]
		out = append(out, last*(1+c/100))
	}
	return out
}

func TestPercentChanges(t *testing.T) {
	got := PercentChanges([]float64{100, 110, 99, 0, 5})
	require.Len(t, got, 4)
	assert.InDelta(t, 10.0, got[0], 1e-9)
	assert.InDelta(t, -10.0, got[1], 1e-9)
	assert.InDelta(t, -100.0, got[2], 1e-9)
	assert.Equal(t, 0.0, got[3], "change from a zero price")

	assert.Nil(t, PercentChanges([]float64{1}))
	assert.Nil(t, PercentChanges(nil))
}

func TestPearson_ZeroVariance(t *testing.T) {
	assert.Equal(t, 0.0, Pearson([]float64{1, 1, 1}, []float64{1, 2, 3}))
	assert.Equal(t, 0.0, Pearson(nil, nil))
	assert.InDelta(t, 1.0, Pearson([]float64{1, 2, 3}, []float64{2, 4, 6}), 1e-12)
}

func TestCompute_InverseChanges(t *testing.T) {
	a := pricesFromChanges([]float64{1, -1, 1, -1, 1})
	b := pricesFromChanges([]float64{-1, 1, -1, 1, -1})

	m, err := Compute([]string{"BTC", "ETH"}, [][]float64{a, b}, 5)
	require.NoError(t, err)

	r, ok := m.Get("BTC", "ETH")
	require.True(t, ok)
	assert.InDelta(t, -1.0, r, 1e-9)
	assert.Equal(t, 1, m.Summary.StrongNegative)
	assert.Equal(t, 1, m.Summary.Pairs)
	assert.InDelta(t, 1.0, m.Summary.MeanAbs, 1e-9)
}

func TestCompute_InsufficientSamplesUndefined(t *testing.T) {
	long := pricesFromChanges([]float64{1, 2, 3, 4, 5, 6})
	short := pricesFromChanges([]float64{1, 2, 3})

	m, err := Compute([]string{"A", "B"}, [][]float64{long, short}, 5)
	require.NoError(t, err)

	_, ok := m.Get("A", "B")
	assert.False(t, ok)
	assert.Equal(t, 0.0, m.Values[0][1])
	assert.Equal(t, 3, m.Samples[0][1])
	assert.Equal(t, 1, m.Summary.Undefined)
	assert.Equal(t, 0, m.Summary.Pairs)
	assert.Equal(t, 0.0, m.Summary.MeanAbs)

	// diagonal is defined regardless of samples
	v, ok := m.Get("B", "B")
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestCompute_SummaryIgnoresUndefinedPairs(t *testing.T) {
	a := pricesFromChanges([]float64{1, -1, 1, -1, 1})
	b := pricesFromChanges([]float64{-1, 1, -1, 1, -1})
	short := pricesFromChanges([]float64{2, 3})

	m, err := Compute([]string{"A", "B", "C"}, [][]float64{a, b, short}, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Summary.Pairs)
	assert.Equal(t, 2, m.Summary.Undefined)
	assert.InDelta(t, 1.0, m.Summary.MeanAbs, 1e-9, "undefined pairs do not pull the mean toward zero")
}

func TestCompute_AlignsOnMostRecent(t *testing.T) {
	// A has a noisy prefix; its last five changes mirror B.
	a := pricesFromChanges([]float64{9, -7, 3, 1, 2, 3, 4, 5})
	b := pricesFromChanges([]float64{1, 2, 3, 4, 5})

	m, err := Compute([]string{"A", "B"}, [][]float64{a, b}, 5)
	require.NoError(t, err)
	r, ok := m.Get("A", "B")
	require.True(t, ok)
	assert.InDelta(t, 1.0, r, 1e-9)
	assert.Equal(t, 1, m.Summary.StrongPositive)
}

func TestCompute_MismatchedInput(t *testing.T) {
	_, err := Compute([]string{"A"}, nil, 5)
	assert.Error(t, err)
	_, err = ComputeAligned([]string{"A"}, nil, 5)
	assert.Error(t, err)
}

func TestComputeAligned_JoinsOnTime(t *testing.T) {
	// B is A negated in percent terms but is missing minute 2. Positional
	// pairing would compare A's 1->2 change with B's 1->3 change.
	a := pricesFromChanges([]float64{1, -2, 3, -1, 2, -3, 1})
	inv := pricesFromChanges([]float64{-1, 2, -3, 1, -2, 3, -1})
	var sa, sb []Sample
	for i := range a {
		sa = append(sa, Sample{Time: at(i), Price: a[i]})
		if i != 2 {
			sb = append(sb, Sample{Time: at(i), Price: inv[i]})
		}
	}

	m, err := ComputeAligned([]string{"A", "B"}, [][]Sample{sa, sb}, 5)
	require.NoError(t, err)
	assert.Equal(t, 6, m.Samples[0][1])
	assert.Equal(t, 7, m.Samples[0][0])
	assert.Equal(t, 6, m.Samples[1][1])
	r, ok := m.Get("A", "B")
	require.True(t, ok)
	assert.Less(t, r, -0.9)
}

func TestCompute_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	syms := []string{"A", "B", "C", "D", "E"}
	windows := make([][]float64, len(syms))
	for i := range windows {
		n := 3 + rng.Intn(30)
		changes := make([]float64, n)
		for j := range changes {
			changes[j] = rng.NormFloat64()
		}
		windows[i] = pricesFromChanges(changes)
	}

	m, err := Compute(syms, windows, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultMinSamples, m.MinSamples)

	var pairs, undefined int
	for i := range syms {
		assert.Equal(t, 1.0, m.Values[i][i])
		assert.True(t, m.Defined[i][i])
		for j := range syms {
			assert.Equal(t, m.Values[i][j], m.Values[j][i])
			assert.Equal(t, m.Defined[i][j], m.Defined[j][i])
			assert.GreaterOrEqual(t, m.Values[i][j], -1.0)
			assert.LessOrEqual(t, m.Values[i][j], 1.0)
			if j > i {
				if m.Defined[i][j] {
					pairs++
				} else {
					undefined++
				}
			}
		}
	}
	assert.Equal(t, pairs, m.Summary.Pairs)
	assert.Equal(t, undefined, m.Summary.Undefined)
	assert.LessOrEqual(t, m.Summary.StrongPositive+m.Summary.StrongNegative+m.Summary.Neutral, pairs)
	assert.False(t, math.IsNaN(m.Summary.MeanAbs))
}

func TestMatrix_MarshalJSONNullsUndefined(t *testing.T) {
	a := pricesFromChanges([]float64{1, 2, 3, 4, 5})
	b := pricesFromChanges([]float64{1})

	m, err := Compute([]string{"A", "B"}, [][]float64{a, b}, 5)
	require.NoError(t, err)

	raw, err := json.Marshal(m)
	require.NoError(t, err)

	var out struct {
		Symbols []string     `json:"symbols"`
		Matrix  [][]*float64 `json:"matrix"`
		Summary Summary      `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, []string{"A", "B"}, out.Symbols)
	require.NotNil(t, out.Matrix[0][0])
	assert.Equal(t, 1.0, *out.Matrix[0][0])
	assert.Nil(t, out.Matrix[0][1])
	assert.Nil(t, out.Matrix[1][0])
	assert.Equal(t, 1, out.Summary.Undefined)
}
