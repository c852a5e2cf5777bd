package profile

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microstructure-v1/internal/model"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func trade(price, qty float64, side model.Side) model.Trade {
	return model.Trade{Symbol: "BTCUSDT", Timestamp: t0, Price: price, Quantity: qty, Side: side}
}

func tradeAt(offset time.Duration, price, qty float64, side model.Side) model.Trade {
	t := trade(price, qty, side)
	t.Timestamp = t0.Add(offset)
	return t
}

func pocCount(p Profile) int {
	n := 0
	for _, l := range p.Levels {
		if l.IsPOC {
			n++
		}
	}
	return n
}

func TestBuild_SingleBucketScenario(t *testing.T) {
	trades := []model.Trade{
		trade(100, 2, model.Buy),
		trade(100, 1, model.Sell),
		trade(101, 1, model.Buy),
	}
	p, err := Build(trades, Params{BucketCount: 1})
	require.NoError(t, err)
	require.Len(t, p.Levels, 1)

	l := p.Levels[0]
	assert.InDelta(t, 401, l.Volume, 1e-9)
	assert.InDelta(t, 301, l.BuyVolume, 1e-9)
	assert.InDelta(t, 100, l.SellVolume, 1e-9)
	assert.InDelta(t, 201, l.Delta, 1e-9)
	assert.InDelta(t, 100, l.VolumePercentage, 1e-9)
	assert.True(t, l.IsPOC)
	assert.True(t, l.InValueArea)
	assert.True(t, l.IsValueAreaHigh)
	assert.True(t, l.IsValueAreaLow)
	assert.InDelta(t, 401, p.ValueArea.TotalVolume, 1e-9)
	assert.Equal(t, 100.0, p.ValueArea.POC)
}

func TestBuild_EmptyTrades(t *testing.T) {
	p, err := Build(nil, Params{BucketCount: 10})
	require.NoError(t, err)
	assert.Empty(t, p.Levels)
	assert.False(t, p.HasPOC)
	_, ok := p.POC()
	assert.False(t, ok)
}

func TestBuild_EmptyBucketsAppear(t *testing.T) {
	// Range 100..110 in 5 buckets of width 2; nothing trades in [102,108).
	trades := []model.Trade{trade(100, 1, model.Buy), trade(110, 1, model.Sell)}
	p, err := Build(trades, Params{BucketCount: 5})
	require.NoError(t, err)
	require.Len(t, p.Levels, 5)
	assert.Equal(t, []float64{100, 102, 104, 106, 108}, []float64{
		p.Levels[0].Price, p.Levels[1].Price, p.Levels[2].Price, p.Levels[3].Price, p.Levels[4].Price,
	})
	for _, i := range []int{1, 2, 3} {
		assert.Zero(t, p.Levels[i].Volume)
	}
	// max price belongs to the top bucket
	assert.InDelta(t, 110, p.Levels[4].SellVolume, 1e-9)
	// POC is the first max: 110 > 100, so the top bucket.
	assert.True(t, p.Levels[4].IsPOC)
}

func TestBuild_TieBreaksAndValueAreaExpansion(t *testing.T) {
	// Tick 1, prices 100..104 with volumes (price×qty chosen as round numbers).
	// volumes: 100:100  101:202  102:306  103:206  104:104
	trades := []model.Trade{
		trade(100, 1, model.Buy),
		trade(101, 2, model.Buy),
		trade(102, 3, model.Buy),
		trade(103, 2, model.Sell),
		trade(104, 1, model.Sell),
	}
	p, err := Build(trades, Params{TickSize: 1})
	require.NoError(t, err)
	require.Len(t, p.Levels, 5)
	assert.Equal(t, 1, pocCount(p))
	assert.True(t, p.Levels[2].IsPOC)

	// total = 918, target = 642.6: 306 → +206 (upper, 206 > 202) = 512 → +202 = 714.
	assert.InDelta(t, 714, p.ValueArea.ValueAreaVolume, 1e-9)
	assert.Equal(t, 101.0, p.ValueArea.Low)
	assert.Equal(t, 103.0, p.ValueArea.High)
	assert.True(t, p.Levels[1].IsValueAreaLow)
	assert.True(t, p.Levels[3].IsValueAreaHigh)
	assert.False(t, p.Levels[0].InValueArea)
	assert.False(t, p.Levels[4].InValueArea)
}

func TestBuild_EqualNeighboursPreferUpper(t *testing.T) {
	// volumes 10, 30, 10: the first step ties and goes up.
	trades := []model.Trade{
		trade(2, 5, model.Buy),
		trade(3, 10, model.Buy),
		trade(4, 2.5, model.Buy),
	}
	p, err := Build(trades, Params{TickSize: 1})
	require.NoError(t, err)
	assert.True(t, p.Levels[1].IsPOC)
	// total 50, target 35: 30 → +10 (upper) = 40.
	assert.True(t, p.Levels[2].InValueArea)
	assert.False(t, p.Levels[0].InValueArea)
	assert.InDelta(t, 40, p.ValueArea.ValueAreaVolume, 1e-9)
}

func TestBuild_ZeroRangeCollapses(t *testing.T) {
	p, err := Build([]model.Trade{trade(50, 1, model.Buy), trade(50, 2, model.Sell)}, Params{BucketCount: 24})
	require.NoError(t, err)
	require.Len(t, p.Levels, 1)
	assert.True(t, p.Levels[0].IsPOC)
}

func TestBuild_VolumeNodes(t *testing.T) {
	// volumes 250, 110, 12, 100: mean 118, so 250 is high and 12 is low.
	trades := []model.Trade{
		trade(10, 25, model.Buy),
		trade(11, 10, model.Buy),
		trade(12, 1, model.Buy),
		trade(13, 100.0/13, model.Buy),
	}
	p, err := Build(trades, Params{TickSize: 1})
	require.NoError(t, err)
	assert.True(t, p.Levels[0].IsHighVolumeNode)
	assert.False(t, p.Levels[1].IsHighVolumeNode)
	assert.False(t, p.Levels[1].IsLowVolumeNode)
	assert.True(t, p.Levels[2].IsLowVolumeNode)
}

func TestBuild_RejectsMalformed(t *testing.T) {
	bad := trade(100, 1, "hold")
	_, err := Build([]model.Trade{trade(1, 1, model.Buy), bad}, Params{BucketCount: 3})
	assert.ErrorIs(t, err, model.ErrMalformed)

	_, err = Build(nil, Params{})
	assert.ErrorIs(t, err, ErrBucketing)
	_, err = Build(nil, Params{BucketCount: 2, TickSize: 1})
	assert.ErrorIs(t, err, ErrBucketing)
	_, err = Build(nil, Params{BucketCount: 2, ValueAreaTarget: 1.5})
	assert.Error(t, err)
}

func TestBuild_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(300)
		trades := make([]model.Trade, n)
		for i := range trades {
			side := model.Buy
			if rng.Intn(2) == 0 {
				side = model.Sell
			}
			trades[i] = trade(100+rng.NormFloat64()*3, rng.Float64()*5, side)
		}
		params := Params{BucketCount: 1 + rng.Intn(40)}
		if trial%2 == 0 {
			params = Params{TickSize: 0.25 * float64(1+rng.Intn(4))}
		}
		p, err := Build(trades, params)
		require.NoError(t, err)

		var sum, want float64
		for _, tr := range trades {
			want += tr.Volume()
		}
		for _, l := range p.Levels {
			sum += l.Volume
			assert.InDelta(t, l.BuyVolume-l.SellVolume, l.Delta, 1e-9)
		}
		assert.InDelta(t, want, sum, 1e-6)
		assert.InDelta(t, want, p.ValueArea.TotalVolume, 1e-6)
		assert.Equal(t, 1, pocCount(p))

		// Value area reaches the target, is contiguous and contains the POC.
		total := p.ValueArea.TotalVolume
		assert.GreaterOrEqual(t, p.ValueArea.ValueAreaVolume, 0.7*total-1e-9)
		lo, hi := -1, -1
		for i, l := range p.Levels {
			if l.InValueArea {
				if lo < 0 {
					lo = i
				}
				hi = i
			}
		}
		for i := lo; i <= hi; i++ {
			assert.True(t, p.Levels[i].InValueArea, "value area must be contiguous")
		}
		// Minimal: the area without its last-added edge falls short.
		if lo < hi {
			without := p.ValueArea.ValueAreaVolume - lastAdded(p, lo, hi)
			assert.Less(t, without, 0.7*total+1e-9)
		}
	}
}

// lastAdded replays the expansion to find the volume of the final step.
func lastAdded(p Profile, lo, hi int) float64 {
	w := make([]float64, len(p.Levels))
	poc := 0
	for i, l := range p.Levels {
		w[i] = l.Volume
		if l.IsPOC {
			poc = i
		}
	}
	a, b := poc, poc
	last := 0.0
	for a != lo || b != hi {
		up, down := -1.0, -1.0
		if b < len(w)-1 {
			up = w[b+1]
		}
		if a > 0 {
			down = w[a-1]
		}
		if up >= down {
			b++
			last = up
		} else {
			a--
			last = down
		}
	}
	return last
}

func TestBuild_TickModeCapsLevels(t *testing.T) {
	trades := []model.Trade{trade(1, 1, model.Buy), trade(1e12, 1, model.Sell)}
	p, err := Build(trades, Params{TickSize: 0.01})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(p.Levels), DefaultMaxLevels)
	assert.InDelta(t, 1e12+1, p.ValueArea.TotalVolume, 1e-3)
	assert.Equal(t, 1, pocCount(p))

	p, err = Build([]model.Trade{trade(1, 1, model.Buy), trade(100, 1, model.Buy)}, Params{TickSize: 1, MaxLevels: 10})
	require.NoError(t, err)
	assert.Len(t, p.Levels, 6)
	assert.Equal(t, 20.0, p.BucketSize)
	assert.Equal(t, 0.0, p.Levels[0].Price)
}

func TestParams_ValidateMaxLevels(t *testing.T) {
	assert.Error(t, Params{BucketCount: 20, MaxLevels: 10}.Validate())
	assert.Error(t, Params{TickSize: 1, MaxLevels: -1}.Validate())
	assert.NoError(t, Params{BucketCount: 10, MaxLevels: 10}.Validate())
}
