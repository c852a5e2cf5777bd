package candles

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microstructure-v1/internal/model"
)

// base is aligned to the hour so every timeframe bucket starts here.
var base = time.Unix(1_700_000_000-1_700_000_000%3600, 0).UTC()

func trade(sec int, price, qty float64) model.Trade {
	return model.Trade{
		Symbol:    "BTCUSDT",
		Timestamp: base.Add(time.Duration(sec) * time.Second),
		Price:     price,
		Quantity:  qty,
		Side:      model.Buy,
	}
}

func closed(ups []Update) []model.Candle {
	var out []model.Candle
	for _, u := range ups {
		if u.Closed {
			out = append(out, u.Candle)
		}
	}
	return out
}

func TestBuilder_OneMinuteResampling(t *testing.T) {
	b, err := New([]int{60})
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		ups, err := b.Add(trade(i, 500+float64(i), 1))
		require.NoError(t, err)
		require.Len(t, ups, 1)
		assert.False(t, ups[0].Closed, "no bar closes inside the minute")
	}

	ups, err := b.Add(trade(60, 600, 2))
	require.NoError(t, err)
	done := closed(ups)
	require.Len(t, done, 1)

	c := done[0]
	assert.Equal(t, 60, c.TF)
	assert.Equal(t, base, c.Time)
	assert.Equal(t, 500.0, c.Open)
	assert.Equal(t, 559.0, c.High)
	assert.Equal(t, 500.0, c.Low)
	assert.Equal(t, 559.0, c.Close)
	assert.Equal(t, 60.0, c.Volume)

	forming, ok := b.Forming("BTCUSDT", 60)
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Minute), forming.Time)
	assert.Equal(t, 600.0, forming.Open)
	assert.Equal(t, 2.0, forming.Volume)
}

func TestBuilder_MultiTimeframe(t *testing.T) {
	b, err := New([]int{300, 60})
	require.NoError(t, err)
	assert.Equal(t, []int{60, 300}, b.TFs())

	for i := 0; i < 301; i += 30 {
		_, err := b.Add(trade(i, 100, 1))
		require.NoError(t, err)
	}
	// the trade at 300s closes the 5m bar and the 4m-5m minute bar
	f1, _ := b.Forming("BTCUSDT", 60)
	f5, _ := b.Forming("BTCUSDT", 300)
	assert.Equal(t, base.Add(5*time.Minute), f1.Time)
	assert.Equal(t, base.Add(5*time.Minute), f5.Time)
	assert.Equal(t, 1.0, f5.Volume)
}

func TestBuilder_LateTradeRejected(t *testing.T) {
	b, err := New([]int{60})
	require.NoError(t, err)

	var lateCalls int
	b.OnLate = func(string, int) { lateCalls++ }

	_, err = b.Add(trade(70, 100, 1))
	require.NoError(t, err)

	ups, err := b.Add(trade(10, 90, 5))
	require.NoError(t, err)
	assert.Empty(t, ups)
	assert.Equal(t, 1, b.Late())
	assert.Equal(t, 1, lateCalls)

	f, _ := b.Forming("BTCUSDT", 60)
	assert.Equal(t, 100.0, f.Low, "late trade must not touch the forming bar")
	assert.Equal(t, 1.0, f.Volume)
}

func TestBuilder_MalformedTrade(t *testing.T) {
	b, err := New([]int{60})
	require.NoError(t, err)

	bad := trade(0, 100, 1)
	bad.Side = "hold"
	_, err = b.Add(bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrMalformed))

	_, ok := b.Forming("BTCUSDT", 60)
	assert.False(t, ok)
}

func TestBuilder_Flush(t *testing.T) {
	b, err := New([]int{60, 300})
	require.NoError(t, err)
	_, err = b.Add(trade(5, 100, 1))
	require.NoError(t, err)

	assert.Empty(t, b.Flush(base.Add(59*time.Second)))

	out := b.Flush(base.Add(time.Minute))
	require.Len(t, out, 1)
	assert.Equal(t, 60, out[0].TF)

	_, ok := b.Forming("BTCUSDT", 300)
	assert.True(t, ok)
}

func TestBuilder_Reset(t *testing.T) {
	b, err := New([]int{60})
	require.NoError(t, err)
	_, err = b.Add(trade(5, 100, 1))
	require.NoError(t, err)

	b.Reset("BTCUSDT")
	_, ok := b.Forming("BTCUSDT", 60)
	assert.False(t, ok)

	// an earlier trade is no longer late after a reset
	_, err = b.Add(trade(1, 100, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, b.Late())
}

func TestNew_RejectsBadTimeframes(t *testing.T) {
	_, err := New([]int{60, 60})
	assert.Error(t, err)
	_, err = New([]int{0})
	assert.Error(t, err)
}
