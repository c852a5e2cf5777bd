package indicator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microstructure-v1/internal/model"
)

func makeCandle(symbol string, tf int, i int, close float64) model.Candle {
	return model.Candle{
		Symbol: symbol,
		TF:     tf,
		Time:   t0.Add(time.Duration(i*tf) * time.Second),
		Open:   close,
		High:   close + 1,
		Low:    close - 1,
		Close:  close,
		Volume: 100,
	}
}

func smaDefaults(tf int, periods ...float64) []TFIndicatorConfig {
	cfg := TFIndicatorConfig{TF: tf}
	for _, p := range periods {
		cfg.Indicators = append(cfg.Indicators, Config{Type: TypeSMA, Params: []float64{p}})
	}
	return []TFIndicatorConfig{cfg}
}

func TestEngine_SMA20(t *testing.T) {
	engine := NewEngine(smaDefaults(60, 20), EngineOptions{})

	for i := 0; i < 25; i++ {
		results, err := engine.Process(makeCandle("BTCUSDT", 60, i, 100))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "BTCUSDT:60:SMA_20", results[0].Key)
		assert.Equal(t, i >= 19, results[0].Ready, "candle %d", i)
		if results[0].Ready {
			assert.InDelta(t, 100.0, results[0].Points[0].Value, 1e-9)
		}
	}
}

func TestEngine_MultiTF(t *testing.T) {
	engine := NewEngine([]TFIndicatorConfig{
		{TF: 60, Indicators: []Config{{Type: TypeSMA, Params: []float64{3}}}},
		{TF: 300, Indicators: []Config{{Type: TypeRSI, Params: []float64{3}}, {Type: TypeEMA, Params: []float64{3}}}},
	}, EngineOptions{})

	r1, err := engine.Process(makeCandle("ETHUSDT", 60, 0, 10))
	require.NoError(t, err)
	assert.Len(t, r1, 1)

	r5, err := engine.Process(makeCandle("ETHUSDT", 300, 0, 10))
	require.NoError(t, err)
	assert.Len(t, r5, 2)

	// TF without defaults and no explicit subscription yields nothing.
	r15, err := engine.Process(makeCandle("ETHUSDT", 900, 0, 10))
	require.NoError(t, err)
	assert.Empty(t, r15)
}

func TestEngine_SubscribeIsIdempotent(t *testing.T) {
	engine := NewEngine(nil, EngineOptions{})
	req := Request{Symbol: "BTCUSDT", TF: 60, Config: Config{Type: "rsi"}}

	s1, created, err := engine.Subscribe(req)
	require.NoError(t, err)
	assert.True(t, created)

	s2, created, err := engine.Subscribe(Request{Symbol: "BTCUSDT", TF: 60, Config: Config{Type: "RSI", Params: []float64{14}}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, s1, s2)
	assert.Len(t, engine.Requests(), 1)

	assert.True(t, engine.Unsubscribe(req))
	assert.False(t, engine.Unsubscribe(req))
	assert.Empty(t, engine.Requests())
}

func TestEngine_SubscribeRejectsBadConfig(t *testing.T) {
	engine := NewEngine(nil, EngineOptions{})
	_, _, err := engine.Subscribe(Request{Symbol: "X", TF: 60, Config: Config{Type: "VWAP"}})
	assert.Error(t, err)
}

func TestEngine_LateSubscriptionWarmsFromTail(t *testing.T) {
	engine := NewEngine(smaDefaults(60, 5), EngineOptions{TailSize: 10})
	for i := 0; i < 10; i++ {
		_, err := engine.Process(makeCandle("BTCUSDT", 60, i, float64(100+i)))
		require.NoError(t, err)
	}

	st, created, err := engine.Subscribe(Request{Symbol: "BTCUSDT", TF: 60, Config: Config{Type: TypeSMA, Params: []float64{3}}})
	require.NoError(t, err)
	require.True(t, created)
	assert.True(t, st.Ready())
	// Tail holds candles 0..9, so SMA(3) has 8 points, last = (107+108+109)/3.
	series := st.Series()
	require.Equal(t, 8, series.Len())
	assert.InDelta(t, 108.0, series.Lines[0].Points[7].Value, 1e-9)
}

func TestEngine_RetouchReplacesLastBar(t *testing.T) {
	engine := NewEngine(smaDefaults(60, 3), EngineOptions{})
	for i, c := range []float64{10, 12, 11} {
		_, err := engine.Process(makeCandle("BTCUSDT", 60, i, c))
		require.NoError(t, err)
	}
	// Same time as the last candle: 11 becomes 14.
	results, err := engine.Process(makeCandle("BTCUSDT", 60, 2, 14))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 12.0, results[0].Points[0].Value, 1e-9)

	series := engine.Series("BTCUSDT", 60)["SMA_3"]
	require.Equal(t, 1, series.Len())
	assert.InDelta(t, 12.0, series.Lines[0].Points[0].Value, 1e-9)
	assert.Equal(t, []model.Candle{
		makeCandle("BTCUSDT", 60, 0, 10), makeCandle("BTCUSDT", 60, 1, 12), makeCandle("BTCUSDT", 60, 2, 14),
	}, engine.Tail("BTCUSDT", 60))
}

func TestEngine_RejectsOutOfOrderAndMalformed(t *testing.T) {
	engine := NewEngine(smaDefaults(60, 2), EngineOptions{})
	_, err := engine.Process(makeCandle("BTCUSDT", 60, 5, 10))
	require.NoError(t, err)

	_, err = engine.Process(makeCandle("BTCUSDT", 60, 4, 10))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	bad := makeCandle("BTCUSDT", 60, 6, 10)
	bad.High = bad.Low - 1
	_, err = engine.Process(bad)
	assert.ErrorIs(t, err, model.ErrMalformed)
	var fe *model.FieldError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "high", fe.Field)

	// Prior state is untouched: the next valid candle completes SMA(2).
	results, err := engine.Process(makeCandle("BTCUSDT", 60, 6, 20))
	require.NoError(t, err)
	require.True(t, results[0].Ready)
	assert.InDelta(t, 15.0, results[0].Points[0].Value, 1e-9)
}

func TestEngine_MaxPointsCapsSeries(t *testing.T) {
	engine := NewEngine(smaDefaults(60, 2), EngineOptions{MaxPoints: 5})
	for i := 0; i < 50; i++ {
		_, err := engine.Process(makeCandle("BTCUSDT", 60, i, float64(i)))
		require.NoError(t, err)
	}
	series := engine.Series("BTCUSDT", 60)["SMA_2"]
	require.Equal(t, 5, series.Len())
	assert.InDelta(t, 48.5, series.Lines[0].Points[4].Value, 1e-9)
}

func TestEngine_ResetSymbol(t *testing.T) {
	engine := NewEngine(smaDefaults(60, 2), EngineOptions{})
	for i := 0; i < 3; i++ {
		_, err := engine.Process(makeCandle("BTCUSDT", 60, i, 10))
		require.NoError(t, err)
		_, err = engine.Process(makeCandle("BTC", 60, i, 10))
		require.NoError(t, err)
	}
	engine.ResetSymbol("BTCUSDT")

	assert.Zero(t, engine.Series("BTCUSDT", 60)["SMA_2"].Len())
	assert.Empty(t, engine.Tail("BTCUSDT", 60))
	assert.Equal(t, 2, engine.Series("BTC", 60)["SMA_2"].Len(), "prefix symbol must not be reset")

	// Older timestamps are accepted again after a reset.
	results, err := engine.Process(makeCandle("BTCUSDT", 60, 0, 10))
	require.NoError(t, err)
	assert.False(t, results[0].Ready)
}

func TestProcessPeek_NilBeforeProcess(t *testing.T) {
	engine := NewEngine(smaDefaults(60, 3), EngineOptions{})
	assert.Nil(t, engine.ProcessPeek(makeCandle("BTCUSDT", 60, 0, 10)))
}

func TestProcessPeek_DoesNotMutateState(t *testing.T) {
	engine := NewEngine(smaDefaults(60, 3), EngineOptions{})
	for i, c := range []float64{10, 11, 12} {
		_, err := engine.Process(makeCandle("BTCUSDT", 60, i, c))
		require.NoError(t, err)
	}

	live := engine.ProcessPeek(makeCandle("BTCUSDT", 60, 3, 99))
	require.Len(t, live, 1)
	assert.True(t, live[0].Live)
	assert.InDelta(t, (11+12+99)/3.0, live[0].Points[0].Value, 1e-9)

	results, err := engine.Process(makeCandle("BTCUSDT", 60, 3, 13))
	require.NoError(t, err)
	assert.InDelta(t, 12.0, results[0].Points[0].Value, 1e-9)
	assert.False(t, results[0].Live)
}

func TestEngine_Run(t *testing.T) {
	engine := NewEngine(smaDefaults(60, 1), EngineOptions{})
	in := make(chan model.Candle, 3)
	out := make(chan Result, 3)
	for i := 0; i < 3; i++ {
		in <- makeCandle("BTCUSDT", 60, i, float64(i))
	}
	close(in)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	engine.Run(ctx, in, out)

	require.Len(t, out, 3)
	for i := 0; i < 3; i++ {
		r := <-out
		assert.InDelta(t, float64(i), r.Points[0].Value, 1e-9)
	}
}

func TestStream_PeekOnSameTimeUsesPriorState(t *testing.T) {
	st, err := NewStream(Config{Type: TypeSMA, Params: []float64{2}}, 0)
	require.NoError(t, err)
	for i, c := range []float64{10, 20} {
		_, err := st.Update(makeCandle("X", 60, i, c))
		require.NoError(t, err)
	}
	pts, ok := st.Peek(makeCandle("X", 60, 1, 30))
	require.True(t, ok)
	assert.InDelta(t, 20.0, pts[0].Value, 1e-9)

	_, ok = st.Peek(makeCandle("X", 60, 0, 30))
	assert.True(t, ok)
}

func TestStep_IsPure(t *testing.T) {
	ind := NewEMA(2)
	next, pts := Step(ind, candle(10))
	assert.Nil(t, pts, "not ready after one close")

	next2, pts := Step(next, candle(20))
	require.Len(t, pts, 1)
	assert.InDelta(t, 15.0, pts[0].Value, 1e-9)
	assert.False(t, next.Ready(), "input state must not advance")

	_, pts = Step(next2, candle(30))
	require.Len(t, pts, 1)
	assert.InDelta(t, 30*(2.0/3)+15*(1.0/3), pts[0].Value, 1e-9)
	assert.InDelta(t, 15.0, next2.Values()[0], 1e-9)
	assert.False(t, ind.Ready())
}
