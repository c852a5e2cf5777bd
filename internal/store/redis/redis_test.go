package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microstructure-v1/internal/model"
)

func newMockClient(t *testing.T, breaker BreakerConfig) (*Client, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	return NewWithClient(db, NewCircuitBreaker(breaker), "test:checkpoint"), mock
}

func TestCheckpoint_SaveAndLoad(t *testing.T) {
	c, mock := newMockClient(t, BreakerConfig{})
	ctx := context.Background()
	data := []byte(`{"version":1}`)

	mock.ExpectSet("test:checkpoint", data, defaultCheckpointTTL).SetVal("OK")
	require.NoError(t, c.SaveCheckpoint(ctx, data))

	mock.ExpectGet("test:checkpoint").SetVal(string(data))
	got, err := c.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpoint_MissingIsNil(t *testing.T) {
	c, mock := newMockClient(t, BreakerConfig{})

	mock.ExpectGet("test:checkpoint").RedisNil()
	got, err := c.LatestCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)

	mock.ExpectGet("test:checkpoint").SetErr(errors.New("connection refused"))
	_, err = c.LatestCheckpoint(context.Background())
	assert.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatest(t *testing.T) {
	c, mock := newMockClient(t, BreakerConfig{})

	mock.ExpectGet("snap:BTCUSDT").SetVal(`{"symbol":"BTCUSDT"}`)
	got, err := c.Latest(context.Background(), "snap:BTCUSDT")
	require.NoError(t, err)
	assert.JSONEq(t, `{"symbol":"BTCUSDT"}`, string(got))

	mock.ExpectGet("snap:ETHUSDT").RedisNil()
	got, err = c.Latest(context.Background(), "snap:ETHUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCandleStream_AppendAndRecent(t *testing.T) {
	c, mock := newMockClient(t, BreakerConfig{})
	ctx := context.Background()

	c1 := model.Candle{Symbol: "BTCUSDT", TF: 60, Time: time.Unix(1_700_000_040, 0).UTC(), Open: 1, High: 2, Low: 1, Close: 2, Volume: 3}
	c2 := c1
	c2.Time = c1.Time.Add(time.Minute)

	mock.ExpectXAdd(&goredis.XAddArgs{
		Stream: "candle:60s:BTCUSDT",
		MaxLen: candleStreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(c1.JSON())},
	}).SetVal("1-0")
	require.NoError(t, c.AppendCandle(ctx, c1))

	mock.ExpectXRevRangeN("candle:60s:BTCUSDT", "+", "-", 10).SetVal([]goredis.XMessage{
		{ID: "3-0", Values: map[string]interface{}{"data": string(c2.JSON())}},
		{ID: "2-0", Values: map[string]interface{}{"data": "not json"}},
		{ID: "1-0", Values: map[string]interface{}{"data": string(c1.JSON())}},
	})
	got, err := c.RecentCandles(ctx, "BTCUSDT", 60, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Time.Equal(c1.Time), "oldest first")
	assert.True(t, got[1].Time.Equal(c2.Time))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBufferedPublisher_BuffersWhileOpen(t *testing.T) {
	c, mock := newMockClient(t, BreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute})
	bp := NewBufferedPublisher(context.Background(), c, 2)
	ctx := context.Background()

	var buffered int
	bp.OnBuffer = func() { buffered++ }

	mock.ExpectPublish("snap", []byte("a")).SetVal(1)
	require.NoError(t, bp.Publish(ctx, "snap", []byte("a")))

	down := errors.New("down")
	mock.ExpectPublish("snap", []byte("b")).SetErr(down)
	mock.ExpectPublish("snap", []byte("c")).SetErr(down)
	assert.ErrorIs(t, bp.Publish(ctx, "snap", []byte("b")), down)
	assert.ErrorIs(t, bp.Publish(ctx, "snap", []byte("c")), down)
	require.Equal(t, gobreaker.StateOpen, c.Breaker().State())

	// rejected without touching redis, kept locally
	for _, p := range []string{"d", "e", "f"} {
		require.NoError(t, bp.Publish(ctx, "snap", []byte(p)))
	}
	assert.Equal(t, 2, bp.PendingCount(), "oldest dropped past the cap")
	assert.Equal(t, 3, buffered)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubState_ReconnectDetection(t *testing.T) {
	ctx := context.Background()
	out := make(chan model.RawEvent, 4)
	reconnect := make(chan struct{}, 4)
	st := &subState{round: 2, pending: 1}

	// second ack of the initial round
	require.True(t, st.handle(ctx, &goredis.Subscription{Kind: "psubscribe", Channel: "candles:*", Count: 2}, out, reconnect))
	assert.Len(t, reconnect, 0)

	require.True(t, st.handle(ctx, &goredis.Message{Channel: "trades:BTCUSDT", Pattern: "trades:*", Payload: "{}"}, out, reconnect))
	ev := <-out
	assert.Equal(t, "trades:BTCUSDT", ev.Channel)
	assert.Equal(t, []byte("{}"), ev.Payload)

	// a new round after a dropped connection signals once
	st.handle(ctx, &goredis.Subscription{Kind: "psubscribe", Channel: "trades:*", Count: 1}, out, reconnect)
	st.handle(ctx, &goredis.Subscription{Kind: "psubscribe", Channel: "candles:*", Count: 2}, out, reconnect)
	assert.Len(t, reconnect, 1)

	// unsubscribe acks are ignored
	st.handle(ctx, &goredis.Subscription{Kind: "punsubscribe", Channel: "trades:*"}, out, reconnect)
	assert.Len(t, reconnect, 1)
}

func TestSubState_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := &subState{round: 1}
	out := make(chan model.RawEvent) // unbuffered, nobody reading
	assert.False(t, st.handle(ctx, &goredis.Message{Channel: "x", Payload: "y"}, out, nil))
}

func TestCandleStreamKey(t *testing.T) {
	assert.Equal(t, "candle:300s:ETHUSDT", CandleStreamKey("ETHUSDT", 300))
}
