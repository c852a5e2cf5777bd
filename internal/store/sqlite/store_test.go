package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microstructure-v1/internal/model"
)

func openStore(t *testing.T, keep int) *Store {
	t.Helper()
	s, err := New(Config{DBPath: filepath.Join(t.TempDir(), "test.db"), KeepCandles: keep})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheckpoint_KeepsLastTen(t *testing.T) {
	s := openStore(t, 0)
	ctx := context.Background()

	got, err := s.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	for i := 0; i < 15; i++ {
		require.NoError(t, s.SaveCheckpoint(ctx, []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}

	n, err := s.CheckpointCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, keepCheckpoints, n)

	got, err = s.LatestCheckpoint(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":14}`, string(got))
}

func TestCandles_InsertPruneAndRead(t *testing.T) {
	s := openStore(t, 3)
	base := time.Unix(1_700_000_000, 0).UTC()

	var batch []model.Candle
	for i := 0; i < 5; i++ {
		batch = append(batch, model.Candle{
			Symbol: "BTCUSDT", TF: 60, Time: base.Add(time.Duration(i) * time.Minute),
			Open: 1, High: 2, Low: 0.5, Close: float64(i), Volume: 10,
		})
	}
	batch = append(batch, model.Candle{Symbol: "ETHUSDT", TF: 60, Time: base, Open: 1, High: 1, Low: 1, Close: 1})
	require.NoError(t, s.InsertCandles(batch))

	got, err := s.RecentCandles(context.Background(), "BTCUSDT", 60, 10)
	require.NoError(t, err)
	require.Len(t, got, 3, "pruned to the retention limit")
	assert.Equal(t, 2.0, got[0].Close)
	assert.Equal(t, 4.0, got[2].Close)
	assert.Equal(t, base.Add(4*time.Minute), got[2].Time)

	got, err = s.RecentCandles(context.Background(), "BTCUSDT", 60, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 3.0, got[0].Close)

	eth, err := s.RecentCandles(context.Background(), "ETHUSDT", 60, 10)
	require.NoError(t, err)
	assert.Len(t, eth, 1)
}

func TestRun_FlushesOnClose(t *testing.T) {
	s := openStore(t, 10)
	ch := make(chan model.Candle, 4)
	base := time.Unix(1_700_000_000, 0).UTC()
	ch <- model.Candle{Symbol: "BTCUSDT", TF: 60, Time: base, Open: 1, High: 1, Low: 1, Close: 1}
	ch <- model.Candle{Symbol: "BTCUSDT", TF: 60, Time: base.Add(time.Minute), Open: 1, High: 1, Low: 1, Close: 2}
	close(ch)

	s.Run(context.Background(), ch)

	got, err := s.RecentCandles(context.Background(), "BTCUSDT", 60, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
