package model

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseSide(t *testing.T) {
	for in, want := range map[string]Side{"buy": Buy, " BUY ": Buy, "b": Buy, "Sell": Sell, "s": Sell} {
		got, ok := ParseSide(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseSide("hold")
	assert.False(t, ok)
}

func TestTrade_Validate(t *testing.T) {
	ok := Trade{Symbol: "BTCUSDT", Timestamp: time.Unix(1, 0), Price: 100, Quantity: 0, Side: Buy}
	assert.NoError(t, ok.Validate())
	assert.Equal(t, 0.0, ok.Volume())

	tests := []struct {
		name  string
		edit  func(*Trade)
		field string
	}{
		{"zero time", func(t *Trade) { t.Timestamp = time.Time{} }, "timestamp"},
		{"nan price", func(t *Trade) { t.Price = math.NaN() }, "price"},
		{"zero price", func(t *Trade) { t.Price = 0 }, "price"},
		{"negative qty", func(t *Trade) { t.Quantity = -1 }, "quantity"},
		{"inf qty", func(t *Trade) { t.Quantity = math.Inf(1) }, "quantity"},
		{"no side", func(t *Trade) { t.Side = "" }, "side"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := ok
			tt.edit(&tr)
			err := tr.Validate()
			assert.ErrorIs(t, err, ErrMalformed)
			var fe *FieldError
			if assert.True(t, errors.As(err, &fe)) {
				assert.Equal(t, tt.field, fe.Field)
			}
		})
	}
}

func TestCandle_Validate(t *testing.T) {
	c := Candle{Symbol: "ETHUSDT", TF: 300, Time: time.Unix(0, 0).Add(time.Hour), Open: 2, High: 3, Low: 1, Close: 2.5, Volume: 10}
	assert.NoError(t, c.Validate())
	assert.Equal(t, "ETHUSDT:300", c.Key())
	assert.InDelta(t, 6.5/3, c.TypicalPrice(), 1e-12)

	bad := c
	bad.High = 0.5
	assert.EqualError(t, bad.Validate(), `candle: field "high" below low`)

	bad = c
	bad.Volume = math.NaN()
	assert.EqualError(t, bad.Validate(), `candle: missing or invalid field "volume"`)
}

func TestItoa(t *testing.T) {
	for n, want := range map[int]string{0: "0", 7: "7", 86400: "86400", -42: "-42"} {
		assert.Equal(t, want, Itoa(n))
	}
}

func TestSeriesKey(t *testing.T) {
	assert.Equal(t, "BTCUSDT:60", SeriesKey("BTCUSDT", 60))
	assert.Equal(t, ":0", SeriesKey("", 0))
}
