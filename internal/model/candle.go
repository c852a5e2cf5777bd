package model

import (
	"encoding/json"
	"math"
	"time"
)

// Candle is a completed (or forming) OHLCV bar for one symbol and timeframe.
// Candles are ordered by Time, strictly increasing per symbol/timeframe.
type Candle struct {
	Symbol string    `json:"symbol"`
	TF     int       `json:"tf"`   // timeframe in seconds
	Time   time.Time `json:"time"` // bucket start (UTC)
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Key returns "symbol:tf", the identity of the candle's series.
func (c *Candle) Key() string {
	return SeriesKey(c.Symbol, c.TF)
}

// TypicalPrice returns (H+L+C)/3.
func (c *Candle) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}

// Validate rejects candles with missing or non-finite numeric fields.
func (c *Candle) Validate() error {
	if c.Time.IsZero() {
		return &FieldError{Kind: "candle", Field: "time"}
	}
	fields := [...]struct {
		name string
		v    float64
	}{
		{"open", c.Open}, {"high", c.High}, {"low", c.Low}, {"close", c.Close}, {"volume", c.Volume},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return &FieldError{Kind: "candle", Field: f.name}
		}
	}
	if c.High < c.Low {
		return &FieldError{Kind: "candle", Field: "high", Reason: "below low"}
	}
	return nil
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
