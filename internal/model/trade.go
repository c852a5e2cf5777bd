package model

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Side is the aggressor side of a trade.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b":
		return Buy, true
	case "sell", "s":
		return Sell, true
	}
	return "", false
}

// Trade is a single executed trade.
type Trade struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      Side      `json:"side"`
}

// Volume is the quote volume of the trade: price × quantity.
func (t *Trade) Volume() float64 {
	return t.Price * t.Quantity
}

// Validate rejects trades with missing or non-finite numeric fields or an unknown side.
func (t *Trade) Validate() error {
	if t.Timestamp.IsZero() {
		return &FieldError{Kind: "trade", Field: "timestamp"}
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return &FieldError{Kind: "trade", Field: "price"}
	}
	if math.IsNaN(t.Quantity) || math.IsInf(t.Quantity, 0) || t.Quantity < 0 {
		return &FieldError{Kind: "trade", Field: "quantity"}
	}
	if t.Side != Buy && t.Side != Sell {
		return &FieldError{Kind: "trade", Field: "side", Reason: "must be buy or sell"}
	}
	return nil
}

// JSON returns the JSON-encoded trade.
func (t *Trade) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
