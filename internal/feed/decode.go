// Package feed decodes raw upstream payloads into model events. Two trade
// shapes are accepted: the normalized {symbol, price, quantity, side,
// timestamp} object and the Binance raw trade stream ({s, p, q, m, T}),
// optionally wrapped in a combined-stream envelope or double-encoded as a
// JSON string.
package feed

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"microstructure-v1/internal/model"
)

// ErrInvalidJSON is returned for payloads that are not a JSON object.
var ErrInvalidJSON = errors.New("feed: payload is not a JSON object")

// Kind tells which event a payload carried.
type Kind int

const (
	KindTrade Kind = iota
	KindCandle
)

// Event is a decoded payload.
type Event struct {
	Kind   Kind
	Trade  model.Trade
	Candle model.Candle
}

// Symbol returns the symbol of whichever event is set.
func (e *Event) Symbol() string {
	if e.Kind == KindCandle {
		return e.Candle.Symbol
	}
	return e.Trade.Symbol
}

// Decode routes a raw event by channel name: channels containing "candle"
// carry candles, everything else carries trades.
func Decode(ev model.RawEvent) (Event, error) {
	if strings.Contains(ev.Channel, "candle") {
		c, err := DecodeCandle(ev.Payload)
		return Event{Kind: KindCandle, Candle: c}, err
	}
	t, err := DecodeTrade(ev.Payload)
	return Event{Kind: KindTrade, Trade: t}, err
}

// DecodeTrade parses one trade payload and validates it.
func DecodeTrade(payload []byte) (model.Trade, error) {
	root, err := object(payload)
	if err != nil {
		return model.Trade{}, err
	}
	var t model.Trade
	if root.Get("e").String() == "trade" || root.Get("p").Exists() {
		t, err = binanceTrade(root)
	} else {
		t, err = normalizedTrade(root)
	}
	if err != nil {
		return model.Trade{}, err
	}
	if err := t.Validate(); err != nil {
		return model.Trade{}, err
	}
	return t, nil
}

func normalizedTrade(r gjson.Result) (model.Trade, error) {
	const kind = "trade"
	var (
		t   model.Trade
		err error
	)
	t.Symbol = r.Get("symbol").String()
	if t.Price, err = number(r, kind, "price"); err != nil {
		return t, err
	}
	if t.Quantity, err = number(r, kind, "quantity"); err != nil {
		return t, err
	}
	side, ok := model.ParseSide(r.Get("side").String())
	if !ok {
		return t, &model.FieldError{Kind: kind, Field: "side", Reason: "must be buy or sell"}
	}
	t.Side = side
	if t.Timestamp, err = timestamp(r, kind, "timestamp"); err != nil {
		return t, err
	}
	return t, nil
}

// binanceTrade maps the raw trade stream. m is "buyer is maker": the
// aggressor sold.
func binanceTrade(r gjson.Result) (model.Trade, error) {
	const kind = "trade"
	var (
		t   model.Trade
		err error
	)
	t.Symbol = r.Get("s").String()
	if t.Price, err = number(r, kind, "p"); err != nil {
		return t, err
	}
	if t.Quantity, err = number(r, kind, "q"); err != nil {
		return t, err
	}
	m := r.Get("m")
	if !m.IsBool() {
		return t, &model.FieldError{Kind: kind, Field: "m"}
	}
	t.Side = model.Buy
	if m.Bool() {
		t.Side = model.Sell
	}
	field := "T"
	if !r.Get(field).Exists() {
		field = "E"
	}
	if t.Timestamp, err = timestamp(r, kind, field); err != nil {
		return t, err
	}
	return t, nil
}

// DecodeCandle parses {symbol, tf, time, open, high, low, close, volume}.
func DecodeCandle(payload []byte) (model.Candle, error) {
	const kind = "candle"
	r, err := object(payload)
	if err != nil {
		return model.Candle{}, err
	}
	c := model.Candle{
		Symbol: r.Get("symbol").String(),
		TF:     int(r.Get("tf").Int()),
	}
	if c.TF <= 0 {
		return model.Candle{}, &model.FieldError{Kind: kind, Field: "tf"}
	}
	if c.Time, err = timestamp(r, kind, "time"); err != nil {
		return model.Candle{}, err
	}
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low}, {"close", &c.Close}, {"volume", &c.Volume},
	} {
		if *f.dst, err = number(r, kind, f.name); err != nil {
			return model.Candle{}, err
		}
	}
	if err := c.Validate(); err != nil {
		return model.Candle{}, err
	}
	return c, nil
}

// object unwraps a combined-stream envelope ({"stream":..,"data":{..}}) or a
// double-encoded string and returns the event object.
func object(payload []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(payload) {
		return gjson.Result{}, ErrInvalidJSON
	}
	r := gjson.ParseBytes(payload)
	if r.Type == gjson.String {
		inner := r.String()
		if !gjson.Valid(inner) {
			return gjson.Result{}, ErrInvalidJSON
		}
		r = gjson.Parse(inner)
	}
	if !r.IsObject() {
		return gjson.Result{}, ErrInvalidJSON
	}
	if d := r.Get("data"); d.IsObject() {
		r = d
	}
	return r, nil
}

// number reads a JSON number or numeric string.
func number(r gjson.Result, kind, field string) (float64, error) {
	v := r.Get(field)
	switch v.Type {
	case gjson.Number:
		return v.Num, nil
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err == nil {
			return f, nil
		}
	}
	return 0, &model.FieldError{Kind: kind, Field: field}
}

// timestamp reads epoch milliseconds (number or numeric string) or RFC 3339.
func timestamp(r gjson.Result, kind, field string) (time.Time, error) {
	v := r.Get(field)
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int()).UTC(), nil
	case gjson.String:
		if ms, err := strconv.ParseInt(v.Str, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		if ts, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, &model.FieldError{Kind: kind, Field: field}
}
