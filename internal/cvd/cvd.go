// Package cvd tracks cumulative volume delta over a trade stream and derives
// divergence, spike, acceleration and exhaustion alerts.
package cvd

import (
	"math"
	"time"

	"microstructure-v1/internal/model"
)

// Signal is the divergence classification of a point.
type Signal string

const (
	Bullish Signal = "bullish"
	Bearish Signal = "bearish"
	Neutral Signal = "neutral"
)

// Point is one CVD sample. With a zero interval every trade is its own
// point; otherwise a point covers one interval bucket.
type Point struct {
	Timestamp       time.Time `json:"timestamp"`
	Price           float64   `json:"price"` // last trade price
	BuyVolume       float64   `json:"buyVolume"`
	SellVolume      float64   `json:"sellVolume"`
	Delta           float64   `json:"delta"`
	CumulativeDelta float64   `json:"cumulativeDelta"`
	DeltaPercentage float64   `json:"deltaPercentage"`
	DeltaSlope      float64   `json:"deltaSlope"`
	Divergence      Signal    `json:"divergenceSignal"`
	Strength        float64   `json:"strength"`
	Trades          int       `json:"trades"`
}

// Volume returns buy plus sell volume.
func (p *Point) Volume() float64 { return p.BuyVolume + p.SellVolume }

// exhaustionWindow is the number of consecutive deltas inspected for exhaustion.
const exhaustionWindow = 5

// State is the value carried between Ingest calls. It is a plain value:
// copying it forks the tracker. Deltas holds the deltas of completed points,
// most recent last.
type State struct {
	Symbol          string        `json:"symbol"`
	Interval        time.Duration `json:"interval"`
	CumulativeDelta float64       `json:"cumulativeDelta"`
	Current         Point         `json:"current"`
	Prev            Point         `json:"prev"`
	HasCurrent      bool          `json:"hasCurrent"`
	HasPrev         bool          `json:"hasPrev"`
	Deltas          deltaWindow   `json:"deltas"`
	NDeltas         int           `json:"nDeltas"`
}

type deltaWindow [exhaustionWindow - 1]float64

// NewState returns the empty state for symbol with the given bucket
// interval (0 = one point per trade).
func NewState(symbol string, interval time.Duration) State {
	return State{Symbol: symbol, Interval: interval}
}

// Ingest folds one trade into prior and returns the new state, the current
// point and the alerts it triggers. The whole trade volume is credited to
// its side. A malformed trade returns prior unchanged with a
// *model.FieldError.
//
// Trades for a bucket older than the current one are folded into the
// current point so the cumulative total stays order-independent.
func Ingest(prior State, t model.Trade) (State, Point, []Alert, error) {
	if err := t.Validate(); err != nil {
		return prior, Point{}, nil, err
	}
	s := prior
	bucket := t.Timestamp
	if s.Interval > 0 {
		bucket = bucket.Truncate(s.Interval)
	}

	if !s.HasCurrent || s.Interval == 0 || bucket.After(s.Current.Timestamp) {
		if s.HasCurrent {
			s.pushDelta(s.Current.Delta)
			s.Prev, s.HasPrev = s.Current, true
		}
		s.Current, s.HasCurrent = Point{Timestamp: bucket}, true
	}

	v := t.Volume()
	tradeDelta := v
	if t.Side == model.Buy {
		s.Current.BuyVolume += v
	} else {
		s.Current.SellVolume += v
		tradeDelta = -v
	}
	s.Current.Trades++
	s.Current.Price = t.Price
	s.CumulativeDelta += tradeDelta

	p := &s.Current
	p.Delta = p.BuyVolume - p.SellVolume
	p.CumulativeDelta = s.CumulativeDelta
	p.DeltaPercentage = 0
	if vol := p.Volume(); vol > 0 {
		p.DeltaPercentage = p.Delta / vol * 100
	}
	p.DeltaSlope = 0
	p.Divergence = Neutral
	if s.HasPrev {
		p.DeltaSlope = p.Delta - s.Prev.Delta
		p.Divergence = divergence(p.Price-s.Prev.Price, p.DeltaSlope)
	}
	p.Strength = math.Min(math.Abs(p.DeltaPercentage)*2+math.Abs(p.DeltaSlope)/1000, 100)

	return s, s.Current, evaluate(&s), nil
}

// divergence compares the price move and delta move against the previous point.
func divergence(priceMove, deltaMove float64) Signal {
	switch {
	case priceMove > 0 && deltaMove < 0:
		return Bearish
	case priceMove < 0 && deltaMove > 0:
		return Bullish
	}
	return Neutral
}

func (s *State) pushDelta(d float64) {
	if s.NDeltas < len(s.Deltas) {
		s.Deltas[s.NDeltas] = d
		s.NDeltas++
		return
	}
	copy(s.Deltas[:], s.Deltas[1:])
	s.Deltas[len(s.Deltas)-1] = d
}

// recentDeltas returns up to exhaustionWindow deltas ending with the current point.
func (s *State) recentDeltas() []float64 {
	out := make([]float64, 0, exhaustionWindow)
	out = append(out, s.Deltas[:s.NDeltas]...)
	if s.HasCurrent {
		out = append(out, s.Current.Delta)
	}
	return out
}
