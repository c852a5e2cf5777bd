package indicator

import (
	"fmt"
	"time"

	"microstructure-v1/internal/model"
)

// Point is one output value at a candle time.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
	Tag   string    `json:"tag,omitempty"`
}

// Line is one named output sequence of a series.
type Line struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

// Series is the output of one indicator request: one Line per output, all
// Lines aligned point-for-point.
type Series struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Lines []Line `json:"lines"`
}

// Len returns the number of aligned points.
func (s Series) Len() int {
	if len(s.Lines) == 0 {
		return 0
	}
	return len(s.Lines[0].Points)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s Series) Clone() Series {
	c := Series{Key: s.Key, Type: s.Type, Lines: make([]Line, len(s.Lines))}
	for i, l := range s.Lines {
		c.Lines[i] = Line{Name: l.Name, Points: append([]Point(nil), l.Points...)}
	}
	return c
}

func newSeries(cfg Config, ind Indicator) Series {
	outs := ind.Outputs()
	s := Series{Key: cfg.Key(), Type: ind.Name(), Lines: make([]Line, len(outs))}
	for i, name := range outs {
		s.Lines[i] = Line{Name: name, Points: []Point{}}
	}
	return s
}

// points renders the indicator's current outputs at time t.
func points(ind Indicator, t time.Time) []Point {
	vals := ind.Values()
	var tags []string
	if tg, ok := ind.(Tagger); ok {
		tags = tg.Tags()
	}
	out := make([]Point, len(vals))
	for i, v := range vals {
		out[i] = Point{Time: t, Value: v}
		if tags != nil {
			out[i].Tag = tags[i]
		}
	}
	return out
}

// Compute is the batch form: it folds candles into a fresh indicator and
// returns every Ready output. Fewer candles than the warmup yield an empty
// series, not an error. An invalid cfg or a malformed candle is an error;
// the latter wraps its *model.FieldError with the candle's index.
func Compute(cfg Config, candles []model.Candle) (Series, error) {
	ind, err := New(cfg)
	if err != nil {
		return Series{}, err
	}
	s := newSeries(cfg, ind)
	for i := range candles {
		c := candles[i]
		if err := c.Validate(); err != nil {
			return Series{}, fmt.Errorf("candle %d: %w", i, err)
		}
		ind.Update(c)
		if !ind.Ready() {
			continue
		}
		for i, p := range points(ind, c.Time) {
			s.Lines[i].Points = append(s.Lines[i].Points, p)
		}
	}
	return s, nil
}

// Step is the functional incremental form: it returns an advanced copy of
// state and the latest points (nil until Ready). state is not modified.
func Step(state Indicator, candle model.Candle) (Indicator, []Point) {
	next := state.Clone()
	next.Update(candle)
	if !next.Ready() {
		return next, nil
	}
	return next, points(next, candle.Time)
}
