package cvd

import (
	"fmt"
	"sort"
	"time"

	"microstructure-v1/internal/model"
)

// DefaultTimeframes are the CVD aggregation periods.
var DefaultTimeframes = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}

// DefaultMaxPeriods is the number of periods retained per timeframe.
const DefaultMaxPeriods = 500

// Aggregator folds one trade stream into parallel per-timeframe CVD series,
// each pruned to a fixed number of periods. Not safe for concurrent use.
type Aggregator struct {
	timeframes []time.Duration
	trackers   map[time.Duration]*Tracker
}

// NewAggregator creates per-timeframe trackers for symbol.
func NewAggregator(symbol string, timeframes []time.Duration, maxPeriods int) (*Aggregator, error) {
	if len(timeframes) == 0 {
		timeframes = DefaultTimeframes
	}
	if maxPeriods <= 0 {
		maxPeriods = DefaultMaxPeriods
	}
	a := &Aggregator{trackers: make(map[time.Duration]*Tracker, len(timeframes))}
	for _, tf := range timeframes {
		if tf <= 0 {
			return nil, fmt.Errorf("cvd: timeframe %v must be positive", tf)
		}
		if _, dup := a.trackers[tf]; dup {
			return nil, fmt.Errorf("cvd: duplicate timeframe %v", tf)
		}
		a.trackers[tf] = NewTracker(symbol, tf, maxPeriods)
		a.timeframes = append(a.timeframes, tf)
	}
	sort.Slice(a.timeframes, func(i, j int) bool { return a.timeframes[i] < a.timeframes[j] })
	return a, nil
}

// Ingest folds a trade into every timeframe. Alerts are not produced here;
// they come from the caller's base Tracker.
func (a *Aggregator) Ingest(t model.Trade) error {
	if err := t.Validate(); err != nil {
		return err
	}
	for _, tf := range a.timeframes {
		if _, _, err := a.trackers[tf].Ingest(t); err != nil {
			return err
		}
	}
	return nil
}

// Timeframes returns the configured timeframes, ascending.
func (a *Aggregator) Timeframes() []time.Duration {
	return append([]time.Duration(nil), a.timeframes...)
}

// Series returns the retained points of one timeframe.
func (a *Aggregator) Series(tf time.Duration) ([]Point, bool) {
	tr, ok := a.trackers[tf]
	if !ok {
		return nil, false
	}
	return tr.Points(), true
}

// All returns every timeframe's series keyed by its duration string ("1m0s").
func (a *Aggregator) All() map[string][]Point {
	out := make(map[string][]Point, len(a.timeframes))
	for _, tf := range a.timeframes {
		out[tf.String()] = a.trackers[tf].Points()
	}
	return out
}

// Reset clears every timeframe.
func (a *Aggregator) Reset() {
	for _, tr := range a.trackers {
		tr.Reset()
	}
}
