package cvd

import (
	"time"

	"microstructure-v1/internal/model"
	"microstructure-v1/internal/ringbuf"
)

// Tracker wraps Ingest with a bounded point history. Not safe for
// concurrent use.
type Tracker struct {
	state  State
	points *ringbuf.Window[Point]
}

// NewTracker creates a tracker keeping at most maxPoints points.
func NewTracker(symbol string, interval time.Duration, maxPoints int) *Tracker {
	if maxPoints <= 0 {
		maxPoints = 1
	}
	return &Tracker{
		state:  NewState(symbol, interval),
		points: ringbuf.New[Point](maxPoints),
	}
}

// Ingest folds a trade. The point for the current bucket is updated in
// place; a new bucket appends a point, evicting the oldest when full.
func (t *Tracker) Ingest(tr model.Trade) (Point, []Alert, error) {
	next, p, alerts, err := Ingest(t.state, tr)
	if err != nil {
		return Point{}, nil, err
	}
	if p.Trades > 1 {
		t.points.SetLast(p) // merged into the current bucket
	} else {
		t.points.Push(p)
	}
	t.state = next
	return p, alerts, nil
}

// State returns a copy of the tracker state.
func (t *Tracker) State() State { return t.state }

// CumulativeDelta returns the running total.
func (t *Tracker) CumulativeDelta() float64 { return t.state.CumulativeDelta }

// Points returns the retained points, oldest first.
func (t *Tracker) Points() []Point { return t.points.Slice() }

// Last returns the most recent point.
func (t *Tracker) Last() (Point, bool) { return t.points.Last() }

// Reset clears all state, keeping symbol and interval.
func (t *Tracker) Reset() {
	t.state = NewState(t.state.Symbol, t.state.Interval)
	t.points.Reset()
}
