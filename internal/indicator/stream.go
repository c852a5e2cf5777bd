package indicator

import (
	"errors"
	"time"

	"microstructure-v1/internal/model"
)

// ErrOutOfOrder is returned when a candle is older than the last one seen.
var ErrOutOfOrder = errors.New("candle older than last processed candle")

// Stream is the incremental form of one indicator request. It keeps the
// state before the last candle so a same-time candle can retouch the
// current bar in place instead of appending a new one.
type Stream struct {
	cfg       Config
	ind       Indicator
	prev      Indicator // state before the last Update; nil until one candle
	last      time.Time
	series    Series
	maxPoints int
}

// NewStream creates an empty stream. maxPoints caps retained output points
// (0 = unbounded).
func NewStream(cfg Config, maxPoints int) (*Stream, error) {
	ind, err := New(cfg)
	if err != nil {
		return nil, err
	}
	cfg = cfg.Normalize()
	return &Stream{
		cfg:       cfg,
		ind:       ind,
		series:    newSeries(cfg, ind),
		maxPoints: maxPoints,
	}, nil
}

// Config returns the normalized request config.
func (s *Stream) Config() Config { return s.cfg }

// Ready reports whether the underlying indicator has warmed up.
func (s *Stream) Ready() bool { return s.ind.Ready() }

// Outputs names the series lines.
func (s *Stream) Outputs() []string { return s.ind.Outputs() }

// Update folds a completed candle. A candle with the same time as the last
// one replaces it. Returns the latest points (nil until Ready). On error the
// stream is unchanged.
func (s *Stream) Update(c model.Candle) ([]Point, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch {
	case s.prev != nil && c.Time.Before(s.last):
		return nil, ErrOutOfOrder
	case s.prev != nil && c.Time.Equal(s.last):
		s.ind = s.prev.Clone()
		s.ind.Update(c)
		s.dropLast(c.Time)
	default:
		s.prev = s.ind.Clone()
		s.ind.Update(c)
		s.last = c.Time
	}
	if !s.ind.Ready() {
		return nil, nil
	}
	pts := points(s.ind, c.Time)
	s.append(pts)
	return pts, nil
}

// Peek previews the outputs for a forming candle without mutating state.
// The bool is false while the indicator would not yet be Ready.
func (s *Stream) Peek(c model.Candle) ([]Point, bool) {
	base := s.ind
	if s.prev != nil && c.Time.Equal(s.last) {
		base = s.prev
	}
	_, pts := Step(base, c)
	return pts, pts != nil
}

// Series returns a copy of the retained output.
func (s *Stream) Series() Series { return s.series.Clone() }

// Len returns the number of retained points.
func (s *Stream) Len() int { return s.series.Len() }

// Reset clears all state and output, keeping the request.
func (s *Stream) Reset() {
	s.ind.Reset()
	s.prev = nil
	s.last = time.Time{}
	s.series = newSeries(s.cfg, s.ind)
}

func (s *Stream) dropLast(t time.Time) {
	for i := range s.series.Lines {
		pts := s.series.Lines[i].Points
		if n := len(pts); n > 0 && pts[n-1].Time.Equal(t) {
			s.series.Lines[i].Points = pts[:n-1]
		}
	}
}

func (s *Stream) append(pts []Point) {
	for i := range s.series.Lines {
		l := &s.series.Lines[i]
		l.Points = append(l.Points, pts[i])
		if s.maxPoints > 0 && len(l.Points) > s.maxPoints {
			l.Points = l.Points[len(l.Points)-s.maxPoints:]
		}
	}
}
