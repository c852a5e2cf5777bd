package profile

import (
	"math"
	"sort"
	"time"

	"microstructure-v1/internal/model"
)

// DefaultMaxPoints bounds the distinct price points a Session keeps.
const DefaultMaxPoints = 50_000

// Session accumulates a profile for one session window.
//
// Every trade is folded in O(1) into a price point: its tick in tick-size
// mode, its exact price in bucket-count mode. Totals always cover every
// trade since the last Reset. When the number of points passes maxPoints
// the points are merged onto a grid twice as coarse (bucket-count mode
// starts a grid over the current range), so only the placement of volume
// inside the profile loses precision. Classification is re-derived on
// Snapshot. Not safe for concurrent use.
type Session struct {
	params    Params
	block     time.Duration // 0 disables TPO tracking
	start     time.Time
	maxPoints int

	points map[float64]*Level // keyed by the point's price
	grain  float64            // 0 keeps exact prices
	origin float64
	count  int

	blocks map[int]*blockRange
}

// NewSession creates a session starting at start. block > 0 enables TPO
// tracking; maxPoints bounds the price points kept (0 = DefaultMaxPoints).
func NewSession(p Params, start time.Time, block time.Duration, maxPoints int) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if maxPoints <= 0 {
		maxPoints = DefaultMaxPoints
	}
	s := &Session{params: p, block: block, maxPoints: max(maxPoints, 2)}
	s.Reset(start)
	return s, nil
}

// Start returns the session start.
func (s *Session) Start() time.Time { return s.start }

// Trades returns the number of trades folded since the last Reset.
func (s *Session) Trades() int { return s.count }

// Grain returns the width of the point grid; 0 means exact prices.
func (s *Session) Grain() float64 { return s.grain }

// Reset clears all accumulated volume and begins a new session at start.
func (s *Session) Reset(start time.Time) {
	s.start = start
	s.count = 0
	s.points = make(map[float64]*Level, 256)
	s.grain = s.params.TickSize
	s.origin = 0
	s.blocks = nil
	if s.block > 0 {
		s.blocks = make(map[int]*blockRange, 32)
	}
}

func (s *Session) key(price float64) float64 {
	if s.grain == 0 {
		return price
	}
	return s.origin + tickFloor(price-s.origin, s.grain)*s.grain
}

// Add folds a trade into the session. A malformed trade is rejected and
// leaves the session unchanged.
func (s *Session) Add(t model.Trade) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if s.start.IsZero() {
		s.start = t.Timestamp
		if s.block > 0 {
			s.start = t.Timestamp.Truncate(s.block)
		}
	}
	s.count++

	k := s.key(t.Price)
	l, ok := s.points[k]
	if !ok {
		l = &Level{Price: k}
		s.points[k] = l
	}
	addTrade(l, &t)
	if len(s.points) > s.maxPoints {
		s.compact()
	}

	if s.blocks != nil {
		bi := blockIndex(t.Timestamp, s.start, s.block)
		if r, ok := s.blocks[bi]; ok {
			r.extend(t.Price)
		} else {
			s.blocks[bi] = &blockRange{idx: bi, high: t.Price, low: t.Price}
		}
	}
	return nil
}

// compact merges points onto coarser grids until at most half of
// maxPoints remain.
func (s *Session) compact() {
	for len(s.points) > s.maxPoints/2 {
		lo, hi := s.bounds()
		if s.grain == 0 {
			s.grain = (hi - lo) / float64(s.maxPoints/2)
		} else {
			s.grain *= 2
		}
		if s.params.TickSize == 0 {
			s.origin = lo
		}
		merged := make(map[float64]*Level, len(s.points))
		for _, pt := range s.points {
			k := s.key(pt.Price)
			l, ok := merged[k]
			if !ok {
				l = &Level{Price: k}
				merged[k] = l
			}
			addPoint(l, pt)
		}
		s.points = merged
	}
}

func (s *Session) bounds() (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for p := range s.points {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	return lo, hi
}

// sorted returns the points in price order.
func (s *Session) sorted() []*Level {
	out := make([]*Level, 0, len(s.points))
	for _, pt := range s.points {
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

// bucketing lays out the profile over the session's points.
func (s *Session) bucketing() bucketing {
	p := s.params
	if p.TickSize > 0 {
		p.TickSize = s.grain
	}
	lo, hi := s.bounds()
	return newBucketing(lo, hi, p)
}

// Snapshot returns the classified volume profile of the session so far.
func (s *Session) Snapshot() Profile {
	if len(s.points) == 0 {
		return Profile{Levels: []Level{}}
	}
	b := s.bucketing()
	prof := Profile{Levels: b.levels(), BucketSize: b.width, Trades: s.count}
	for _, pt := range s.sorted() {
		addPoint(&prof.Levels[b.index(pt.Price)], pt)
	}
	classify(&prof, s.params.target())
	return prof
}

// MarketProfile returns the TPO profile of the session so far.
func (s *Session) MarketProfile() (MarketProfile, error) {
	if s.blocks == nil {
		return MarketProfile{}, ErrNoTPO
	}
	if len(s.points) == 0 {
		return MarketProfile{SessionStart: s.start, Block: s.block, Levels: []TPOLevel{}}, nil
	}
	b := s.bucketing()
	vols := make([]float64, b.n)
	for _, pt := range s.sorted() {
		vols[b.index(pt.Price)] += pt.Volume
	}
	return assembleTPO(b, s.blocks, vols, s.start, s.block, s.params.target()), nil
}
