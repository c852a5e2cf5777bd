// Package profile builds volume profiles and TPO market profiles from trades.
//
// A profile partitions a session's price range into buckets, accumulates
// buy and sell volume per bucket and derives the Point of Control, the Value
// Area around it and high/low volume nodes.
package profile

import (
	"errors"
	"fmt"
	"math"

	"microstructure-v1/internal/model"
)

// DefaultValueAreaTarget is the fraction of volume the Value Area must hold.
const DefaultValueAreaTarget = 0.70

// DefaultMaxLevels caps the number of levels in one profile. Tick-size
// profiles whose price range needs more levels use a coarser multiple of
// the tick.
const DefaultMaxLevels = 10_000

// Node thresholds relative to the mean volume per level.
const (
	highVolumeNodeRatio = 2.0
	lowVolumeNodeRatio  = 0.5
)

// Level is one price bucket of a profile.
type Level struct {
	Price            float64 `json:"price"` // bucket lower bound
	Volume           float64 `json:"volume"`
	BuyVolume        float64 `json:"buyVolume"`
	SellVolume       float64 `json:"sellVolume"`
	Delta            float64 `json:"delta"`
	VolumePercentage float64 `json:"volumePercentage"`
	IsPOC            bool    `json:"isPOC"`
	IsHighVolumeNode bool    `json:"isHighVolumeNode"`
	IsLowVolumeNode  bool    `json:"isLowVolumeNode"`
	IsValueAreaHigh  bool    `json:"isValueAreaHigh"`
	IsValueAreaLow   bool    `json:"isValueAreaLow"`
	InValueArea      bool    `json:"inValueArea"`
}

// ValueArea summarizes the accepted range around the POC.
type ValueArea struct {
	High                float64 `json:"high"`
	Low                 float64 `json:"low"`
	POC                 float64 `json:"poc"`
	ValueAreaVolume     float64 `json:"valueAreaVolume"`
	TotalVolume         float64 `json:"totalVolume"`
	ValueAreaPercentage float64 `json:"valueAreaPercentage"`
}

// Profile is an ordered-by-price array of levels plus its Value Area.
// An empty profile has no levels and HasPOC=false.
type Profile struct {
	Levels     []Level   `json:"levels"`
	ValueArea  ValueArea `json:"valueArea"`
	BucketSize float64   `json:"bucketSize"`
	HasPOC     bool      `json:"hasPOC"`
	Trades     int       `json:"trades"`
}

// POC returns the POC level, if any.
func (p Profile) POC() (Level, bool) {
	for _, l := range p.Levels {
		if l.IsPOC {
			return l, true
		}
	}
	return Level{}, false
}

// Params selects bucketing. Exactly one of BucketCount or TickSize is set.
type Params struct {
	BucketCount     int     `json:"bucketCount,omitempty" yaml:"bucket_count"`
	TickSize        float64 `json:"tickSize,omitempty" yaml:"tick_size"`
	ValueAreaTarget float64 `json:"valueAreaTarget,omitempty" yaml:"value_area_target"` // 0 means DefaultValueAreaTarget
	MaxLevels       int     `json:"maxLevels,omitempty" yaml:"max_levels"`              // 0 means DefaultMaxLevels
}

// ErrBucketing is returned when Params select neither or both bucketing modes.
var ErrBucketing = errors.New("profile: exactly one of bucket count or tick size must be set")

// Validate checks the parameters.
func (p Params) Validate() error {
	if (p.BucketCount > 0) == (p.TickSize > 0) {
		return ErrBucketing
	}
	if p.BucketCount < 0 || p.TickSize < 0 || math.IsNaN(p.TickSize) || math.IsInf(p.TickSize, 0) {
		return ErrBucketing
	}
	if p.ValueAreaTarget < 0 || p.ValueAreaTarget > 1 {
		return fmt.Errorf("profile: value area target %v outside [0, 1]", p.ValueAreaTarget)
	}
	if p.MaxLevels < 0 {
		return fmt.Errorf("profile: negative max levels %d", p.MaxLevels)
	}
	if p.BucketCount > p.maxLevels() {
		return fmt.Errorf("profile: bucket count %d above max levels %d", p.BucketCount, p.maxLevels())
	}
	return nil
}

func (p Params) maxLevels() int {
	if p.MaxLevels == 0 {
		return DefaultMaxLevels
	}
	return p.MaxLevels
}

func (p Params) target() float64 {
	if p.ValueAreaTarget == 0 {
		return DefaultValueAreaTarget
	}
	return p.ValueAreaTarget
}

// Build builds a volume profile from trades. Malformed trades are rejected
// before any accumulation; an empty trade set yields an empty profile.
func Build(trades []model.Trade, p Params) (Profile, error) {
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	for i := range trades {
		if err := trades[i].Validate(); err != nil {
			return Profile{}, fmt.Errorf("trade %d: %w", i, err)
		}
	}
	if len(trades) == 0 {
		return Profile{Levels: []Level{}}, nil
	}

	lo, hi := trades[0].Price, trades[0].Price
	for _, t := range trades[1:] {
		lo = math.Min(lo, t.Price)
		hi = math.Max(hi, t.Price)
	}
	b := newBucketing(lo, hi, p)
	levels := b.levels()
	for i := range trades {
		addTrade(&levels[b.index(trades[i].Price)], &trades[i])
	}
	prof := Profile{Levels: levels, BucketSize: b.width, Trades: len(trades)}
	classify(&prof, p.target())
	return prof, nil
}

func addTrade(l *Level, t *model.Trade) {
	v := t.Volume()
	l.Volume += v
	if t.Side == model.Buy {
		l.BuyVolume += v
	} else {
		l.SellVolume += v
	}
	l.Delta = l.BuyVolume - l.SellVolume
}

func addPoint(l *Level, pt *Level) {
	l.Volume += pt.Volume
	l.BuyVolume += pt.BuyVolume
	l.SellVolume += pt.SellVolume
	l.Delta = l.BuyVolume - l.SellVolume
}

// bucketing maps prices to level indexes.
type bucketing struct {
	origin float64 // lower bound of level 0
	width  float64
	n      int
	ticked bool
	first  float64 // grid index of level 0 in units of width
}

// tickEpsilon absorbs representation error when a price sits on a tick boundary.
const tickEpsilon = 1e-9

// tickFloor returns the grid index of price, kept in float64 so extreme
// prices cannot overflow an integer.
func tickFloor(price, tick float64) float64 {
	return math.Floor(price/tick + tickEpsilon)
}

// newBucketing covers [lo, hi]. In tick-size mode the width grows to a
// multiple of the tick when the range would need more than MaxLevels levels.
func newBucketing(lo, hi float64, p Params) bucketing {
	if p.TickSize > 0 {
		limit := float64(p.maxLevels())
		width := p.TickSize
		span := tickFloor(hi, width) - tickFloor(lo, width) + 1
		if math.IsInf(span, 0) || math.IsNaN(span) {
			return bucketing{origin: lo, width: 0, n: 1}
		}
		if span > limit {
			width *= math.Ceil(span / limit)
		}
		for {
			first := tickFloor(lo, width)
			n := tickFloor(hi, width) - first + 1
			if n <= limit {
				return bucketing{origin: first * width, width: width, n: int(n), ticked: true, first: first}
			}
			width *= 2
		}
	}
	if hi == lo {
		// Zero price range collapses onto a single level.
		return bucketing{origin: lo, width: 0, n: 1}
	}
	return bucketing{origin: lo, width: (hi - lo) / float64(p.BucketCount), n: p.BucketCount}
}

func (b bucketing) index(price float64) int {
	if b.width == 0 {
		return 0
	}
	var i int
	if b.ticked {
		i = int(tickFloor(price, b.width) - b.first)
	} else {
		i = int(math.Floor((price - b.origin) / b.width))
	}
	if i < 0 {
		return 0
	}
	if i >= b.n {
		return b.n - 1 // maxPrice belongs to the top bucket
	}
	return i
}

func (b bucketing) price(i int) float64 {
	if b.ticked {
		return (b.first + float64(i)) * b.width
	}
	return b.origin + float64(i)*b.width
}

// levels returns the empty levels of b with their prices set.
func (b bucketing) levels() []Level {
	levels := make([]Level, b.n)
	for i := range levels {
		levels[i].Price = b.price(i)
	}
	return levels
}

// classify derives POC, Value Area and node flags from level volumes.
func classify(p *Profile, target float64) {
	n := len(p.Levels)
	if n == 0 {
		return
	}
	vols := make([]float64, n)
	var total float64
	for i, l := range p.Levels {
		vols[i] = l.Volume
		total += l.Volume
	}

	poc := argmax(vols)
	lo, hi, acc := expand(vols, poc, target*total)

	mean := total / float64(n)
	for i := range p.Levels {
		l := &p.Levels[i]
		l.IsPOC = i == poc
		l.InValueArea = i >= lo && i <= hi
		l.IsValueAreaHigh = i == hi
		l.IsValueAreaLow = i == lo
		l.IsHighVolumeNode = total > 0 && l.Volume > highVolumeNodeRatio*mean
		l.IsLowVolumeNode = total > 0 && l.Volume < lowVolumeNodeRatio*mean
		l.VolumePercentage = 0
		if total > 0 {
			l.VolumePercentage = l.Volume / total * 100
		}
	}

	p.HasPOC = true
	p.ValueArea = ValueArea{
		High:            p.Levels[hi].Price,
		Low:             p.Levels[lo].Price,
		POC:             p.Levels[poc].Price,
		ValueAreaVolume: acc,
		TotalVolume:     total,
	}
	if total > 0 {
		p.ValueArea.ValueAreaPercentage = acc / total * 100
	}
}

// argmax returns the first index holding the maximum weight.
func argmax(w []float64) int {
	best := 0
	for i := 1; i < len(w); i++ {
		if w[i] > w[best] {
			best = i
		}
	}
	return best
}

// expand grows [lo, hi] outward from start, each step taking the heavier
// neighbour (upper on ties), until acc reaches want or both ends are
// exhausted.
func expand(w []float64, start int, want float64) (lo, hi int, acc float64) {
	lo, hi = start, start
	acc = w[start]
	for acc < want && (lo > 0 || hi < len(w)-1) {
		up, down := -1.0, -1.0
		if hi < len(w)-1 {
			up = w[hi+1]
		}
		if lo > 0 {
			down = w[lo-1]
		}
		if up >= down {
			hi++
			acc += up
		} else {
			lo--
			acc += down
		}
	}
	return lo, hi, acc
}
