package profile

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"microstructure-v1/internal/model"
)

// DefaultTPOBlock is the standard Market Profile period.
const DefaultTPOBlock = 30 * time.Minute

// TPOParams configures a Market Profile. Bucketing follows Params.
type TPOParams struct {
	Params
	Block        time.Duration `json:"block"`        // 0 means DefaultTPOBlock
	SessionStart time.Time     `json:"sessionStart"` // zero means the first trade's block
}

func (p TPOParams) block() time.Duration {
	if p.Block <= 0 {
		return DefaultTPOBlock
	}
	return p.Block
}

// TPOLevel is one price bucket of a Market Profile.
type TPOLevel struct {
	Price           float64 `json:"price"`
	Letters         string  `json:"letters"` // chronological, one per block touching the level
	TPOCount        int     `json:"tpoCount"`
	Volume          float64 `json:"volume"`
	IsPOC           bool    `json:"isPOC"`
	InValueArea     bool    `json:"inValueArea"`
	IsValueAreaHigh bool    `json:"isValueAreaHigh"`
	IsValueAreaLow  bool    `json:"isValueAreaLow"`
}

// InitialBalance is the range of the first two blocks of the session.
type InitialBalance struct {
	High    float64 `json:"high"`
	Low     float64 `json:"low"`
	Defined bool    `json:"defined"`
}

// MarketProfile is a TPO profile. ValueArea volumes are TPO counts.
type MarketProfile struct {
	SessionStart   time.Time      `json:"sessionStart"`
	Block          time.Duration  `json:"block"`
	Blocks         int            `json:"blocks"`
	BucketSize     float64        `json:"bucketSize"`
	Levels         []TPOLevel     `json:"levels"`
	ValueArea      ValueArea      `json:"valueArea"`
	InitialBalance InitialBalance `json:"initialBalance"`
	HasPOC         bool           `json:"hasPOC"`
}

// blockRange is the traded price range of one TPO block.
type blockRange struct {
	idx       int
	high, low float64
}

func (r *blockRange) extend(price float64) {
	r.high = max(r.high, price)
	r.low = min(r.low, price)
}

// tpoLetter maps a block index to A..Z, a..z, then wraps.
func tpoLetter(idx int) byte {
	idx %= 52
	if idx < 26 {
		return byte('A' + idx)
	}
	return byte('a' + idx - 26)
}

// blockIndex places ts in its block; trades before start fall into block 0.
func blockIndex(ts, start time.Time, block time.Duration) int {
	if ts.Before(start) {
		return 0
	}
	return int(ts.Sub(start) / block)
}

// BuildMarketProfile builds a TPO profile from trades.
func BuildMarketProfile(trades []model.Trade, p TPOParams) (MarketProfile, error) {
	if err := p.Params.Validate(); err != nil {
		return MarketProfile{}, err
	}
	for i := range trades {
		if err := trades[i].Validate(); err != nil {
			return MarketProfile{}, fmt.Errorf("trade %d: %w", i, err)
		}
	}
	block := p.block()
	start := p.SessionStart
	if start.IsZero() && len(trades) > 0 {
		first := trades[0].Timestamp
		for _, t := range trades[1:] {
			if t.Timestamp.Before(first) {
				first = t.Timestamp
			}
		}
		start = first.Truncate(block)
	}
	if len(trades) == 0 {
		return MarketProfile{SessionStart: start, Block: block, Levels: []TPOLevel{}}, nil
	}

	lo, hi := trades[0].Price, trades[0].Price
	for _, t := range trades[1:] {
		lo = min(lo, t.Price)
		hi = max(hi, t.Price)
	}
	b := newBucketing(lo, hi, p.Params)
	vols := make([]float64, b.n)
	blocks := make(map[int]*blockRange)
	for i := range trades {
		t := &trades[i]
		vols[b.index(t.Price)] += t.Volume()
		idx := blockIndex(t.Timestamp, start, block)
		if r, ok := blocks[idx]; ok {
			r.extend(t.Price)
		} else {
			blocks[idx] = &blockRange{idx: idx, high: t.Price, low: t.Price}
		}
	}
	return assembleTPO(b, blocks, vols, start, block, p.target()), nil
}

// ErrNoTPO is returned by Session.MarketProfile when TPO tracking is off.
var ErrNoTPO = errors.New("profile: session does not track TPO blocks")

func assembleTPO(b bucketing, blocks map[int]*blockRange, vols []float64, start time.Time, block time.Duration, target float64) MarketProfile {
	ordered := make([]*blockRange, 0, len(blocks))
	for _, r := range blocks {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].idx < ordered[j].idx })

	mp := MarketProfile{
		SessionStart: start,
		Block:        block,
		Blocks:       len(ordered),
		BucketSize:   b.width,
		Levels:       make([]TPOLevel, b.n),
	}
	letters := make([][]byte, b.n)
	for i := range mp.Levels {
		mp.Levels[i].Price = b.price(i)
		mp.Levels[i].Volume = vols[i]
	}
	for _, r := range ordered {
		ch := tpoLetter(r.idx)
		for i := b.index(r.low); i <= b.index(r.high); i++ {
			letters[i] = append(letters[i], ch)
		}
		if r.idx <= 1 {
			ib := &mp.InitialBalance
			if !ib.Defined {
				*ib = InitialBalance{High: r.high, Low: r.low, Defined: true}
			} else {
				ib.High = max(ib.High, r.high)
				ib.Low = min(ib.Low, r.low)
			}
		}
	}

	counts := make([]float64, b.n)
	var total float64
	for i := range mp.Levels {
		mp.Levels[i].Letters = string(letters[i])
		mp.Levels[i].TPOCount = len(letters[i])
		counts[i] = float64(len(letters[i]))
		total += counts[i]
	}
	if len(ordered) == 0 {
		return mp
	}

	poc := argmax(counts)
	lo, hi, acc := expand(counts, poc, target*total)
	for i := range mp.Levels {
		l := &mp.Levels[i]
		l.IsPOC = i == poc
		l.InValueArea = i >= lo && i <= hi
		l.IsValueAreaHigh = i == hi
		l.IsValueAreaLow = i == lo
	}
	mp.HasPOC = true
	mp.ValueArea = ValueArea{
		High:            mp.Levels[hi].Price,
		Low:             mp.Levels[lo].Price,
		POC:             mp.Levels[poc].Price,
		ValueAreaVolume: acc,
		TotalVolume:     total,
	}
	if total > 0 {
		mp.ValueArea.ValueAreaPercentage = acc / total * 100
	}
	return mp
}
