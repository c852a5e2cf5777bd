// Package candles resamples a trade stream into OHLCV candles for several
// timeframes at once. Each (symbol, timeframe) pair holds one forming candle
// updated in O(1) per trade; when a trade lands in a later bucket the forming
// candle is closed and emitted.
package candles

import (
	"fmt"
	"sort"
	"time"

	"microstructure-v1/internal/model"
)

// Update is a candle emitted by the builder. Closed candles are final;
// forming candles are previews of the current bucket and will be replaced.
type Update struct {
	Candle model.Candle
	Closed bool
}

type formingState struct {
	bucket int64 // bucket start = ts - ts%tf (Unix seconds)
	candle model.Candle
}

// Builder resamples trades into candles. Not safe for concurrent use; each
// symbol worker owns its builder.
type Builder struct {
	tfs    []int
	states []map[string]*formingState // states[tfIdx][symbol]
	late   int

	// OnLate is called when a trade is rejected for one timeframe because
	// its bucket has already closed (optional).
	OnLate func(symbol string, tf int)
}

// New creates a builder for the given timeframes in seconds.
func New(tfs []int) (*Builder, error) {
	seen := make(map[int]bool, len(tfs))
	sorted := make([]int, 0, len(tfs))
	for _, tf := range tfs {
		if tf <= 0 {
			return nil, fmt.Errorf("candles: timeframe must be positive, got %d", tf)
		}
		if seen[tf] {
			return nil, fmt.Errorf("candles: duplicate timeframe %d", tf)
		}
		seen[tf] = true
		sorted = append(sorted, tf)
	}
	sort.Ints(sorted)

	states := make([]map[string]*formingState, len(sorted))
	for i := range states {
		states[i] = make(map[string]*formingState, 8)
	}
	return &Builder{tfs: sorted, states: states}, nil
}

// TFs returns the configured timeframes, ascending.
func (b *Builder) TFs() []int { return append([]int(nil), b.tfs...) }

// Late returns how many (trade, timeframe) pairs were rejected as late.
func (b *Builder) Late() int { return b.late }

// Add folds a trade into every timeframe. For each timeframe it returns the
// closed candle (if the trade opened a new bucket) followed by the forming
// candle. A malformed trade is rejected and changes nothing.
func (b *Builder) Add(t model.Trade) ([]Update, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	ts := t.Timestamp.Unix()
	out := make([]Update, 0, 2*len(b.tfs))

	for i, tf := range b.tfs {
		tf64 := int64(tf)
		bucket := ts - ts%tf64

		st, exists := b.states[i][t.Symbol]
		if exists && bucket < st.bucket {
			b.late++
			if b.OnLate != nil {
				b.OnLate(t.Symbol, tf)
			}
			continue
		}

		if exists && bucket > st.bucket {
			out = append(out, Update{Candle: st.candle, Closed: true})
			exists = false
		}

		if !exists {
			st = &formingState{
				bucket: bucket,
				candle: model.Candle{
					Symbol: t.Symbol,
					TF:     tf,
					Time:   time.Unix(bucket, 0).UTC(),
					Open:   t.Price,
					High:   t.Price,
					Low:    t.Price,
					Close:  t.Price,
					Volume: t.Quantity,
				},
			}
			b.states[i][t.Symbol] = st
			out = append(out, Update{Candle: st.candle})
			continue
		}

		c := &st.candle
		if t.Price > c.High {
			c.High = t.Price
		}
		if t.Price < c.Low {
			c.Low = t.Price
		}
		c.Close = t.Price
		c.Volume += t.Quantity
		out = append(out, Update{Candle: *c})
	}
	return out, nil
}

// Flush closes every forming candle whose bucket ended at or before now.
// Used on a timer so quiet symbols still close their bars.
func (b *Builder) Flush(now time.Time) []model.Candle {
	var out []model.Candle
	unix := now.Unix()
	for i, tf := range b.tfs {
		for sym, st := range b.states[i] {
			if st.bucket+int64(tf) <= unix {
				out = append(out, st.candle)
				delete(b.states[i], sym)
			}
		}
	}
	sortCandles(out)
	return out
}

// Forming returns the forming candle for symbol and tf.
func (b *Builder) Forming(symbol string, tf int) (model.Candle, bool) {
	for i, v := range b.tfs {
		if v == tf {
			if st, ok := b.states[i][symbol]; ok {
				return st.candle, true
			}
			return model.Candle{}, false
		}
	}
	return model.Candle{}, false
}

// Reset drops all forming candles for symbol without emitting them.
func (b *Builder) Reset(symbol string) {
	for i := range b.states {
		delete(b.states[i], symbol)
	}
}

func sortCandles(cs []model.Candle) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Symbol != cs[j].Symbol {
			return cs[i].Symbol < cs[j].Symbol
		}
		if cs[i].TF != cs[j].TF {
			return cs[i].TF < cs[j].TF
		}
		return cs[i].Time.Before(cs[j].Time)
	})
}
