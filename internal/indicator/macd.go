package indicator

import "microstructure-v1/internal/model"

// MACD is EMA(fast) − EMA(slow), with an EMA(signal) of that line and a
// histogram (line − signal) tagged by sign.
type MACD struct {
	fast, slow, signal *EMA
	line               float64
}

// NewMACD creates a MACD(fast, slow, signal) indicator.
func NewMACD(fast, slow, signal int) *MACD {
	return &MACD{
		fast:   NewEMA(fast),
		slow:   NewEMA(slow),
		signal: NewEMA(signal),
	}
}

func (m *MACD) Name() string      { return TypeMACD }
func (m *MACD) Outputs() []string { return []string{"macd", "signal", "histogram"} }

func (m *MACD) Update(candle model.Candle) {
	m.fast.Push(candle.Close)
	m.slow.Push(candle.Close)
	if !m.fast.Ready() || !m.slow.Ready() {
		return
	}
	m.line = m.fast.Value() - m.slow.Value()
	m.signal.Push(m.line)
}

func (m *MACD) Values() []float64 {
	sig := m.signal.Value()
	return []float64{m.line, sig, m.line - sig}
}

// Tags marks the histogram with its sign.
func (m *MACD) Tags() []string {
	v := m.Values()
	return []string{"", "", signTag(v[2])}
}

func (m *MACD) Ready() bool { return m.signal.Ready() }

func (m *MACD) Peek(candle model.Candle) []float64 { return peekByClone(m, candle) }

func (m *MACD) Clone() Indicator {
	c := *m
	c.fast = m.fast.Clone().(*EMA)
	c.slow = m.slow.Clone().(*EMA)
	c.signal = m.signal.Clone().(*EMA)
	return &c
}

func (m *MACD) Reset() {
	m.fast.Reset()
	m.slow.Reset()
	m.signal.Reset()
	m.line = 0
}
