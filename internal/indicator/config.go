package indicator

import (
	"fmt"
	"strconv"
	"strings"
)

// Indicator type identifiers.
const (
	TypeSMA        = "SMA"
	TypeEMA        = "EMA"
	TypeSMMA       = "SMMA"
	TypeRSI        = "RSI"
	TypeMACD       = "MACD"
	TypeBollinger  = "BOLLINGER"
	TypeStochastic = "STOCH"
	TypeWilliamsR  = "WILLR"
	TypeCCI        = "CCI"
	TypeATR        = "ATR"
	TypeADX        = "ADX"
)

// defaultParams are applied positionally when a Config omits parameters.
var defaultParams = map[string][]float64{
	TypeSMA:        {20},
	TypeEMA:        {20},
	TypeSMMA:       {14},
	TypeRSI:        {14},
	TypeMACD:       {12, 26, 9},
	TypeBollinger:  {20, 2},
	TypeStochastic: {14, 3},
	TypeWilliamsR:  {14},
	TypeCCI:        {20},
	TypeATR:        {14},
	TypeADX:        {14},
}

// Config specifies a single indicator to compute.
type Config struct {
	Type   string    `json:"type" yaml:"type"`
	Params []float64 `json:"params,omitempty" yaml:"params,omitempty"`
}

// Normalize upper-cases the type and fills omitted parameters with defaults.
func (c Config) Normalize() Config {
	c.Type = strings.ToUpper(strings.TrimSpace(c.Type))
	def := defaultParams[c.Type]
	if len(c.Params) < len(def) {
		p := make([]float64, len(def))
		copy(p, c.Params)
		copy(p[len(c.Params):], def[len(c.Params):])
		c.Params = p
	}
	return c
}

// Key returns the request identity, e.g. "MACD_12_26_9" or "BOLLINGER_20_2.5".
func (c Config) Key() string {
	c = c.Normalize()
	var sb strings.Builder
	sb.WriteString(c.Type)
	for _, p := range c.Params {
		sb.WriteByte('_')
		sb.WriteString(strconv.FormatFloat(p, 'f', -1, 64))
	}
	return sb.String()
}

func (c Config) period(i int) int { return int(c.Params[i]) }

// Warmup returns the number of candles needed before the indicator is Ready.
func (c Config) Warmup() int {
	c = c.Normalize()
	switch c.Type {
	case TypeRSI:
		return c.period(0) + 1
	case TypeMACD:
		return c.period(1) + c.period(2) - 1
	case TypeStochastic:
		return c.period(0) + c.period(1) - 1
	case TypeADX:
		return 2 * c.period(0)
	}
	if len(c.Params) == 0 {
		return 0
	}
	return c.period(0)
}

// Validate checks the type and parameter ranges.
func (c Config) Validate() error {
	c = c.Normalize()
	if _, ok := defaultParams[c.Type]; !ok {
		return fmt.Errorf("unknown indicator type %q", c.Type)
	}
	for i, p := range c.Params {
		if c.Type == TypeBollinger && i == 1 {
			if p <= 0 {
				return fmt.Errorf("%s: band width must be positive, got %v", c.Type, p)
			}
			continue
		}
		if p < 1 || p != float64(int(p)) {
			return fmt.Errorf("%s: period must be a positive integer, got %v", c.Type, p)
		}
	}
	if c.Type == TypeMACD && c.Params[0] >= c.Params[1] {
		return fmt.Errorf("MACD: fast period %v must be below slow period %v", c.Params[0], c.Params[1])
	}
	return nil
}

// New instantiates the indicator described by cfg.
func New(cfg Config) (Indicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Normalize()
	switch cfg.Type {
	case TypeSMA:
		return NewSMA(cfg.period(0)), nil
	case TypeEMA:
		return NewEMA(cfg.period(0)), nil
	case TypeSMMA:
		return NewSMMA(cfg.period(0)), nil
	case TypeRSI:
		return NewRSI(cfg.period(0)), nil
	case TypeMACD:
		return NewMACD(cfg.period(0), cfg.period(1), cfg.period(2)), nil
	case TypeBollinger:
		return NewBollinger(cfg.period(0), cfg.Params[1]), nil
	case TypeStochastic:
		return NewStochastic(cfg.period(0), cfg.period(1)), nil
	case TypeWilliamsR:
		return NewWilliamsR(cfg.period(0)), nil
	case TypeCCI:
		return NewCCI(cfg.period(0)), nil
	case TypeATR:
		return NewATR(cfg.period(0)), nil
	case TypeADX:
		return NewADX(cfg.period(0)), nil
	}
	return nil, fmt.Errorf("unknown indicator type %q", cfg.Type)
}

// ParseSpec parses "TYPE:P1:P2..." (e.g. "MACD:12:26:9", "RSI").
func ParseSpec(s string) (Config, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	cfg := Config{Type: parts[0]}
	for _, p := range parts[1:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Config{}, fmt.Errorf("indicator spec %q: %w", s, err)
		}
		cfg.Params = append(cfg.Params, v)
	}
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("indicator spec %q: %w", s, err)
	}
	return cfg, nil
}

// ParseSpecs parses a comma-separated list of specs.
func ParseSpecs(s string) ([]Config, error) {
	var out []Config
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		cfg, err := ParseSpec(part)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}
