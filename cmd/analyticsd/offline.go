package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"microstructure-v1/internal/feed"
	"microstructure-v1/internal/indicator"
	"microstructure-v1/internal/logger"
	"microstructure-v1/internal/model"
	"microstructure-v1/internal/profile"
)

const maxLineBytes = 1 << 20

// ProfileReport is the output of the profile command for one symbol.
type ProfileReport struct {
	Profile       profile.Profile        `json:"profile"`
	MarketProfile *profile.MarketProfile `json:"marketProfile,omitempty"`
}

// ProfileOutput is printed by the profile command.
type ProfileOutput struct {
	Symbols  map[string]ProfileReport `json:"symbols"`
	Rejected int                      `json:"rejected"`
}

// IndicatorsOutput is printed by the indicators command, keyed by
// "symbol:tf" then request key.
type IndicatorsOutput struct {
	Series   map[string]map[string]indicator.Series `json:"series"`
	Rejected int                                    `json:"rejected"`
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// scanLines calls fn for every non-empty line of r.
func scanLines(r io.Reader, fn func(line []byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		fn(sc.Bytes())
	}
	return sc.Err()
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newProfileCmd() *cobra.Command {
	var (
		file   string
		params profile.Params
		block  time.Duration
		tpo    bool
	)
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Build volume and market profiles from a JSONL trade file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := openInput(file)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := runProfile(in, params, block, tpo)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSONL trades, one per line (- for stdin)")
	cmd.Flags().Float64Var(&params.TickSize, "tick-size", 0, "bucket by price tick")
	cmd.Flags().IntVar(&params.BucketCount, "buckets", 0, "bucket into N equal ranges")
	cmd.Flags().Float64Var(&params.ValueAreaTarget, "value-area", profile.DefaultValueAreaTarget, "value area volume share")
	cmd.Flags().IntVar(&params.MaxLevels, "max-levels", profile.DefaultMaxLevels, "coarsen tick bucketing past this many levels")
	cmd.Flags().DurationVar(&block, "tpo-block", profile.DefaultTPOBlock, "TPO period length")
	cmd.Flags().BoolVar(&tpo, "tpo", true, "also build the TPO market profile")
	return cmd
}

// runProfile decodes trades from r and builds one profile per symbol.
// Undecodable lines are counted and skipped.
func runProfile(r io.Reader, params profile.Params, block time.Duration, tpo bool) (ProfileOutput, error) {
	if err := params.Validate(); err != nil {
		return ProfileOutput{}, err
	}
	log := logger.Component("profile")
	out := ProfileOutput{Symbols: make(map[string]ProfileReport)}
	bySymbol := make(map[string][]model.Trade)
	line := 0
	err := scanLines(r, func(b []byte) {
		line++
		t, err := feed.DecodeTrade(b)
		if err != nil {
			out.Rejected++
			log.Debug().Err(err).Int("line", line).Msg("skipping trade")
			return
		}
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	})
	if err != nil {
		return ProfileOutput{}, err
	}

	for sym, trades := range bySymbol {
		sort.SliceStable(trades, func(i, j int) bool { return trades[i].Timestamp.Before(trades[j].Timestamp) })
		prof, err := profile.Build(trades, params)
		if err != nil {
			return ProfileOutput{}, fmt.Errorf("%s: %w", sym, err)
		}
		rep := ProfileReport{Profile: prof}
		if tpo {
			mp, err := profile.BuildMarketProfile(trades, profile.TPOParams{Params: params, Block: block})
			if err != nil {
				return ProfileOutput{}, fmt.Errorf("%s: %w", sym, err)
			}
			rep.MarketProfile = &mp
		}
		out.Symbols[sym] = rep
	}
	return out, nil
}

func newIndicatorsCmd() *cobra.Command {
	var (
		file      string
		specs     string
		maxPoints int
	)
	cmd := &cobra.Command{
		Use:   "indicators",
		Short: "Compute indicator series over a JSONL candle file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgs, err := indicator.ParseSpecs(specs)
			if err != nil {
				return err
			}
			if len(cfgs) == 0 {
				return fmt.Errorf("--spec: at least one indicator is required")
			}
			for _, c := range cfgs {
				if err := c.Validate(); err != nil {
					return fmt.Errorf("--spec: %w", err)
				}
			}
			in, err := openInput(file)
			if err != nil {
				return err
			}
			defer in.Close()
			out, err := runIndicators(in, cfgs, maxPoints)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSONL candles, one per line (- for stdin)")
	cmd.Flags().StringVarP(&specs, "spec", "s", "", `indicators, e.g. "SMA:20,RSI:14,BOLLINGER:20:2"`)
	cmd.Flags().IntVar(&maxPoints, "max-points", 0, "keep only the last N points per series (0 = all)")
	return cmd
}

// runIndicators feeds candles from r through an engine computing cfgs on
// every symbol and timeframe seen. Out-of-order or malformed candles are
// counted and skipped.
func runIndicators(r io.Reader, cfgs []indicator.Config, maxPoints int) (IndicatorsOutput, error) {
	log := logger.Component("indicators")
	eng := indicator.NewEngine(nil, indicator.EngineOptions{MaxPoints: maxPoints})
	out := IndicatorsOutput{Series: make(map[string]map[string]indicator.Series)}
	seen := make(map[string]model.Candle)
	line := 0
	err := scanLines(r, func(b []byte) {
		line++
		c, err := feed.DecodeCandle(b)
		if err == nil {
			if _, ok := seen[c.Key()]; !ok {
				for _, cfg := range cfgs {
					if _, _, serr := eng.Subscribe(indicator.Request{Symbol: c.Symbol, TF: c.TF, Config: cfg}); serr != nil {
						err = serr
						break
					}
				}
			}
		}
		if err == nil {
			_, err = eng.Process(c)
		}
		if err != nil {
			out.Rejected++
			log.Debug().Err(err).Int("line", line).Msg("skipping candle")
			return
		}
		seen[c.Key()] = c
	})
	if err != nil {
		return IndicatorsOutput{}, err
	}
	for key, c := range seen {
		out.Series[key] = eng.Series(c.Symbol, c.TF)
	}
	return out, nil
}
