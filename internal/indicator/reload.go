package indicator

import "fmt"

// ReloadConfigs swaps the per-TF default indicator sets. Streams that are
// still wanted keep their accumulated state; new defaults are subscribed for
// every symbol already seen on that TF and warmed from the candle tail;
// defaults no longer configured are dropped unless a caller subscribed them
// explicitly. Returns the number of preserved and newly created streams.
func (e *Engine) ReloadConfigs(newConfigs []TFIndicatorConfig) (preserved, created int, err error) {
	if err := ValidateConfigs(newConfigs); err != nil {
		return 0, 0, err
	}

	wanted := make(map[int]map[string]Config, len(newConfigs))
	for _, cfg := range newConfigs {
		set := make(map[string]Config, len(cfg.Indicators))
		for _, ic := range cfg.Indicators {
			set[ic.Key()] = ic
		}
		wanted[cfg.TF] = set
	}

	// Drop defaults that are no longer configured.
	for _, en := range e.entries {
		if en.explicit {
			continue
		}
		if _, ok := wanted[en.req.TF][en.req.Config.Key()]; !ok {
			e.remove(en)
		}
	}

	e.setConfigs(newConfigs)

	// Subscribe new defaults for every series already seen.
	for sk := range e.defaulted {
		symbol, tf, ok := splitSeriesKey(sk)
		if !ok {
			continue
		}
		for _, ic := range wanted[tf] {
			_, isNew, err := e.subscribe(Request{Symbol: symbol, TF: tf, Config: ic}, false)
			if err != nil {
				return preserved, created, err
			}
			if isNew {
				created++
			} else {
				preserved++
			}
		}
	}
	return preserved, created, nil
}

func splitSeriesKey(sk string) (symbol string, tf int, ok bool) {
	for i := len(sk) - 1; i >= 0; i-- {
		if sk[i] != ':' {
			continue
		}
		n := 0
		for _, ch := range sk[i+1:] {
			if ch < '0' || ch > '9' {
				return "", 0, false
			}
			n = n*10 + int(ch-'0')
		}
		return sk[:i], n, i+1 < len(sk)
	}
	return "", 0, false
}

// ValidateConfigs checks a set of TFIndicatorConfigs for errors.
func ValidateConfigs(configs []TFIndicatorConfig) error {
	seen := make(map[int]bool)
	for _, cfg := range configs {
		if cfg.TF <= 0 {
			return fmt.Errorf("invalid TF=%d: must be positive", cfg.TF)
		}
		if seen[cfg.TF] {
			return fmt.Errorf("duplicate TF=%d", cfg.TF)
		}
		seen[cfg.TF] = true

		for _, ind := range cfg.Indicators {
			if err := ind.Validate(); err != nil {
				return fmt.Errorf("TF=%d: %w", cfg.TF, err)
			}
		}
	}
	return nil
}
