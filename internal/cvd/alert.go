package cvd

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AlertKind names the rule that produced an alert.
type AlertKind string

const (
	AlertDivergence   AlertKind = "divergence"
	AlertSpike        AlertKind = "spike"
	AlertAcceleration AlertKind = "acceleration"
	AlertExhaustion   AlertKind = "exhaustion"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Alert thresholds: spikes compare |deltaPercentage|, acceleration |deltaSlope|.
const (
	SpikeThreshold         = 15.0
	SpikeHighThreshold     = 25.0
	AccelerationThreshold  = 10000.0
	DivergenceHighStrength = 50.0
	accelerationHighFactor = 2.0
)

// alertNamespace seeds deterministic alert ids.
var alertNamespace = uuid.MustParse("6f1c1a8e-3b0e-4c43-9a55-0d6f3c2b9e71")

// Alert is a derived, non-persistent fact about the current point. Its ID
// is deterministic per (symbol, interval, kind, point time), so re-evaluating
// the same bucket yields the same ID.
type Alert struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Kind      AlertKind `json:"kind"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"` // point time
	Value     float64   `json:"value"`
	Message   string    `json:"message"`
}

func newAlert(s *State, kind AlertKind, sev Severity, value float64, msg string) Alert {
	name := s.Symbol + "|" + strconv.FormatInt(int64(s.Interval), 10) + "|" + string(kind) + "|" +
		strconv.FormatInt(s.Current.Timestamp.UnixNano(), 10)
	return Alert{
		ID:        uuid.NewSHA1(alertNamespace, []byte(name)).String(),
		Symbol:    s.Symbol,
		Kind:      kind,
		Severity:  sev,
		Timestamp: s.Current.Timestamp,
		Value:     value,
		Message:   msg,
	}
}

// evaluate applies every alert rule to the current point independently.
func evaluate(s *State) []Alert {
	p := &s.Current
	var alerts []Alert

	if p.Divergence != Neutral {
		sev := SeverityMedium
		if p.Strength > DivergenceHighStrength {
			sev = SeverityHigh
		}
		alerts = append(alerts, newAlert(s, AlertDivergence, sev, p.Strength,
			fmt.Sprintf("%s divergence: price %.2f vs delta slope %.2f", p.Divergence, p.Price, p.DeltaSlope)))
	}

	if pct := math.Abs(p.DeltaPercentage); pct > SpikeThreshold {
		sev := SeverityMedium
		if pct > SpikeHighThreshold {
			sev = SeverityHigh
		}
		alerts = append(alerts, newAlert(s, AlertSpike, sev, p.DeltaPercentage,
			fmt.Sprintf("delta spike %.1f%% of volume", p.DeltaPercentage)))
	}

	if slope := math.Abs(p.DeltaSlope); slope > AccelerationThreshold {
		sev := SeverityMedium
		if slope > accelerationHighFactor*AccelerationThreshold {
			sev = SeverityHigh
		}
		alerts = append(alerts, newAlert(s, AlertAcceleration, sev, p.DeltaSlope,
			fmt.Sprintf("delta acceleration %.0f", p.DeltaSlope)))
	}

	if exhausted(s.recentDeltas()) {
		alerts = append(alerts, newAlert(s, AlertExhaustion, SeverityMedium, p.Delta,
			"delta exhaustion: 5 same-sign deltas shrinking"))
	}
	return alerts
}

// exhausted reports whether the last exhaustionWindow deltas share a sign
// and strictly shrink in magnitude.
func exhausted(deltas []float64) bool {
	if len(deltas) < exhaustionWindow {
		return false
	}
	d := deltas[len(deltas)-exhaustionWindow:]
	for i, v := range d {
		if v == 0 || math.Signbit(v) != math.Signbit(d[0]) {
			return false
		}
		if i > 0 && math.Abs(v) >= math.Abs(d[i-1]) {
			return false
		}
	}
	return true
}
