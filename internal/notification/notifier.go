// Package notification delivers CVD alerts to external channels. A
// Dispatcher drops duplicates and alerts below a severity floor, paces
// delivery, and fans each alert out to every Notifier.
package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"microstructure-v1/internal/cvd"
	"microstructure-v1/internal/logger"
)

// Notifier delivers one alert.
type Notifier interface {
	Name() string
	Send(ctx context.Context, alert cvd.Alert) error
}

// LogNotifier writes alerts to the service log.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.Component("alerts")}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Send(_ context.Context, a cvd.Alert) error {
	n.log.Info().
		Str("id", a.ID).
		Str("symbol", a.Symbol).
		Str("kind", string(a.Kind)).
		Str("severity", string(a.Severity)).
		Float64("value", a.Value).
		Time("at", a.Timestamp).
		Msg(a.Message)
	return nil
}

// Title is the one-line summary used by chat notifiers.
func Title(a cvd.Alert) string {
	return fmt.Sprintf("%s %s (%s)", a.Symbol, a.Kind, a.Severity)
}

// SeverityRank orders severities; unknown severities rank lowest.
func SeverityRank(s cvd.Severity) int {
	switch s {
	case cvd.SeverityHigh:
		return 3
	case cvd.SeverityMedium:
		return 2
	case cvd.SeverityLow:
		return 1
	}
	return 0
}
