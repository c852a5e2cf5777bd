// Package logger sets up zerolog for the service. It writes JSON to stdout
// with the service name embedded and propagates a trace ID through
// context.Context so one event can be followed across the pipeline.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Init creates the service logger and installs it as the global zerolog
// logger. level is parsed with zerolog.ParseLevel; an unknown level falls
// back to info. pretty switches to the console writer for local runs.
func Init(service, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	l := zerolog.New(out).Level(lvl).With().Timestamp().Str("service", service).Logger()

	log.Logger = l
	zerolog.SetGlobalLevel(lvl)
	return l
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID creates a trace ID from a symbol and event time.
// Format: "{symbol}-{unixNano}".
func GenerateTraceID(symbol string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", symbol, ts.UnixNano())
}

// Ctx returns the global logger with the context's trace ID attached.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if tid := TraceID(ctx); tid != "" {
		l = l.With().Str("trace_id", tid).Logger()
	}
	return &l
}

// Component returns the global logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
