package feed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tidwall/gjson"

	"microstructure-v1/internal/logger"
	"microstructure-v1/internal/model"
)

// Replay channels. A line carrying a "tf" field is a candle.
const (
	ReplayTradeChannel  = "replay:trades"
	ReplayCandleChannel = "replay:candles"
)

const maxReplayGap = 5 * time.Second

// Replay is a model.EventSource that plays a JSONL file of trade and candle
// payloads, pacing events by their timestamps. Speed 1 is real time, 10 is
// ten times faster, 0 emits as fast as the consumer reads. Gaps are capped
// at 5s of wall time. After the last line it blocks until ctx is done.
type Replay struct {
	open  func() (io.ReadCloser, error)
	speed float64
}

// NewReplay creates a replay of the file at path.
func NewReplay(path string, speed float64) *Replay {
	return &Replay{
		open:  func() (io.ReadCloser, error) { return os.Open(path) },
		speed: speed,
	}
}

// NewReplayReader replays r once.
func NewReplayReader(r io.Reader, speed float64) *Replay {
	return &Replay{
		open:  func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
		speed: speed,
	}
}

// Events implements model.EventSource.
func (r *Replay) Events(ctx context.Context, out chan<- model.RawEvent, _ chan<- struct{}) error {
	f, err := r.open()
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	defer f.Close()

	log := logger.Component("replay")
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)

	var prev time.Time
	emitted := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		ev := model.RawEvent{Channel: ReplayTradeChannel, Payload: append([]byte(nil), line...)}
		if gjson.GetBytes(line, "tf").Exists() {
			ev.Channel = ReplayCandleChannel
		}

		if r.speed > 0 {
			if decoded, err := Decode(ev); err == nil {
				ts := eventTime(&decoded)
				if !prev.IsZero() && ts.After(prev) {
					gap := time.Duration(float64(ts.Sub(prev)) / r.speed)
					if gap > maxReplayGap {
						gap = maxReplayGap
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(gap):
					}
				}
				if ts.After(prev) {
					prev = ts
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- ev:
			emitted++
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	log.Info().Int("events", emitted).Float64("speed", r.speed).Msg("replay finished")

	<-ctx.Done()
	return ctx.Err()
}

func eventTime(ev *Event) time.Time {
	if ev.Kind == KindCandle {
		return ev.Candle.Time
	}
	return ev.Trade.Timestamp
}
