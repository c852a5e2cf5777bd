// Package redis is the Redis side of the service: the PubSub event feed,
// snapshot publishing behind a circuit breaker, checkpoints, and a capped
// stream of closed candles used to warm series on a cold start.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"microstructure-v1/internal/logger"
	"microstructure-v1/internal/model"
)

const (
	defaultLatestTTL     = 30 * time.Minute
	defaultCheckpointTTL = 24 * time.Hour
	defaultCheckpointKey = "analytics:checkpoint"
	candleStreamMaxLen   = 1000
)

// Config configures the Redis client.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int

	CheckpointKey string
	Breaker       BreakerConfig
}

// Client wraps a go-redis client with the breaker used for writes.
type Client struct {
	rdb     *goredis.Client
	breaker *CircuitBreaker
	ckptKey string
	log     zerolog.Logger
}

// New connects and pings the server.
func New(cfg Config) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	c := NewWithClient(rdb, NewCircuitBreaker(cfg.Breaker), cfg.CheckpointKey)
	c.log.Info().Str("addr", cfg.Addr).Msg("connected")
	return c, nil
}

// NewWithClient wraps an existing client (tests use redismock).
func NewWithClient(rdb *goredis.Client, breaker *CircuitBreaker, checkpointKey string) *Client {
	if breaker == nil {
		breaker = NewCircuitBreaker(BreakerConfig{})
	}
	if checkpointKey == "" {
		checkpointKey = defaultCheckpointKey
	}
	return &Client{
		rdb:     rdb,
		breaker: breaker,
		ckptKey: checkpointKey,
		log:     logger.Component("redis"),
	}
}

// Redis returns the underlying client for health checks.
func (c *Client) Redis() *goredis.Client { return c.rdb }

// Breaker returns the write breaker.
func (c *Client) Breaker() *CircuitBreaker { return c.breaker }

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Publish sends payload on a PubSub channel through the breaker.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.breaker.Execute(func() error {
		return c.rdb.Publish(ctx, channel, payload).Err()
	})
}

// PublishLatest publishes payload and stores it under key with a TTL in
// one pipeline, so late subscribers can read the last snapshot.
func (c *Client) PublishLatest(ctx context.Context, channel, key string, payload []byte) error {
	return c.breaker.Execute(func() error {
		pipe := c.rdb.Pipeline()
		pipe.Set(ctx, key, payload, defaultLatestTTL)
		pipe.Publish(ctx, channel, payload)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Latest reads a value stored by PublishLatest. Returns nil, nil when the
// key does not exist.
func (c *Client) Latest(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return b, nil
}

// CandleStreamKey returns the stream holding closed candles of a series.
func CandleStreamKey(symbol string, tf int) string {
	return "candle:" + model.Itoa(tf) + "s:" + symbol
}

// AppendCandle adds a closed candle to its capped stream.
func (c *Client) AppendCandle(ctx context.Context, cd model.Candle) error {
	return c.breaker.Execute(func() error {
		return c.rdb.XAdd(ctx, &goredis.XAddArgs{
			Stream: CandleStreamKey(cd.Symbol, cd.TF),
			MaxLen: candleStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": string(cd.JSON())},
		}).Err()
	})
}

// RecentCandles returns up to n closed candles of a series, oldest first.
// Undecodable entries are skipped.
func (c *Client) RecentCandles(ctx context.Context, symbol string, tf int, n int64) ([]model.Candle, error) {
	msgs, err := c.rdb.XRevRangeN(ctx, CandleStreamKey(symbol, tf), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", CandleStreamKey(symbol, tf), err)
	}
	out := make([]model.Candle, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		data, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var cd model.Candle
		if err := json.Unmarshal([]byte(data), &cd); err != nil {
			continue
		}
		out = append(out, cd)
	}
	return out, nil
}

// Close closes the Redis client.
func (c *Client) Close() error {
	return c.rdb.Close()
}
