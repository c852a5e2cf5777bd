package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"

	"microstructure-v1/config"
	"microstructure-v1/internal/analytics"
	"microstructure-v1/internal/cvd"
	"microstructure-v1/internal/feed"
	"microstructure-v1/internal/gateway"
	"microstructure-v1/internal/logger"
	"microstructure-v1/internal/metrics"
	"microstructure-v1/internal/model"
	"microstructure-v1/internal/notification"
	redisstore "microstructure-v1/internal/store/redis"
	"microstructure-v1/internal/store/sqlite"
)

const (
	candleSinkBuffer = 4096
	shutdownTimeout  = 5 * time.Second
)

type serveOptions struct {
	replayFile  string
	replaySpeed float64
}

func newServeCmd(configPath *string) *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume the trade feed and serve live analytics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.replayFile, "replay", "", "replay trades and candles from a JSONL file instead of Redis")
	cmd.Flags().Float64Var(&opts.replaySpeed, "speed", 1, "replay speed multiplier, 0 for as fast as possible")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, opts serveOptions) error {
	log := logger.Init(cfg.Service.Name, cfg.Service.LogLevel, cfg.Service.LogPretty)
	start := time.Now()

	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()

	rc, err := redisstore.New(redisstore.Config{
		Addr:          cfg.Redis.Addr,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		CheckpointKey: cfg.Redis.CheckpointKey,
		Breaker: redisstore.BreakerConfig{
			Name:         "redis",
			MaxFailures:  cfg.Redis.BreakerFailures,
			ResetTimeout: time.Duration(cfg.Redis.BreakerReset) * time.Second,
			OnStateChange: func(from, to gobreaker.State) {
				prom.RedisCircuitBreakerState.Set(redisstore.StateValue(to))
				if to == gobreaker.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
				log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("redis circuit breaker state change")
			},
		},
	})
	if err != nil {
		return err
	}
	defer rc.Close()

	publisher := redisstore.NewBufferedPublisher(ctx, rc, 1000)
	publisher.OnBuffer = prom.RedisBufferedWrites.Inc
	publisher.OnFlush = func(n int) { log.Info().Int("count", n).Msg("flushed buffered redis publishes") }

	checkpoints := []analytics.CheckpointTarget{{Name: "redis", Store: rc}}
	history := []analytics.CandleHistory{rc}
	var onClosed []func(model.Candle)
	var wg sync.WaitGroup

	redisCandles := make(chan model.Candle, candleSinkBuffer)
	onClosed = append(onClosed, nonBlocking(redisCandles, log, "redis"))
	wg.Add(1)
	go func() {
		defer wg.Done()
		appendCandles(ctx, rc, redisCandles, log)
	}()

	var store *sqlite.Store
	if cfg.SQLite.Path != "" {
		store, err = sqlite.New(sqlite.Config{DBPath: cfg.SQLite.Path, KeepCandles: cfg.SQLite.KeepCandles})
		if err != nil {
			return err
		}
		defer store.Close()
		checkpoints = append(checkpoints, analytics.CheckpointTarget{Name: "sqlite", Store: store})
		history = append(history, store)

		sqliteCandles := make(chan model.Candle, candleSinkBuffer)
		onClosed = append(onClosed, nonBlocking(sqliteCandles, log, "sqlite"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Run(ctx, sqliteCandles)
		}()
	}

	var source model.EventSource = redisstore.NewFeed(rc, cfg.Redis.TradePattern, cfg.Redis.CandlePattern)
	if opts.replayFile != "" {
		log.Info().Str("file", opts.replayFile).Float64("speed", opts.replaySpeed).Msg("replaying from file")
		source = feed.NewReplay(opts.replayFile, opts.replaySpeed)
	}

	alerts := newAlertDispatcher(cfg, prom)
	wg.Add(1)
	go func() {
		defer wg.Done()
		alerts.Run(ctx)
	}()

	var hub *gateway.Hub
	svc, err := analytics.NewService(cfg, analytics.Deps{
		Source:      source,
		Publisher:   publisher,
		Broadcaster: analytics.BroadcastFunc(func(topic string, payload []byte) { hub.Broadcast(topic, payload) }),
		Checkpoints: checkpoints,
		History:     history,
		OnClosed:    onClosed,
		OnAlert:     []func(cvd.Alert){alerts.Enqueue},
		Metrics:     prom,
		Health:      health,
		Log:         &log,
	})
	if err != nil {
		return err
	}
	hub = gateway.NewHub(svc, gateway.Config{
		RatePerSecond: cfg.Gateway.RatePerSecond,
		Burst:         cfg.Gateway.Burst,
	})

	metricsSrv := metrics.NewServer(cfg.Service.MetricsAddr, health)
	metricsSrv.Start()

	var sqlDB *sql.DB
	if store != nil {
		sqlDB = store.DB()
	}
	health.StartLivenessChecker(ctx, rc.Redis(), sqlDB, 10*time.Second)

	apiSrv := &http.Server{
		Addr: cfg.Service.HTTPAddr,
		Handler: gateway.NewRouter(hub, gateway.RouterOptions{
			Timeframes: cfg.Timeframes,
			History:    history,
			Start:      start,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", apiSrv.Addr).Msg("gateway listening")
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("gateway server error")
		}
	}()
	go hub.StartMetricsBroadcast(ctx, start)

	runErr := svc.Run(ctx)

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	hub.Close()
	if err := apiSrv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("gateway shutdown")
	}
	if err := metricsSrv.Stop(shutCtx); err != nil {
		log.Warn().Err(err).Msg("metrics shutdown")
	}
	wg.Wait()
	log.Info().Dur("uptime", time.Since(start)).Msg("shutdown complete")
	return runErr
}

// newAlertDispatcher delivers CVD alerts to the log and to whichever of
// the webhook and Telegram targets are configured.
func newAlertDispatcher(cfg *config.Config, prom *metrics.Metrics) *notification.Dispatcher {
	notifiers := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.Alerts.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.Alerts.WebhookURL))
	}
	if cfg.Alerts.TelegramToken != "" && cfg.Alerts.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.Alerts.TelegramToken, cfg.Alerts.TelegramChatID))
	}
	d := notification.NewDispatcher(notification.DispatcherConfig{
		MinSeverity: cvd.Severity(cfg.Alerts.MinSeverity),
		PerMinute:   cfg.Alerts.PerMinute,
	}, notifiers...)
	d.OnResult = func(name string, err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		prom.AlertDeliveries.WithLabelValues(name, result).Inc()
	}
	d.OnDrop = func(reason string) { prom.AlertDrops.WithLabelValues(reason).Inc() }
	return d
}

// nonBlocking returns a closed-candle sink feeding ch. Candles are dropped
// with a warning when the writer falls behind.
func nonBlocking(ch chan<- model.Candle, log zerolog.Logger, name string) func(model.Candle) {
	return func(c model.Candle) {
		select {
		case ch <- c:
		default:
			log.Warn().Str("sink", name).Str("series", c.Key()).Msg("candle sink full, dropping")
		}
	}
}

// appendCandles writes closed candles to the Redis warm-up streams until
// ctx is done.
func appendCandles(ctx context.Context, rc *redisstore.Client, in <-chan model.Candle, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-in:
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := rc.AppendCandle(wctx, c); err != nil {
				log.Debug().Err(err).Str("series", c.Key()).Msg("candle append failed")
			}
			cancel()
		}
	}
}

