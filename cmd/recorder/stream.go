package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"kline-recorder/config"
	"kline-recorder/internal/feed"
	"kline-recorder/internal/indicator"
	"kline-recorder/internal/logger"
	"kline-recorder/internal/marketdata/binance"
	"kline-recorder/internal/metrics"
	"kline-recorder/internal/model"
	"kline-recorder/internal/notification"
	"kline-recorder/internal/scheduler"
	redisstore "kline-recorder/internal/store/redis"
	sqlitestore "kline-recorder/internal/store/sqlite"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Run the live kline feed until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return runStream(cfg)
	},
}

func runStream(cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Init("kline-recorder", level)
	log.Printf("[recorder] starting %s %s", cfg.Symbol, cfg.Interval)

	interval, _ := model.ParseInterval(cfg.Interval)

	// ---- Setup context for graceful shutdown ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Setup metrics & health ----
	reg := prometheus.NewRegistry()
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.Metrics.Addr, health, reg)
	metricsSrv.Start()

	// ---- SQLite record store ----
	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := sqlitestore.Open(sqlitestore.Config{Path: cfg.Store.Path, Driver: cfg.Store.Driver})
	if err != nil {
		return err
	}
	defer store.Close()
	health.SetSQLiteOK(true)

	// ---- Optional Redis publisher ----
	var (
		sink      model.RecordSink
		redisSink *redisstore.BufferedWriter
		redisCli  *goredis.Client
	)
	if cfg.Redis.Addr != "" {
		health.SetRedisEnabled(true)
		rw, err := redisstore.New(redisstore.WriterConfig{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			Symbol:       cfg.Symbol,
			Interval:     cfg.Interval,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		})
		if err != nil {
			log.Printf("[recorder] WARNING: redis init failed: %v (continuing without redis)", err)
		} else {
			defer rw.Close()
			redisCli = rw.Client()

			cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
			cb.OnStateChange = func(from, to redisstore.State) {
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
				log.Printf("[redis] circuit breaker %s → %s", from, to)
			}
			// Records persisted right before shutdown still go out.
			bw := redisstore.NewBufferedWriter(context.WithoutCancel(ctx), rw, cb, 10000)
			bw.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
			bw.OnDrop = func() { prom.RedisBufferDrops.Inc() }
			bw.OnFlush = func(n int) { log.Printf("[redis] flushed %d buffered records", n) }
			sink = bw
			redisSink = bw
		}
	}
	health.StartLivenessChecker(ctx, redisCli, store.DB(), 10*time.Second)

	// ---- Notifications ----
	backends := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.Telegram.BotToken != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.LogsChatID, cfg.ErrorsChatID()))
	}
	if cfg.Webhook.URL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.Webhook.URL))
	}
	dispatcher := notification.NewDispatcher(notification.NewMultiNotifier(backends...), 256)
	dispatcher.OnDrop = func(ch notification.Channel) {
		prom.NotificationsDropped.WithLabelValues(string(ch)).Inc()
	}
	dispatcher.OnError = func(ch notification.Channel, err error) {
		prom.NotificationErrors.WithLabelValues(string(ch)).Inc()
		log.Printf("[notify] %s delivery failed: %v", ch, err)
	}

	// ---- Binance clients ----
	stream, err := binance.NewStreamClient(binance.StreamConfig{
		BaseURL:   cfg.Binance.StreamURL,
		Symbol:    cfg.Symbol,
		Interval:  interval,
		QueueSize: cfg.Feed.QueueSize,
	})
	if err != nil {
		return err
	}
	history := binance.NewHistoryClient(binance.HistoryConfig{
		BaseURL:  cfg.Binance.RestURL,
		Symbol:   cfg.Symbol,
		Interval: interval,
	})
	log.Printf("[recorder] stream endpoint %s", stream.URL())

	// ---- Feed controller ----
	ctrl, err := feed.NewController(feed.Config{
		Interval:          interval,
		WindowSize:        cfg.Feed.WindowSize,
		BackfillLookback:  cfg.Feed.BackfillLookback,
		BackfillTimeout:   cfg.Feed.BackfillTimeout,
		ReconnectDelay:    cfg.Feed.ReconnectDelay,
		MaxReconnectDelay: cfg.Feed.MaxReconnectDelay,
		MaxReconnects:     cfg.Feed.MaxReconnects,
		AppendRetries:     cfg.Store.AppendRetries,
		RetryBackoff:      cfg.Store.RetryBackoff,
	}, feed.Deps{
		Transport: stream,
		History:   history,
		Decode:    binance.ParseKlineEvent,
		Store:     store,
		Engine:    indicator.NewEngine(indicator.DefaultParams()),
		Notifier:  dispatcher,
		Sink:      sink,
	})
	if err != nil {
		return err
	}
	wireHooks(&ctrl.Hooks, prom, health)

	// ---- Status digest ----
	var digest *scheduler.Digest
	if cfg.DigestEnabled() {
		digest = scheduler.NewDigest(cfg.Symbol, cfg.Interval, ctrl.Stats, dispatcher, nil)
		if err := digest.Register(cfg.Digest.Cron); err != nil {
			return err
		}
		digest.Start()
	}

	runErr := ctrl.Run(ctx)
	if runErr != nil {
		log.Printf("[recorder] feed stopped: %v", runErr)
	} else {
		log.Println("[recorder] shutdown signal received, cleaning up...")
	}

	// ---- Drain ----
	if digest != nil {
		digest.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dispatcher.Close(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Printf("[recorder] notification drain: %v", err)
	}
	if redisSink != nil {
		if err := redisSink.Close(shutdownCtx); err != nil {
			log.Printf("[recorder] redis drain: %v", err)
		}
	}
	metricsSrv.Stop(shutdownCtx)

	log.Println("[recorder] shutdown complete.")
	return runErr
}

// wireHooks feeds controller events into Prometheus and the health endpoint.
func wireHooks(h *feed.Hooks, prom *metrics.Metrics, health *metrics.HealthStatus) {
	h.OnStateChange = func(_, to feed.State) {
		prom.FeedState.Set(float64(to))
		health.SetFeedState(to.String())
	}
	h.OnFrame = func() { prom.FramesTotal.Inc() }
	h.OnMalformed = func() { prom.MalformedFrames.Inc() }
	h.OnCandleClosed = func() { prom.CandlesClosedTotal.Inc() }
	h.OnOutOfOrder = func() { prom.OutOfOrderRejected.Inc() }
	h.OnGap = func(int64) { prom.GapsDetected.Inc() }
	h.OnBackfill = func(n int, took time.Duration) {
		prom.BackfillDur.Observe(took.Seconds())
		prom.BackfillCandles.Set(float64(n))
	}
	h.OnCompute = func(took time.Duration) { prom.IndicatorComputeDur.Observe(took.Seconds()) }
	h.OnAppend = func(inserted bool, took time.Duration) {
		prom.SQLiteAppendDur.Observe(took.Seconds())
		if inserted {
			prom.RecordsInserted.Inc()
		} else {
			prom.RecordDuplicates.Inc()
		}
	}
	h.OnAppendRetry = func() { prom.AppendRetries.Inc() }
	h.OnReconnect = func() { prom.Reconnects.Inc() }
	h.OnWindow = func(n int) { prom.WindowLength.Set(float64(n)) }
	h.OnRecord = func(rec model.Record) {
		prom.LastRecordTimestamp.Set(float64(rec.Timestamp()))
		health.SetLastCandleTime(rec.OpenTime)
	}
}
