// cmd/klineserver: simulated exchange for running the recorder offline.
// Serves a random-walk kline stream and the klines REST endpoint in the
// exchange's wire formats.
//
// Point the recorder at it with:
//
//	BINANCE_STREAM_URL=ws://localhost:9001/ws
//	BINANCE_REST_URL=http://localhost:9001
//
// Config (env vars):
//
//	KLINE_SERVER_ADDR    listen address     (default: ":9001")
//	KLINE_SYMBOL         symbol             (default: "btcusdt")
//	KLINE_INTERVAL       kline interval     (default: "1m")
//	KLINE_TICK_MS        ms between candles (default: the interval)
//	KLINE_HISTORY        seeded candles     (default: "500")
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"kline-recorder/internal/marketdata/sim"
	"kline-recorder/internal/model"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[klineserver] starting simulated kline server...")

	addr := envOrDefault("KLINE_SERVER_ADDR", ":9001")
	symbol := envOrDefault("KLINE_SYMBOL", "btcusdt")
	interval, err := model.ParseInterval(envOrDefault("KLINE_INTERVAL", "1m"))
	if err != nil {
		log.Fatalf("[klineserver] %v", err)
	}
	tick := time.Duration(envIntOrDefault("KLINE_TICK_MS", 0)) * time.Millisecond

	srv := sim.NewServer(sim.ServerConfig{
		Symbol:      symbol,
		Interval:    interval,
		HistorySize: envIntOrDefault("KLINE_HISTORY", 500),
		Tick:        tick,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go srv.Run(ctx)

	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Printf("[klineserver] listening on %s (stream: ws://localhost%s/ws/%s@kline_%s)", addr, addr, symbol, interval)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("[klineserver] server error: %v", err)
	}
	log.Println("[klineserver] stopped")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
