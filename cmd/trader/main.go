package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Artanis09/mystocks/internal/broker/kis"
	"github.com/Artanis09/mystocks/internal/calendar"
	"github.com/Artanis09/mystocks/internal/engine"
	"github.com/Artanis09/mystocks/internal/logger"
	"github.com/Artanis09/mystocks/internal/notify"
	"github.com/Artanis09/mystocks/internal/storage"
	"github.com/Artanis09/mystocks/internal/store"
	"github.com/Artanis09/mystocks/internal/tradelog"
	"github.com/Artanis09/mystocks/internal/universe"
)

func must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

func main() {
	_ = godotenv.Load()
	must(logger.Init())

	cfg, err := store.LoadConfig("config.yaml")
	must(err)

	if v := os.Getenv("TRADER_LOG_RETENTION_DAYS"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		_ = tradelog.CompressOlder(n)
	}

	db, err := storage.Open(cfg.Storage.DBPath)
	must(err)
	defer db.Close()

	cal := calendar.New(nil)
	notifier := notify.NewNotifier(cfg.Notify.NtfyTopicURL)

	registry := engine.NewRegistry()
	for _, mode := range cfg.Modes {
		gw, err := kis.New(kisParams(mode),
			kis.WithTimeout(time.Duration(cfg.Broker.RequestTimeoutSec)*time.Second),
			kis.WithRateLimit(cfg.Broker.RatePerSec),
		)
		must(err)

		builder := universe.NewBuilder(cfg, cal, db, gw)
		eng, err := engine.New(mode, cfg, gw, db, notifier, cal, builder)
		must(err)
		must(registry.Add(eng))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	must(registry.StartAll(ctx))
	logger.Info(ctx, "Trader started", "modes", registry.Modes(), "strategy", cfg.Strategy)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	logger.Info(ctx, "Shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	registry.StopAll(stopCtx)
	_ = logger.Shutdown(stopCtx)
}

// kisParams resolves credentials per mode: MOCK uses KIS_APP_KEY etc., REAL
// uses the KIS_REAL_ prefixed variants so paper and live keys never mix.
func kisParams(mode string) kis.Params {
	if mode == "REAL" {
		return kis.Params{
			Mock:      false,
			AppKey:    os.Getenv("KIS_REAL_APP_KEY"),
			AppSecret: os.Getenv("KIS_REAL_APP_SECRET"),
			AccountNo: os.Getenv("KIS_REAL_ACCOUNT_NO"),
		}
	}
	return kis.Params{
		Mock:      true,
		AppKey:    os.Getenv("KIS_APP_KEY"),
		AppSecret: os.Getenv("KIS_APP_SECRET"),
		AccountNo: os.Getenv("KIS_ACCOUNT_NO"),
	}
}
