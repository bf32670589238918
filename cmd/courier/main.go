package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"courier/internal/auth"
	"courier/internal/broadcast"
	"courier/internal/config"
	"courier/internal/db"
	"courier/internal/delivery"
	"courier/internal/housekeeping"
	apihttp "courier/internal/http"
	"courier/internal/jobs"
	"courier/internal/logging"
	"courier/internal/sequence"
	"courier/internal/subscribers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "console")
		boot.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseURL, logging.Component(log, "db"))
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	sender := newSender(cfg, logging.Component(log, "delivery"))
	registry := subscribers.NewRegistry(gdb)

	store := jobs.NewStore(gdb, "api-"+uuid.NewString())
	store.MaxFailures = cfg.Jobs.MaxFailures

	broadcasts := broadcast.New(gdb, store, sender, logging.Component(log, "broadcast"))
	broadcasts.BatchSize = cfg.BroadcastBatchSize
	broadcasts.Subscribers = registry
	broadcasts.Audience = registry

	sequences := sequence.New(gdb, store, sender, logging.Component(log, "sequence"))
	sequences.Subscribers = registry

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Count; i++ {
		ws := jobs.NewStore(gdb, "worker-"+uuid.NewString())
		ws.MaxFailures = cfg.Jobs.MaxFailures
		w := &jobs.Worker{
			Store:        ws,
			Broadcasts:   broadcasts,
			Sequences:    sequences,
			Log:          logging.Component(log, "worker").With().Str("worker_id", ws.WorkerID()).Logger(),
			PollInterval: cfg.Worker.PollInterval,
			ClaimLimit:   cfg.Worker.ClaimLimit,
			LockTimeout:  cfg.Jobs.LockTimeout,
			ReapInterval: cfg.Jobs.ReapInterval,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	hk := housekeeping.New(broadcasts, store, housekeeping.Config{
		ReapInterval:     cfg.Jobs.ReapInterval,
		TargetStaleAfter: cfg.TargetStaleAfter,
		Retention:        cfg.Jobs.Retention,
	}, logging.Component(log, "housekeeping"))
	if err := hk.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start housekeeping")
	}

	r := apihttp.NewRouter(cfg, apihttp.Deps{
		Users:       &auth.Users{DB: gdb},
		JWT:         auth.NewJWT(cfg.JWTSecret, cfg.JWTTTL),
		Broadcasts:  broadcasts,
		Sequences:   sequences,
		Subscribers: registry,
		Jobs:        store,
		Log:         logging.Component(log, "http"),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Int("workers", cfg.Worker.Count).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	hk.Stop()
	wg.Wait()

	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func newSender(cfg config.Config, log zerolog.Logger) delivery.Sender {
	if cfg.Telegram.Token == "" {
		log.Warn().Msg("TELEGRAM_TOKEN not set, deliveries are only logged")
		return &delivery.LogSender{Log: log}
	}
	t, err := delivery.NewTelegram(delivery.TelegramConfig{
		Token:      cfg.Telegram.Token,
		RatePerSec: cfg.Telegram.RatePerSec,
		Timeout:    cfg.Telegram.Timeout,
	}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram sender")
	}
	return t
}
