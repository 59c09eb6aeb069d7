package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"energy-hub/internal/config"
	"energy-hub/internal/devstate"
	"energy-hub/internal/httpapi"
	"energy-hub/internal/ingest"
	"energy-hub/internal/mqtt"
	"energy-hub/internal/observability"
	"energy-hub/internal/scheduler"
	"energy-hub/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db open failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	cache := store.NewStateCache(rdb)

	states := devstate.New()
	if err := ingest.Restore(context.Background(), cache, states); err != nil {
		slog.Warn("device state restore failed, starting empty", "error", err)
	}

	mClient, err := mqtt.Connect(cfg.MQTTBrokerURL, cfg.MQTTClientID)
	if err != nil {
		slog.Error("mqtt connect failed", "broker", cfg.MQTTBrokerURL, "error", err)
		os.Exit(1)
	}
	go func() {
		for s := range mClient.StateUpdates() {
			slog.Info("mqtt state changed", "state", s.String())
		}
	}()

	ing := &ingest.Ingestor{
		States:       states,
		Repo:         repo,
		Cache:        cache,
		Prefix:       cfg.TopicPrefix,
		AllowRetains: cfg.IngestRetained,
	}
	for _, t := range ingest.Topics(cfg.TopicPrefix) {
		if err := mClient.Subscribe(t, func(m mqtt.Message) {
			ing.HandleMessage(context.Background(), m, time.Now().UTC())
		}); err != nil {
			slog.Error("mqtt subscribe failed", "topic", t, "error", err)
			os.Exit(1)
		}
	}

	shutdownObs, promHandler, tracer := observability.SetupObservability("energy-hub")
	defer shutdownObs()

	schedCtx, stopScheduler := context.WithCancel(context.Background())
	sched := scheduler.New(repo, mClient, cfg.TopicPrefix, cfg.LabelTZ)
	go sched.Run(schedCtx)

	api := httpapi.New(repo, states, mClient, mClient, cfg.TopicPrefix, cfg.PricePerKwh, cfg.LabelTZ)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promHandler)
	mux.Handle("/", api.Handler())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: observability.WrapHandler(tracer, "energy-hub", mux)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
	slog.Info("energy-hub started", "port", cfg.Port, "topic_prefix", cfg.TopicPrefix)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopScheduler()
	mClient.Close()
	_ = rdb.Close()
	_ = srv.Shutdown(ctx)
	slog.Info("energy-hub stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}
