package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/syncpad/syncpad"
	"github.com/syncpad/syncpad/ledger"
	"github.com/syncpad/syncpad/utils"
	"github.com/syncpad/syncpad/ws"
)

type Config struct {
	Running struct {
		Addr     string `mapstructure:"addr"`
		DataDir  string `mapstructure:"dataDir"`
		LogLevel string `mapstructure:"logLevel"`
	} `mapstructure:"running"`
	Collab struct {
		SnapshotEvery     int      `mapstructure:"snapshotEvery"`
		SessionQueueLimit int      `mapstructure:"sessionQueueLimit"`
		PresenceTTLSec    int      `mapstructure:"presenceTtlSec"`
		AllowedOrigins    []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"collab"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
}

func initConfig() (*Config, error) {
	cfg := &Config{}
	v := viper.New()
	v.SetConfigName("syncpad")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("SYNCPAD")
	v.AutomaticEnv()

	v.SetDefault("running.addr", ":8080")
	v.SetDefault("running.dataDir", "./data")
	v.SetDefault("running.logLevel", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := utils.NewDefaultLogger(logLevel(cfg.Running.LogLevel))

	opts := syncpad.Options{
		SnapshotEvery:     cfg.Collab.SnapshotEvery,
		SessionQueueLimit: cfg.Collab.SessionQueueLimit,
		PresenceTTL:       time.Duration(cfg.Collab.PresenceTTLSec) * time.Second,
		Logger:            log,
	}

	registry := prometheus.NewRegistry()
	opts.Registry = registry

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Error("redis unreachable", "addr", cfg.Redis.Addr, "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		opts.Ledger = ledger.NewRedis(rdb)
		log.Info("idempotency ledger on redis", "addr", cfg.Redis.Addr)
	}

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Error("kafka unreachable", "brokers", cfg.Kafka.Brokers, "err", err)
			os.Exit(1)
		}
		defer producer.Close()
		dispatcher := syncpad.NewKafkaDispatcher(producer, cfg.Kafka.Topic, log, syncpad.KafkaDispatcherOptions{})
		defer dispatcher.Close()
		opts.Dispatcher = dispatcher
		log.Info("mirroring edits to kafka", "topic", cfg.Kafka.Topic)
	}

	core, err := syncpad.Open(cfg.Running.DataDir, opts)
	if err != nil {
		log.Error("store open failed", "dir", cfg.Running.DataDir, "err", err)
		os.Exit(1)
	}
	defer core.Close()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	ws.NewHandler(core, log, registry, cfg.Collab.AllowedOrigins).Register(r)

	srv := &http.Server{Addr: cfg.Running.Addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", cfg.Running.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
	log.Info("bye")
}
