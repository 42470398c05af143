package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/callstate/internal/baresip"
	"github.com/sweeney/callstate/internal/config"
	"github.com/sweeney/callstate/internal/logging"
	"github.com/sweeney/callstate/internal/publisher"
	"github.com/sweeney/callstate/internal/store"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	envFile := flag.String("env", ".env", "Optional dotenv file with CALLSTATE_* overrides")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("loading %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("creating logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var pub publisher.Publisher
	if cfg.MQTT.Enabled {
		mp, err := openMQTT(cfg, logger)
		if err != nil {
			return err
		}
		defer mp.Close()
		pub = mp
	}

	dial := baresip.TCPDialer(cfg.Engine.Addr(), baresip.ClientOptions{
		CommandTimeout: cfg.Engine.CommandTimeout,
		Logger:         logger,
	})
	a, err := newApp(ctx, cfg, logger, st, dial, pub)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.autoConnect(gctx); err != nil {
			// the observer can still connect by hand
			logger.Warn("auto-connect failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.shutdown(sctx)
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	if cfg.Store.Backend != "redis" {
		return store.NewMemory(), func() error { return nil }, nil
	}
	rc := cfg.Store.Redis
	client, err := store.OpenRedis(ctx, store.RedisOptions{
		Addr:        rc.Addr,
		Password:    rc.Password,
		DB:          rc.DB,
		PingTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	r := store.NewRedis(client, rc.Prefix)
	return r, r.Close, nil
}

func openMQTT(cfg *config.Config, logger *zap.Logger) (*publisher.MQTTPublisher, error) {
	clientID := cfg.MQTT.ClientID
	if cfg.MQTT.UniqueClientID {
		clientID += "-" + uuid.NewString()[:8]
	}
	pub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
		Broker:      cfg.MQTT.Broker,
		ClientID:    clientID,
		QoS:         1,
		StatusTopic: cfg.MQTT.TopicPrefix + "/status",
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	logger.Info("connected to MQTT broker", zap.String("broker", cfg.MQTT.Broker), zap.String("clientId", clientID))
	return pub, nil
}
