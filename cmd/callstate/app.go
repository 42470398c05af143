package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/sweeney/callstate/internal/baresip"
	"github.com/sweeney/callstate/internal/broadcast"
	"github.com/sweeney/callstate/internal/calllog"
	"github.com/sweeney/callstate/internal/config"
	"github.com/sweeney/callstate/internal/control"
	"github.com/sweeney/callstate/internal/controller"
	"github.com/sweeney/callstate/internal/publisher"
	"github.com/sweeney/callstate/internal/store"
	"github.com/sweeney/callstate/internal/wsapi"
)

// app is the wired daemon minus its process-level resources.
type app struct {
	cfg         *config.Config
	logger      *zap.Logger
	broadcaster *broadcast.Broadcaster
	ctl         *controller.Controller
	engine      *baresip.Engine
	svc         *control.Service
	hub         *wsapi.Hub
}

// newApp wires the call state stack over st. pub may be nil.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, st store.Store, dial baresip.Dialer, pub publisher.Publisher) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := broadcast.New(st, logger)
	if pub != nil {
		b.AddSink(broadcast.NewPublisherSink(pub, cfg.MQTT.TopicPrefix))
	}

	ctl := controller.New(calllog.New(st), b,
		controller.WithLogger(logger),
		controller.WithRedeliveryDelay(cfg.Calls.RedeliveryDelay))
	if err := ctl.Recover(ctx); err != nil {
		ctl.Close()
		return nil, err
	}

	engine := baresip.NewEngine(dial, logger)
	svc := control.New(ctx, control.Options{
		Engine:         engine,
		Controller:     ctl,
		Broadcaster:    b,
		Store:          st,
		Logger:         logger,
		HangupTimeout:  cfg.Calls.HangupTimeout,
		ReconnectDelay: cfg.Engine.ReconnectDelay,
	})

	hub := wsapi.NewHub(svc, logger)
	b.AddSink(hub)

	return &app{
		cfg:         cfg,
		logger:      logger,
		broadcaster: b,
		ctl:         ctl,
		engine:      engine,
		svc:         svc,
		hub:         hub,
	}, nil
}

// autoConnect connects with the configured account. Empty fields fall back
// to the settings saved by the last interactive connect.
func (a *app) autoConnect(ctx context.Context) error {
	acct := a.cfg.Account
	if !acct.AutoConnect {
		return nil
	}

	p := control.ConnectParams{
		Server:      acct.Server,
		WSURL:       acct.WSURL,
		Username:    acct.Username,
		Password:    acct.Password,
		DisplayName: acct.DisplayName,
	}
	saved, err := a.svc.Settings(ctx)
	if err != nil {
		a.logger.Warn("loading saved settings", zap.Error(err))
	}
	if saved != nil && saved.Server == p.Server && saved.Username == p.Username {
		if p.WSURL == "" {
			p.WSURL = saved.WSURL
		}
		if p.DisplayName == "" {
			p.DisplayName = saved.DisplayName
		}
	}

	a.logger.Info("auto-connecting", zap.String("server", p.Server), zap.String("user", p.Username))
	if err := a.svc.Connect(ctx, p); err != nil {
		return fmt.Errorf("auto-connect: %w", err)
	}
	return nil
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", a.hub)
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(a.svc.GetState())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// shutdown disconnects from the engine and releases observers.
func (a *app) shutdown(ctx context.Context) {
	if a.svc.GetState().Connected {
		if err := a.svc.Disconnect(ctx); err != nil {
			a.logger.Warn("disconnecting on shutdown", zap.Error(err))
		}
	}
	a.hub.Close()
	a.ctl.Close()
}
