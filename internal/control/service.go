// Package control executes observer commands against the engine, the call
// lifecycle and the call record.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/callstate/internal/adapter"
	"github.com/sweeney/callstate/internal/broadcast"
	"github.com/sweeney/callstate/internal/calllog"
	"github.com/sweeney/callstate/internal/controller"
	"github.com/sweeney/callstate/internal/signaling"
	"github.com/sweeney/callstate/internal/store"
)

// KeySettings is the store key for saved connection settings.
const KeySettings = "settings"

// DefaultWSPort is used to derive a WebSocket URL from the server name.
const DefaultWSPort = 7443

var (
	ErrNotConnected  = errors.New("not connected")
	ErrHangupTimeout = errors.New("hangup not confirmed in time; call ended locally")
	ErrUnknownAction = errors.New("unknown action")
)

// Service implements the observer command set.
type Service struct {
	ctx           context.Context
	engine        signaling.Engine
	ctl           *controller.Controller
	adapter       *adapter.Adapter
	broadcaster   *broadcast.Broadcaster
	calls         *calllog.Log
	store         store.Store
	logger        *zap.Logger
	hangupTimeout time.Duration
	retryDelay    time.Duration

	mu            sync.Mutex
	account       signaling.Account
	wantConnected bool
	reconnecting  bool
}

// Options configures a Service.
type Options struct {
	Engine        signaling.Engine
	Controller    *controller.Controller
	Broadcaster   *broadcast.Broadcaster
	Store         store.Store
	Logger        *zap.Logger
	HangupTimeout time.Duration
	// ReconnectDelay is the wait between attempts to restore a lost
	// connection. Zero disables reconnecting.
	ReconnectDelay time.Duration
}

// New creates a Service and installs itself as the engine's delegate. ctx
// bounds work triggered by engine callbacks.
func New(ctx context.Context, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HangupTimeout <= 0 {
		opts.HangupTimeout = 5 * time.Second
	}
	s := &Service{
		ctx:           ctx,
		engine:        opts.Engine,
		ctl:           opts.Controller,
		adapter:       adapter.New(ctx, opts.Controller, opts.Engine, logger),
		broadcaster:   opts.Broadcaster,
		calls:         calllog.New(opts.Store),
		store:         opts.Store,
		logger:        logger.Named("control"),
		hangupTimeout: opts.HangupTimeout,
		retryDelay:    opts.ReconnectDelay,
	}
	s.engine.SetDelegate(s.delegate())
	return s
}

func (s *Service) delegate() signaling.Delegate {
	return signaling.Delegate{
		OnInvite: s.adapter.HandleInvite,
		OnConnect: func() {
			s.ctl.SetConnected(s.ctx)
			if err := s.engine.Register(s.ctx); err != nil {
				s.ctl.SetRegistrationFailed(s.ctx, err.Error())
			}
		},
		OnDisconnect: func(err error) {
			reason := ""
			if err != nil {
				reason = err.Error()
			}
			s.adapter.Drop()
			s.ctl.ForceReset(s.ctx, reason)
			s.scheduleReconnect()
		},
		OnRegistered: func() {
			s.ctl.SetRegistered(s.ctx, true)
		},
		OnUnregistered: func() {
			s.ctl.SetRegistered(s.ctx, false)
		},
		OnRegistrationFailed: func(reason string) {
			s.ctl.SetRegistrationFailed(s.ctx, reason)
		},
	}
}

// Handle executes r and never panics on bad input.
func (s *Service) Handle(ctx context.Context, r Request) Reply {
	reply, err := s.handle(ctx, r)
	reply.ID = r.ID
	switch {
	case errors.Is(err, ErrHangupTimeout):
		reply.OK = true
		reply.Warning = err.Error()
	case err != nil:
		reply.OK = false
		reply.Error = err.Error()
	default:
		reply.OK = true
	}
	return reply
}

func (s *Service) handle(ctx context.Context, r Request) (Reply, error) {
	switch r.Action {
	case ActionGetState:
		st := s.GetState()
		return Reply{State: &st}, nil
	case ActionConnect:
		err := s.Connect(ctx, ConnectParams{
			Server:      r.Server,
			WSURL:       r.WSURL,
			Username:    r.Username,
			Password:    r.Password,
			DisplayName: r.DisplayName,
		})
		return s.withState(err)
	case ActionDisconnect:
		return s.withState(s.Disconnect(ctx))
	case ActionMakeCall:
		callID, err := s.MakeCall(ctx, CallParams{Target: r.Target, Server: r.Server})
		reply, err := s.withState(err)
		reply.CallID = callID
		return reply, err
	case ActionAnswer:
		return s.withState(s.Answer(ctx))
	case ActionReject:
		return s.withState(s.Reject(ctx))
	case ActionHangup:
		return s.withState(s.Hangup(ctx))
	case ActionCheckMicrophone:
		return Reply{Permission: s.CheckMicrophonePermission()}, nil
	case ActionGetCallLog:
		history, err := s.calls.History(ctx)
		return Reply{History: history}, err
	case ActionGetSettings:
		settings, err := s.Settings(ctx)
		return Reply{Settings: settings}, err
	}
	return Reply{}, fmt.Errorf("%w: %q", ErrUnknownAction, r.Action)
}

func (s *Service) withState(err error) (Reply, error) {
	st := s.GetState()
	return Reply{State: &st}, err
}

// GetState returns the snapshot last sent to observers.
func (s *Service) GetState() broadcast.State {
	return s.broadcaster.Current()
}

// CheckMicrophonePermission has no local meaning for a headless client.
func (s *Service) CheckMicrophonePermission() string {
	return "unknown"
}

// Connect validates p, saves it without the password and creates the user
// agent. Registration follows from the engine's connect callback.
func (s *Service) Connect(ctx context.Context, p ConnectParams) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid connection parameters: %w", validationError(err))
	}
	if p.WSURL == "" {
		p.WSURL = fmt.Sprintf("wss://%s:%d/ws", p.Server, DefaultWSPort)
	}

	settings := Settings{Server: p.Server, WSURL: p.WSURL, Username: p.Username, DisplayName: p.DisplayName}
	if err := store.SetJSON(ctx, s.store, KeySettings, settings); err != nil {
		s.logger.Warn("saving settings", zap.Error(err))
	}

	acct := signaling.Account{
		Server:      p.Server,
		WSURL:       p.WSURL,
		Username:    p.Username,
		Password:    p.Password,
		DisplayName: p.DisplayName,
	}
	s.mu.Lock()
	s.account = acct
	s.wantConnected = true
	s.mu.Unlock()

	s.ctl.SetConnecting(ctx)
	if err := s.engine.Connect(ctx, acct); err != nil {
		s.ctl.SetStatus(ctx, "Connection failed: "+err.Error())
		return fmt.Errorf("connecting to %s: %w", p.Server, err)
	}
	s.logger.Info("connected", zap.String("server", p.Server), zap.String("user", p.Username))
	return nil
}

// Disconnect unregisters and tears down the user agent. Engine errors are
// logged; local state always ends disconnected.
func (s *Service) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.wantConnected = false
	s.mu.Unlock()

	if err := s.engine.Unregister(ctx); err != nil {
		s.logger.Debug("unregister before disconnect", zap.Error(err))
	}
	err := s.engine.Disconnect(ctx)
	if err != nil {
		s.logger.Warn("disconnect", zap.Error(err))
	}
	s.adapter.Drop()
	s.ctl.SetDisconnected(ctx)
	return err
}

// MakeCall dials p.Target. A bare user part is qualified with p.Server or
// else the connected server.
func (s *Service) MakeCall(ctx context.Context, p CallParams) (string, error) {
	if err := validate.Struct(p); err != nil {
		return "", validationError(err)
	}
	if !s.ctl.State().Connected {
		return "", ErrNotConnected
	}

	server := p.Server
	if server == "" {
		s.mu.Lock()
		server = s.account.Server
		s.mu.Unlock()
	}

	uri, err := signaling.TargetURI(p.Target, server)
	if err != nil {
		return "", err
	}

	callID, err := s.adapter.Dial(ctx, uri, p.Target)
	if err != nil {
		if !errors.Is(err, controller.ErrCallActive) {
			s.ctl.SetCallStatus(ctx, "Call failed: "+err.Error())
		}
		return "", err
	}
	return callID, nil
}

// Answer accepts the ringing incoming call.
func (s *Service) Answer(ctx context.Context) error {
	if err := s.adapter.Answer(ctx); err != nil {
		if !errors.Is(err, adapter.ErrNoActiveCall) {
			s.ctl.SetCallStatus(ctx, "Failed to answer: "+err.Error())
		}
		return err
	}
	return nil
}

// Reject declines the ringing incoming call.
func (s *Service) Reject(ctx context.Context) error {
	if err := s.adapter.Reject(ctx); err != nil {
		if !errors.Is(err, adapter.ErrNoActiveCall) {
			s.ctl.SetCallStatus(ctx, "Failed to reject: "+err.Error())
		}
		return err
	}
	return nil
}

// Hangup ends the current call. The engine gets the hangup timeout to
// confirm; after that the call is ended locally and ErrHangupTimeout is
// returned. An engine failure ends the call locally and resets the
// transport in the background.
func (s *Service) Hangup(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, s.hangupTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.adapter.Hangup(hctx) }()

	var err error
	select {
	case err = <-done:
	case <-hctx.Done():
		err = hctx.Err()
	}
	if err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		s.logger.Warn("hangup timed out", zap.Duration("timeout", s.hangupTimeout))
		s.adapter.ForceEnd(ctx)
		return ErrHangupTimeout
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, adapter.ErrNoActiveCall):
		// the engine may have ended the session while the controller
		// still holds the call
		if s.adapter.ForceEnd(ctx) {
			return nil
		}
		return err
	}

	s.logger.Warn("hangup failed, resetting transport", zap.Error(err))
	s.adapter.ForceEnd(ctx)
	s.ctl.SetCallStatus(ctx, "Failed to hang up: "+err.Error())
	go s.resetTransport(context.WithoutCancel(ctx))
	return err
}

func (s *Service) resetTransport(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.engine.ResetTransport(ctx); err != nil {
		s.logger.Warn("transport reset failed", zap.Error(err))
		return
	}
	if err := s.engine.Register(ctx); err != nil {
		s.logger.Warn("re-register after reset failed", zap.Error(err))
	}
}

// scheduleReconnect starts retrying the last account after an unexpected
// loss of the engine connection. At most one retry loop runs.
func (s *Service) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retryDelay <= 0 || !s.wantConnected || s.reconnecting {
		return
	}
	s.reconnecting = true
	go s.reconnect()
}

func (s *Service) reconnect() {
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	for attempt := 1; ; attempt++ {
		select {
		case <-time.After(s.retryDelay):
		case <-s.ctx.Done():
			return
		}

		s.mu.Lock()
		acct, want := s.account, s.wantConnected
		s.mu.Unlock()
		if !want {
			return
		}

		s.logger.Info("reconnecting", zap.String("server", acct.Server), zap.Int("attempt", attempt))
		s.ctl.SetConnecting(s.ctx)
		err := s.engine.Connect(s.ctx, acct)
		if err == nil {
			return
		}
		s.logger.Warn("reconnect failed", zap.Error(err), zap.Duration("retryIn", s.retryDelay))
		s.ctl.SetStatus(s.ctx, "Connection failed: "+err.Error())
	}
}

// Settings returns the saved connection settings, or nil.
func (s *Service) Settings(ctx context.Context) (*Settings, error) {
	var st Settings
	ok, err := store.GetJSON(ctx, s.store, KeySettings, &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}
