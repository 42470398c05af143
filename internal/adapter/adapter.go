// Package adapter turns engine session callbacks into controller calls.
//
// The engine reports one logical hangup on up to three channels (a state
// change, an explicit BYE, a generic terminated callback) in no fixed order.
// Each is forwarded as a Trigger; the controller keeps only the first.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
	"go.uber.org/zap"

	"github.com/sweeney/callstate/internal/calllog"
	"github.com/sweeney/callstate/internal/controller"
	"github.com/sweeney/callstate/internal/signaling"
)

// maxMarkers bounds the attached-session set.
const maxMarkers = 64

// ErrNoActiveCall is returned by session commands when no session is live.
var ErrNoActiveCall = errors.New("no active call")

// Adapter binds engine sessions to the controller's call lifecycle and holds
// a non-owning reference to the one live session.
type Adapter struct {
	ctx    context.Context
	ctl    *controller.Controller
	engine signaling.Engine
	logger *zap.Logger

	mu       sync.Mutex
	attached map[string]bool
	session  signaling.Session
	callID   string
}

// New creates an Adapter. ctx bounds the work done from engine callbacks.
func New(ctx context.Context, ctl *controller.Controller, engine signaling.Engine, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		ctx:      ctx,
		ctl:      ctl,
		engine:   engine,
		logger:   logger.Named("adapter"),
		attached: make(map[string]bool),
	}
}

// Attach registers the lifecycle listeners on s for callID. Listeners are
// registered at most once per session; Attach reports whether it did so.
func (a *Adapter) Attach(s signaling.Session, callID string) bool {
	a.mu.Lock()
	if a.attached[s.ID()] {
		a.mu.Unlock()
		return false
	}
	if len(a.attached) >= maxMarkers {
		a.attached = make(map[string]bool)
	}
	a.attached[s.ID()] = true
	a.session = s
	a.callID = callID
	a.mu.Unlock()

	s.OnStateChange(func(st signaling.SessionState) {
		a.logger.Debug("session state",
			zap.String("session", s.ID()),
			zap.String("callId", callID),
			zap.Stringer("state", st))
		switch st {
		case signaling.StateEstablished:
			a.ctl.MarkAnswered(a.ctx, callID)
		case signaling.StateTerminated:
			a.terminated(s, callID, controller.SourceStateChange)
		}
	})
	s.OnRequest(func(r signaling.Request) {
		if r.Method == sip.BYE || r.Method == sip.CANCEL {
			a.terminated(s, callID, controller.SourceExplicitSignal)
		}
	})
	s.OnTerminated(func() {
		a.terminated(s, callID, controller.SourceGenericCallback)
	})

	// The session may have moved on before listeners were in place.
	switch s.State() {
	case signaling.StateEstablished:
		a.ctl.MarkAnswered(a.ctx, callID)
	case signaling.StateTerminated:
		a.terminated(s, callID, controller.SourceStateChange)
	}
	return true
}

// HandleInvite tracks an incoming session. A second call while one is
// active is rejected at the engine and never recorded.
func (a *Adapter) HandleInvite(s signaling.Session) {
	remote := s.Remote()
	callID, err := a.ctl.StartCall(a.ctx, calllog.DirectionIncoming, remote.User, remote.DisplayName)
	if err != nil {
		a.logger.Info("rejecting incoming call", zap.String("from", remote.URI), zap.Error(err))
		if err := a.engine.Reject(a.ctx, s); err != nil {
			a.logger.Warn("rejecting incoming call", zap.Error(err))
		}
		return
	}
	a.Attach(s, callID)
}

// Dial starts an outgoing call to uri. number is what the user typed and
// is what the call record shows.
func (a *Adapter) Dial(ctx context.Context, uri, number string) (string, error) {
	callID, err := a.ctl.StartCall(ctx, calllog.DirectionOutgoing, number, "")
	if err != nil {
		return "", err
	}

	s, err := a.engine.Call(ctx, uri)
	if err != nil {
		a.ctl.EndCall(ctx, controller.Trigger{
			Source:       controller.SourceLocalAction,
			CallID:       callID,
			Action:       controller.ActionFail,
			ReasonPhrase: err.Error(),
		})
		return "", fmt.Errorf("calling %s: %w", uri, err)
	}

	a.Attach(s, callID)
	return callID, nil
}

// Answer accepts the live incoming session.
func (a *Adapter) Answer(ctx context.Context) error {
	s, _, err := a.live()
	if err != nil {
		return err
	}
	if s.Direction() != signaling.Inbound {
		return fmt.Errorf("answer: %w", ErrNoActiveCall)
	}
	return a.engine.Answer(ctx, s)
}

// Reject declines the live incoming session.
func (a *Adapter) Reject(ctx context.Context) error {
	s, callID, err := a.live()
	if err != nil {
		return err
	}
	a.ctl.NoteAction(callID, controller.ActionReject)
	if err := a.engine.Reject(ctx, s); err != nil {
		return err
	}
	a.ctl.EndCall(ctx, controller.Trigger{
		Source: controller.SourceLocalAction,
		CallID: callID,
		Action: controller.ActionReject,
	})
	a.release(s)
	return nil
}

// HangupAction is the action a hangup of s amounts to: a cancel before an
// outgoing call is answered, a reject before an incoming one is, and a
// plain hangup after.
func HangupAction(s signaling.Session) controller.Action {
	if s.State() == signaling.StateEstablished {
		return controller.ActionHangup
	}
	if s.Direction() == signaling.Outbound {
		return controller.ActionCancel
	}
	return controller.ActionReject
}

// Hangup ends the live session through the engine. A session the engine
// has not identified yet is ended locally; the engine finishes it later.
func (a *Adapter) Hangup(ctx context.Context) error {
	s, callID, err := a.live()
	if err != nil {
		return err
	}
	action := HangupAction(s)
	a.ctl.NoteAction(callID, action)
	if err := a.engine.Hangup(ctx, s); err != nil {
		if !errors.Is(err, signaling.ErrNotBound) {
			return err
		}
		a.logger.Info("hangup before the engine named the call, ending locally",
			zap.String("session", s.ID()),
			zap.String("callId", callID))
	}
	a.ctl.EndCall(ctx, controller.Trigger{
		Source: controller.SourceLocalAction,
		CallID: callID,
		Action: action,
	})
	a.release(s)
	return nil
}

// ForceEnd finalizes the live call locally without waiting for the engine.
// It reports whether there was a call to end.
func (a *Adapter) ForceEnd(ctx context.Context) bool {
	s, callID, err := a.live()
	if err != nil {
		// the controller may still hold a call whose session already left
		_, ok := a.ctl.EndCall(ctx, controller.Trigger{
			Source: controller.SourceLocalAction,
			CallID: a.ctl.CurrentCallID(),
			Action: controller.ActionHangup,
		})
		return ok
	}
	_, ok := a.ctl.EndCall(ctx, controller.Trigger{
		Source: controller.SourceLocalAction,
		CallID: callID,
		Action: HangupAction(s),
	})
	a.release(s)
	return ok
}

// Drop forgets the live session without touching the call record. Used
// after the transport is gone and the controller was reset.
func (a *Adapter) Drop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = nil
	a.callID = ""
	a.attached = make(map[string]bool)
}

// Live returns the id of the live call, or "".
func (a *Adapter) Live() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callID
}

func (a *Adapter) live() (signaling.Session, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, "", ErrNoActiveCall
	}
	return a.session, a.callID, nil
}

func (a *Adapter) terminated(s signaling.Session, callID string, src controller.Source) {
	t := controller.Trigger{Source: src, CallID: callID}
	if resp := s.LastResponse(); resp != nil {
		t.ResponseCode = resp.StatusCode
		t.ReasonPhrase = resp.ReasonPhrase
	}
	if status, ok := a.ctl.EndCall(a.ctx, t); ok {
		a.logger.Debug("session ended call",
			zap.String("session", s.ID()),
			zap.String("callId", callID),
			zap.String("source", src.String()),
			zap.String("status", string(status)))
	}
	a.release(s)
}

// release drops s if it is still the live session.
func (a *Adapter) release(s signaling.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil && a.session.ID() == s.ID() {
		a.session = nil
		a.callID = ""
	}
}
