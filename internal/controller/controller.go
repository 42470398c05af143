// Package controller owns the lifecycle of the single active call. It is the
// only writer of the call record and the only source of call notifications.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/callstate/internal/broadcast"
	"github.com/sweeney/callstate/internal/calllog"
	"github.com/sweeney/callstate/internal/classifier"
)

// ErrCallActive is returned by StartCall while another call is in progress.
var ErrCallActive = errors.New("a call is already active")

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// DefaultRedeliveryDelay is how long after a hangup the notification is sent
// again for observers that were not listening the first time.
const DefaultRedeliveryDelay = 500 * time.Millisecond

// Controller tracks the connection state and the current call.
//
// mu guards the in-memory state and is never held across I/O. Every state
// change bumps seq under mu and the snapshot carries it to the broadcaster,
// which ignores snapshots older than the one it holds. persistMu orders
// store writes; a write for a call that is no longer current is skipped, so
// a finished call is never resurrected by a late write.
type Controller struct {
	log         *calllog.Log
	broadcaster *broadcast.Broadcaster
	logger      *zap.Logger
	clock       Clock
	redelivery  time.Duration

	mu        sync.Mutex
	state     broadcast.State
	seq       uint64
	currentID string
	pending   *calllog.Entry
	explicit  calllog.Status
	lastID    string
	timers    []*time.Timer
	closed    bool

	persistMu sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

// WithRedeliveryDelay sets the delay of the second hangup notification.
// Zero or negative disables it.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(ctl *Controller) { ctl.redelivery = d }
}

// New creates a Controller writing through log and notifying through b.
func New(log *calllog.Log, b *broadcast.Broadcaster, opts ...Option) *Controller {
	c := &Controller{
		log:         log,
		broadcaster: b,
		logger:      zap.NewNop(),
		clock:       time.Now,
		redelivery:  DefaultRedeliveryDelay,
		state:       broadcast.State{Status: "Disconnected"},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("controller")
	return c
}

// State returns a copy of the current connection state.
func (c *Controller) State() broadcast.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentCallID returns the active call id, or "" when idle.
func (c *Controller) CurrentCallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentID
}

// StartCall begins tracking a new call and persists its in-progress entry.
func (c *Controller) StartCall(ctx context.Context, dir calllog.Direction, number, name string) (string, error) {
	c.mu.Lock()
	if c.currentID != "" {
		active := c.currentID
		c.mu.Unlock()
		c.logger.Warn("rejecting second call while one is active",
			zap.String("active", active), zap.String("number", number))
		return "", ErrCallActive
	}

	now := c.clock()
	entry := calllog.NewEntry(dir, number, name, now)
	for entry.ID == c.lastID {
		now = now.Add(time.Millisecond)
		entry.ID = calllog.NewID(now)
	}
	c.lastID = entry.ID
	c.currentID = entry.ID
	c.explicit = ""
	pending := entry
	c.pending = &pending

	c.state.HasActiveCall = true
	c.state.CallDirection = dir
	c.state.Caller = entry.Name
	c.state.IncomingPending = dir == calllog.DirectionIncoming
	if dir == calllog.DirectionIncoming {
		c.state.CallStatus = "Incoming call from " + displayName(entry)
	} else {
		c.state.CallStatus = "Calling " + entry.Number + "..."
	}
	st, seq := c.snapshot()
	c.mu.Unlock()

	c.logger.Info("call started",
		zap.String("callId", entry.ID),
		zap.String("direction", string(dir)),
		zap.String("number", entry.Number))

	c.persistCurrent(ctx, entry)

	n := broadcast.Notification{Event: broadcast.EventStateUpdated, State: st, CallID: entry.ID, Seq: seq}
	if dir == calllog.DirectionIncoming {
		n.Event = broadcast.EventIncomingCall
		n.Caller = displayName(entry)
	}
	c.broadcaster.Broadcast(ctx, n)
	return entry.ID, nil
}

// MarkAnswered records that callID was answered. It reports false when the
// call is not current or was already answered.
func (c *Controller) MarkAnswered(ctx context.Context, callID string) bool {
	c.mu.Lock()
	if callID == "" || callID != c.currentID || c.pending == nil || c.pending.Answered {
		c.mu.Unlock()
		return false
	}
	c.pending.MarkAnswered(c.clock())
	entry := *c.pending
	c.state.IncomingPending = false
	c.state.CallStatus = "In call with " + displayName(entry)
	st, seq := c.snapshot()
	c.mu.Unlock()

	c.logger.Info("call answered", zap.String("callId", callID))

	c.persistCurrent(ctx, entry)
	c.broadcaster.Broadcast(ctx, broadcast.Notification{
		Event:  broadcast.EventCallAnswered,
		State:  st,
		CallID: callID,
		Seq:    seq,
	})
	return true
}

// NoteAction records a local intent for the current call before the engine
// is asked to act, so the final status survives whichever termination
// signal arrives first. Stale ids are ignored.
func (c *Controller) NoteAction(callID string, a Action) {
	status := a.explicitStatus()
	if status == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if callID == "" || callID != c.currentID {
		return
	}
	c.explicit = status
}

// EndCall finalizes the call named by t.CallID. Only the first trigger for
// the current call has any effect; later, stale or unnamed triggers return
// false without side effects.
func (c *Controller) EndCall(ctx context.Context, t Trigger) (calllog.Status, bool) {
	c.mu.Lock()
	if c.currentID == "" || t.CallID != c.currentID {
		active := c.currentID
		c.mu.Unlock()
		c.logger.Debug("ignoring termination",
			zap.String("source", t.Source.String()),
			zap.String("callId", t.CallID),
			zap.String("active", active))
		return "", false
	}

	id := c.currentID
	pending := c.pending
	explicit := c.explicit
	c.currentID = ""
	c.pending = nil
	c.explicit = ""
	c.mu.Unlock()

	if s := t.Action.explicitStatus(); s != "" {
		explicit = s
	}

	c.persistMu.Lock()
	entry := pending
	if entry == nil {
		var err error
		entry, err = c.log.Current(ctx)
		if err != nil {
			c.logger.Warn("loading current call", zap.String("callId", id), zap.Error(err))
		}
		if entry != nil && entry.ID != id {
			entry = nil
		}
	}

	in := classifier.Input{
		Explicit:     explicit,
		ResponseCode: t.ResponseCode,
		ReasonPhrase: t.ReasonPhrase,
	}
	if entry != nil {
		in.Direction = entry.Direction
		in.Answered = entry.Answered
	}
	status := classifier.Classify(in)
	if in.Answered && explicit == calllog.StatusCancelled {
		c.logger.Warn("cancel requested after answer, recording completed", zap.String("callId", id))
	}

	var history []calllog.Entry
	if entry != nil {
		final := *entry
		final.Finalize(status, c.clock())
		history = c.appendHistory(ctx, final)
	} else {
		c.logger.Warn("no record for ended call", zap.String("callId", id))
	}
	if err := c.log.ClearCurrent(ctx); err != nil {
		c.logger.Warn("clearing current call", zap.String("callId", id), zap.Error(err))
	}
	c.persistMu.Unlock()

	c.logger.Info("call ended",
		zap.String("callId", id),
		zap.String("status", string(status)),
		zap.String("source", t.Source.String()),
		zap.Int("code", t.ResponseCode))

	c.mu.Lock()
	c.clearCallState()
	c.state.CallStatus = endedText(status)
	st, seq := c.snapshot()
	c.mu.Unlock()

	n := broadcast.Notification{
		Event:          broadcast.EventCallHangup,
		State:          st,
		CallID:         id,
		CallTerminated: true,
		RemoteHangup:   t.Source != SourceLocalAction,
		ByeReceived:    t.Source == SourceExplicitSignal,
		BusyReceived:   status == calllog.StatusBusy,
		FinalStatus:    status,
		Seq:            seq,
	}
	c.notifyEnded(ctx, n, history)
	return status, true
}

// ForceReset abandons any call after the transport to the signaling server
// was lost and marks the connection down.
func (c *Controller) ForceReset(ctx context.Context, reason string) {
	c.mu.Lock()
	id := c.currentID
	pending := c.pending
	c.currentID = ""
	c.pending = nil
	c.explicit = ""
	c.clearCallState()
	c.state.Connected = false
	c.state.Registered = false
	c.state.Status = "Disconnected"
	if reason != "" {
		c.state.Status = "Disconnected: " + reason
	}
	if id != "" {
		c.state.CallStatus = "Call lost"
	}
	st, seq := c.snapshot()
	c.mu.Unlock()

	c.logger.Warn("transport lost", zap.String("reason", reason), zap.String("callId", id))

	if id == "" {
		c.broadcaster.Broadcast(ctx, broadcast.Notification{Event: broadcast.EventStateUpdated, State: st, Seq: seq})
		return
	}

	c.persistMu.Lock()
	var history []calllog.Entry
	status := calllog.StatusFailed
	if pending != nil {
		final := *pending
		if final.Answered {
			status = calllog.StatusCompleted
		}
		final.Finalize(status, c.clock())
		history = c.appendHistory(ctx, final)
	}
	if err := c.log.ClearCurrent(ctx); err != nil {
		c.logger.Warn("clearing current call", zap.String("callId", id), zap.Error(err))
	}
	c.persistMu.Unlock()

	c.notifyEnded(ctx, broadcast.Notification{
		Event:          broadcast.EventCallHangup,
		State:          st,
		CallID:         id,
		CallTerminated: true,
		FinalStatus:    status,
		Seq:            seq,
	}, history)
}

// Recover runs once at startup. It finalizes a call record left behind by a
// previous process and publishes a disconnected, idle state. The previous
// snapshot is only reported: the engine connection does not survive a
// restart, so nothing in it still holds.
func (c *Controller) Recover(ctx context.Context) error {
	prev, restored, err := c.broadcaster.Restore(ctx)
	if err != nil {
		c.logger.Warn("restoring snapshot", zap.Error(err))
	}

	cur, err := c.log.Current(ctx)
	if err != nil {
		return fmt.Errorf("recovering current call: %w", err)
	}
	if restored {
		c.logger.Info("previous session",
			zap.Bool("connected", prev.Connected),
			zap.Bool("registered", prev.Registered),
			zap.Bool("hasActiveCall", prev.HasActiveCall),
			zap.String("callStatus", prev.CallStatus))
		if prev.HasActiveCall && cur == nil {
			c.logger.Warn("previous session had an active call with no record")
		}
	}
	if cur != nil {
		status := calllog.StatusFailed
		if cur.Answered {
			status = calllog.StatusCompleted
		}
		final := *cur
		final.Finalize(status, c.clock())
		if _, err := c.log.Append(ctx, final); err != nil {
			return fmt.Errorf("recovering current call: %w", err)
		}
		if err := c.log.ClearCurrent(ctx); err != nil {
			return fmt.Errorf("recovering current call: %w", err)
		}
		c.logger.Info("finalized orphaned call", zap.String("callId", cur.ID), zap.String("status", string(status)))
	}

	c.mu.Lock()
	c.currentID = ""
	c.pending = nil
	c.explicit = ""
	c.state = broadcast.State{Status: "Disconnected"}
	st, seq := c.snapshot()
	c.mu.Unlock()

	c.broadcaster.Broadcast(ctx, broadcast.Notification{Event: broadcast.EventStateUpdated, State: st, Seq: seq})
	return nil
}

// Close stops pending delayed notifications.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
}

// persistCurrent writes the in-progress entry if e is still the current call.
func (c *Controller) persistCurrent(ctx context.Context, e calllog.Entry) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	if c.CurrentCallID() != e.ID {
		c.logger.Debug("skipping write for finished call", zap.String("callId", e.ID))
		return
	}
	if err := c.log.SetCurrent(ctx, e); err != nil {
		c.logger.Warn("saving current call", zap.String("callId", e.ID), zap.Error(err))
	}
}

// appendHistory must be called with persistMu held.
func (c *Controller) appendHistory(ctx context.Context, e calllog.Entry) []calllog.Entry {
	history, err := c.log.Append(ctx, e)
	if err != nil {
		c.logger.Warn("appending call log", zap.String("callId", e.ID), zap.Error(err))
		return nil
	}
	return history
}

// snapshot stamps the current state with the next sequence number. It must
// be called with mu held, right after the state changed.
func (c *Controller) snapshot() (broadcast.State, uint64) {
	c.seq++
	return c.state, c.seq
}

// latest returns the current state and its sequence number unchanged.
func (c *Controller) latest() (broadcast.State, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.seq
}

// clearCallState must be called with mu held.
func (c *Controller) clearCallState() {
	c.state.HasActiveCall = false
	c.state.CallDirection = calllog.DirectionNone
	c.state.Caller = ""
	c.state.IncomingPending = false
}

// notifyEnded sends the hangup notification now and once more after the
// redelivery delay, then the updated history.
func (c *Controller) notifyEnded(ctx context.Context, n broadcast.Notification, history []calllog.Entry) {
	c.broadcaster.Broadcast(ctx, n)
	c.scheduleRedelivery(ctx, n)
	if history != nil {
		c.broadcaster.Broadcast(ctx, broadcast.Notification{
			Event:   broadcast.EventCallLogUpdated,
			State:   n.State,
			History: history,
			Seq:     n.Seq,
		})
	}
}

func (c *Controller) scheduleRedelivery(ctx context.Context, n broadcast.Notification) {
	if c.redelivery <= 0 {
		return
	}
	bg := context.WithoutCancel(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.timers = append(c.timers, time.AfterFunc(c.redelivery, func() {
		// carry the state as of now, a new call may have started
		n.State, n.Seq = c.latest()
		c.broadcaster.Broadcast(bg, n)
	}))
	if len(c.timers) > 16 {
		c.timers = c.timers[len(c.timers)-16:]
	}
}

func displayName(e calllog.Entry) string {
	if e.Name != "" && e.Name != "Unknown" {
		return e.Name
	}
	return e.Number
}

func endedText(s calllog.Status) string {
	switch s {
	case calllog.StatusCompleted:
		return "Call ended"
	case calllog.StatusMissed:
		return "Missed call"
	case calllog.StatusRejected:
		return "Call rejected"
	case calllog.StatusBusy:
		return "Line busy"
	case calllog.StatusCancelled:
		return "Call cancelled"
	case calllog.StatusUnavailable:
		return "Unavailable"
	case calllog.StatusNoAnswer:
		return "No answer"
	default:
		return "Call failed"
	}
}
