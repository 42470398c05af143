// Package broadcast fans state notifications out to observers and keeps the
// persisted connection snapshot current.
package broadcast

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/callstate/internal/store"
)

// Store keys for the persisted snapshot.
const (
	KeyConnectionState = "connectionState"
	KeyHasIncomingCall = "hasIncomingCall"
)

// Sink receives notifications. Delivery is best-effort; a returned error is
// logged and otherwise ignored.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Broadcaster records the last state, persists it and forwards every
// notification to the registered sinks in registration order.
type Broadcaster struct {
	store       store.Store
	logger      *zap.Logger
	sinkTimeout time.Duration

	mu    sync.Mutex // serializes Broadcast so sinks see one order
	sinks []Sink

	stateMu sync.RWMutex
	current State
	seq     uint64
}

// New creates a Broadcaster persisting to s.
func New(s store.Store, logger *zap.Logger, sinks ...Sink) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		store:       s,
		logger:      logger.Named("broadcast"),
		sinkTimeout: 2 * time.Second,
		sinks:       sinks,
		current:     State{Status: "Disconnected"},
	}
}

// AddSink registers another sink.
func (b *Broadcaster) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Current returns the last broadcast state.
func (b *Broadcaster) Current() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.current
}

// Broadcast records n.State, persists the snapshot and notifies every sink.
// A notification carrying an older Seq than the current state still reaches
// the sinks, but with the current state in place of its own.
func (b *Broadcaster) Broadcast(ctx context.Context, n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stateMu.Lock()
	stale := n.Seq != 0 && n.Seq < b.seq
	if stale {
		n.State = b.current
	} else {
		b.current = n.State
		if n.Seq != 0 {
			b.seq = n.Seq
		}
	}
	b.stateMu.Unlock()

	if stale {
		b.logger.Debug("superseded snapshot",
			zap.String("event", string(n.Event)),
			zap.Uint64("seq", n.Seq))
	} else {
		if err := store.SetJSON(ctx, b.store, KeyConnectionState, n.State); err != nil {
			b.logger.Warn("persisting connection state", zap.Error(err))
		}
		if err := store.SetJSON(ctx, b.store, KeyHasIncomingCall, n.State.IncomingPending); err != nil {
			b.logger.Warn("persisting incoming flag", zap.Error(err))
		}
	}

	for _, s := range b.sinks {
		sctx, cancel := context.WithTimeout(ctx, b.sinkTimeout)
		if err := s.Notify(sctx, n); err != nil {
			b.logger.Debug("sink delivery failed",
				zap.String("event", string(n.Event)),
				zap.Error(err))
		}
		cancel()
	}

	b.logger.Debug("broadcast",
		zap.String("event", string(n.Event)),
		zap.String("status", n.State.Status),
		zap.String("callStatus", n.State.CallStatus),
		zap.Bool("hasActiveCall", n.State.HasActiveCall))
}

// Restore loads the persisted snapshot without notifying anyone.
func (b *Broadcaster) Restore(ctx context.Context) (State, bool, error) {
	var st State
	ok, err := store.GetJSON(ctx, b.store, KeyConnectionState, &st)
	if err != nil || !ok {
		return State{}, false, err
	}
	b.stateMu.Lock()
	b.current = st
	b.stateMu.Unlock()
	return st, true, nil
}
