package controller

import (
	"context"

	"go.uber.org/zap"

	"github.com/sweeney/callstate/internal/broadcast"
)

// SetConnecting marks a connection attempt in progress.
func (c *Controller) SetConnecting(ctx context.Context) {
	c.update(ctx, func(s *broadcast.State) {
		s.Status = "Connecting..."
	})
}

// SetConnected marks the transport to the signaling server as up.
func (c *Controller) SetConnected(ctx context.Context) {
	c.update(ctx, func(s *broadcast.State) {
		s.Connected = true
		s.Status = "Connected"
	})
}

// SetRegistered records the registration state of the account.
func (c *Controller) SetRegistered(ctx context.Context, registered bool) {
	c.update(ctx, func(s *broadcast.State) {
		s.Registered = registered
		if registered {
			s.Status = "Registered"
		} else if s.Connected {
			s.Status = "Unregistered"
		}
	})
}

// SetRegistrationFailed records a rejected registration.
func (c *Controller) SetRegistrationFailed(ctx context.Context, reason string) {
	c.logger.Warn("registration failed", zap.String("reason", reason))
	c.update(ctx, func(s *broadcast.State) {
		s.Registered = false
		s.Status = "Registration failed"
		if reason != "" {
			s.Status += ": " + reason
		}
	})
}

// SetDisconnected marks an orderly disconnect. Any active call is abandoned
// the same way as a transport loss.
func (c *Controller) SetDisconnected(ctx context.Context) {
	if c.CurrentCallID() != "" {
		c.ForceReset(ctx, "")
		return
	}
	c.update(ctx, func(s *broadcast.State) {
		s.Connected = false
		s.Registered = false
		s.Status = "Disconnected"
	})
}

// SetStatus replaces the connection status text, e.g. with an error.
func (c *Controller) SetStatus(ctx context.Context, text string) {
	c.update(ctx, func(s *broadcast.State) { s.Status = text })
}

// SetCallStatus replaces the call status text without touching the call.
func (c *Controller) SetCallStatus(ctx context.Context, text string) {
	c.update(ctx, func(s *broadcast.State) { s.CallStatus = text })
}

func (c *Controller) update(ctx context.Context, fn func(*broadcast.State)) {
	c.mu.Lock()
	fn(&c.state)
	st, seq := c.snapshot()
	c.mu.Unlock()

	c.broadcaster.Broadcast(ctx, broadcast.Notification{Event: broadcast.EventStateUpdated, State: st, Seq: seq})
}
