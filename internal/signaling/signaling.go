// Package signaling describes the SIP engine the daemon drives. The engine
// owns the protocol; this package only names the operations and callbacks
// the call lifecycle depends on.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// ErrNotBound is returned by Engine commands on a session the engine has
// not identified yet, such as an outgoing call before the engine announced
// it. An engine that returns it from Hangup ends the session once it is
// identified.
var ErrNotBound = errors.New("session not yet bound")

// SessionState is the engine's view of a call session.
type SessionState int

const (
	StateInitial SessionState = iota
	StateEstablishing
	StateEstablished
	StateTerminated
)

func (s SessionState) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateEstablishing:
		return "Establishing"
	case StateEstablished:
		return "Established"
	case StateTerminated:
		return "Terminated"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// Direction of a session relative to this endpoint.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// Response is the final SIP response seen on a session, if any.
type Response struct {
	StatusCode   int
	ReasonPhrase string
}

// Request is an in-dialog request received from the remote side.
type Request struct {
	Method sip.RequestMethod
}

// Remote identifies the other party.
type Remote struct {
	URI         string
	User        string
	DisplayName string
}

// Session is one call as seen by the engine. Listeners registered on a
// session may fire in any order relative to each other; the engine only
// guarantees they are not invoked concurrently for one session.
type Session interface {
	ID() string
	Direction() Direction
	State() SessionState
	Remote() Remote
	// LastResponse returns the final response, or nil if none was seen.
	LastResponse() *Response

	OnStateChange(func(SessionState))
	OnRequest(func(Request))
	OnTerminated(func())
}

// Account holds the credentials for the SIP-over-WebSocket account.
type Account struct {
	Server      string
	WSURL       string
	Username    string
	Password    string
	DisplayName string
}

// Delegate receives engine-level notifications. Nil fields are ignored.
type Delegate struct {
	OnInvite             func(Session)
	OnConnect            func()
	OnDisconnect         func(err error)
	OnRegistered         func()
	OnUnregistered       func()
	OnRegistrationFailed func(reason string)
}

// Engine is a SIP user agent with a single registered account.
type Engine interface {
	SetDelegate(Delegate)

	Connect(ctx context.Context, acct Account) error
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// Call starts an outbound session to target, a SIP URI.
	Call(ctx context.Context, target string) (Session, error)
	Answer(ctx context.Context, s Session) error
	Reject(ctx context.Context, s Session) error
	// Hangup ends s whatever its state: cancel before answer, BYE after.
	Hangup(ctx context.Context, s Session) error

	// ResetTransport drops and re-establishes the connection to the
	// signaling server without re-registering.
	ResetTransport(ctx context.Context) error
}

// TargetURI turns a dial target into a SIP URI. A bare user part is
// qualified with server; "user@host" is used as given.
func TargetURI(target, server string) (string, error) {
	target = strings.TrimSpace(target)
	target = strings.TrimPrefix(target, "sip:")
	if target == "" {
		return "", fmt.Errorf("target is required")
	}
	if !strings.Contains(target, "@") {
		if server == "" {
			return "", fmt.Errorf("server is required to dial %q", target)
		}
		target = target + "@" + server
	}

	var uri sip.Uri
	if err := sip.ParseUri("sip:"+target, &uri); err != nil {
		return "", fmt.Errorf("invalid target %q: %w", target, err)
	}
	if uri.User == "" || uri.Host == "" {
		return "", fmt.Errorf("invalid target %q", target)
	}
	return uri.String(), nil
}
