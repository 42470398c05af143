package broadcast

import "github.com/sweeney/callstate/internal/calllog"

// Event names carried to observers.
type Event string

const (
	EventStateUpdated   Event = "stateUpdated"
	EventIncomingCall   Event = "incomingCall"
	EventCallAnswered   Event = "callAnswered"
	EventCallHangup     Event = "callHangup"
	EventCallLogUpdated Event = "callLogUpdated"
)

// State is the connection and call snapshot observers render.
type State struct {
	Connected     bool              `json:"connected"`
	Registered    bool              `json:"registered"`
	Status        string            `json:"status"`
	CallStatus    string            `json:"callStatus"`
	HasActiveCall bool              `json:"hasActiveCall"`
	CallDirection calllog.Direction `json:"callDirection,omitempty"`
	Caller        string            `json:"caller,omitempty"`
	// IncomingPending is true while an incoming call rings unanswered.
	IncomingPending bool `json:"hasIncomingCall"`
}

// Notification is one message to observers.
type Notification struct {
	Event  Event  `json:"event"`
	State  State  `json:"state"`
	CallID string `json:"callId,omitempty"`
	Caller string `json:"caller,omitempty"`

	CallTerminated bool           `json:"callTerminated,omitempty"`
	RemoteHangup   bool           `json:"remoteHangup,omitempty"`
	ByeReceived    bool           `json:"byeReceived,omitempty"`
	BusyReceived   bool           `json:"busyReceived,omitempty"`
	FinalStatus    calllog.Status `json:"finalStatus,omitempty"`

	// History is set on callLogUpdated.
	History []calllog.Entry `json:"history,omitempty"`

	// Seq orders snapshots from one writer. A notification whose Seq is
	// older than the last applied one is delivered with the newer state.
	// Zero is never treated as stale.
	Seq uint64 `json:"-"`
}
