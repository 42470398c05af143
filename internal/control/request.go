package control

import (
	"github.com/sweeney/callstate/internal/broadcast"
	"github.com/sweeney/callstate/internal/calllog"
)

// Actions accepted from observers.
const (
	ActionGetState        = "getState"
	ActionConnect         = "connect"
	ActionDisconnect      = "disconnect"
	ActionMakeCall        = "makeCall"
	ActionAnswer          = "answer"
	ActionReject          = "reject"
	ActionHangup          = "hangup"
	ActionCheckMicrophone = "checkMicrophonePermission"
	ActionGetCallLog      = "getCallLog"
	ActionGetSettings     = "getSettings"
)

// Request is one observer command. Fields not used by Action are ignored.
type Request struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`

	Server      string `json:"server,omitempty"`
	WSURL       string `json:"wsUrl,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	Target string `json:"target,omitempty"`
}

// Reply answers a Request with the same ID.
type Reply struct {
	ID    string `json:"id,omitempty"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	// Warning reports a soft failure: the operation completed locally but
	// the engine did not confirm it.
	Warning string `json:"warning,omitempty"`

	State      *broadcast.State `json:"state,omitempty"`
	CallID     string           `json:"callId,omitempty"`
	History    []calllog.Entry  `json:"history,omitempty"`
	Settings   *Settings        `json:"settings,omitempty"`
	Permission string           `json:"permission,omitempty"`
}

// ConnectParams are the connection settings supplied by the user.
type ConnectParams struct {
	Server      string `json:"server" validate:"required,hostname_rfc1123|ip"`
	WSURL       string `json:"wsUrl" validate:"omitempty,url"`
	Username    string `json:"username" validate:"required"`
	Password    string `json:"password" validate:"required"`
	DisplayName string `json:"displayName"`
}

// CallParams names the party to dial. Server, when set, qualifies a bare
// target instead of the connected server.
type CallParams struct {
	Target string `json:"target" validate:"required"`
	Server string `json:"server"`
}

// Settings is what is persisted of ConnectParams. The password is never
// stored.
type Settings struct {
	Server      string `json:"server"`
	WSURL       string `json:"wsUrl"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}
