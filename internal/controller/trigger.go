package controller

import (
	"fmt"

	"github.com/sweeney/callstate/internal/calllog"
)

// Source is the channel a termination signal arrived on.
type Source int

const (
	// SourceStateChange is the session entering its terminated state.
	SourceStateChange Source = iota
	// SourceExplicitSignal is an explicit remote request such as BYE.
	SourceExplicitSignal
	// SourceGenericCallback is the engine's catch-all hangup callback.
	SourceGenericCallback
	// SourceLocalAction is a command issued from this side.
	SourceLocalAction
)

func (s Source) String() string {
	switch s {
	case SourceStateChange:
		return "state-change"
	case SourceExplicitSignal:
		return "explicit-signal"
	case SourceGenericCallback:
		return "generic-callback"
	case SourceLocalAction:
		return "local-action"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Action is the local intent behind a termination.
type Action int

const (
	ActionNone Action = iota
	ActionHangup
	ActionReject
	ActionCancel
	ActionFail
	ActionUnavailable
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionHangup:
		return "hangup"
	case ActionReject:
		return "reject"
	case ActionCancel:
		return "cancel"
	case ActionFail:
		return "fail"
	case ActionUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// explicitStatus is the status a local action asks to preserve.
func (a Action) explicitStatus() calllog.Status {
	switch a {
	case ActionReject:
		return calllog.StatusRejected
	case ActionCancel:
		return calllog.StatusCancelled
	case ActionFail:
		return calllog.StatusFailed
	case ActionUnavailable:
		return calllog.StatusUnavailable
	}
	return ""
}

// Trigger is one termination signal, normalized across channels. It only
// takes effect when CallID names the current call.
type Trigger struct {
	Source       Source
	CallID       string
	ResponseCode int
	ReasonPhrase string
	Action       Action
}
