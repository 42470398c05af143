// Package classifier maps the signals available at call termination to a
// single final call status.
package classifier

import (
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/sweeney/callstate/internal/calllog"
)

const (
	statusRequestTerminated sip.StatusCode = 487
	statusDecline           sip.StatusCode = 603
	statusGlobalFailure     sip.StatusCode = 600
)

// Input is everything known about a call when it ends.
type Input struct {
	Direction calllog.Direction
	Answered  bool
	// Explicit is a status chosen by a local action (reject, cancel, failed
	// dial). Empty when the end came from the remote side.
	Explicit     calllog.Status
	ResponseCode int
	ReasonPhrase string
}

// Classify returns the final status for in. It is total and deterministic.
//
// Precedence, first match wins:
//
//	answered                         completed
//	explicit rejected/unavailable/   preserved
//	  cancelled/failed
//	486                              busy
//	603, >= 600, 487                 rejected
//	480                              unavailable
//	other 4xx/5xx                    failed
//	reason mentions reject/decline   rejected
//	incoming                         missed
//	outgoing or unknown              no-answer
func Classify(in Input) calllog.Status {
	if in.Answered {
		return calllog.StatusCompleted
	}

	switch in.Explicit {
	case calllog.StatusRejected, calllog.StatusUnavailable, calllog.StatusCancelled, calllog.StatusFailed:
		return in.Explicit
	}

	if s, ok := fromResponseCode(sip.StatusCode(in.ResponseCode)); ok {
		return s
	}

	reason := strings.ToLower(in.ReasonPhrase)
	if strings.Contains(reason, "reject") || strings.Contains(reason, "decline") {
		return calllog.StatusRejected
	}

	if in.Direction == calllog.DirectionIncoming {
		return calllog.StatusMissed
	}
	return calllog.StatusNoAnswer
}

func fromResponseCode(code sip.StatusCode) (calllog.Status, bool) {
	switch {
	case code == sip.StatusBusyHere:
		return calllog.StatusBusy, true
	case code == statusDecline, code >= statusGlobalFailure:
		return calllog.StatusRejected, true
	case code == statusRequestTerminated:
		return calllog.StatusRejected, true
	case code == sip.StatusTemporarilyUnavailable:
		return calllog.StatusUnavailable, true
	case code >= 400 && code < 600:
		return calllog.StatusFailed, true
	}
	return "", false
}
