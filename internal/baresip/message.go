// Package baresip drives a baresip user agent over its ctrl_tcp socket and
// exposes it as a signaling.Engine.
package baresip

import (
	"encoding/json"
	"strconv"
	"strings"
)

// EventType is the "type" of a baresip event.
type EventType string

const (
	EventCallIncoming    EventType = "CALL_INCOMING"
	EventCallOutgoing    EventType = "CALL_OUTGOING"
	EventCallRinging     EventType = "CALL_RINGING"
	EventCallProgress    EventType = "CALL_PROGRESS"
	EventCallAnswered    EventType = "CALL_ANSWERED"
	EventCallEstablished EventType = "CALL_ESTABLISHED"
	EventCallClosed      EventType = "CALL_CLOSED"
	EventRegisterOK      EventType = "REGISTER_OK"
	EventRegisterFail    EventType = "REGISTER_FAIL"
	EventUnregistering   EventType = "UNREGISTERING"
)

// Event is an unsolicited message from baresip.
type Event struct {
	Event           bool      `json:"event"`
	Class           string    `json:"class"`
	Type            EventType `json:"type"`
	AccountAOR      string    `json:"accountaor"`
	Direction       string    `json:"direction"`
	PeerURI         string    `json:"peeruri"`
	PeerName        string    `json:"peername,omitempty"`
	PeerDisplayName string    `json:"peerdisplayname,omitempty"`
	ID              string    `json:"id"`
	Param           string    `json:"param"`
}

// DisplayName returns whichever display name field baresip filled in.
func (e Event) DisplayName() string {
	if e.PeerDisplayName != "" {
		return e.PeerDisplayName
	}
	return e.PeerName
}

// CloseReason splits a CALL_CLOSED param such as "486 Busy Here" into the
// response code and phrase. Params without a leading code return 0.
func (e Event) CloseReason() (int, string) {
	p := strings.TrimSpace(e.Param)
	if len(p) >= 3 {
		if code, err := strconv.Atoi(p[:3]); err == nil && code >= 100 && code < 700 {
			if len(p) == 3 {
				return code, ""
			}
			if p[3] == ' ' {
				return code, strings.TrimSpace(p[4:])
			}
		}
	}
	return 0, p
}

// Response answers a Command with the same token.
type Response struct {
	Response bool   `json:"response"`
	OK       bool   `json:"ok"`
	Data     string `json:"data"`
	Token    string `json:"token"`
}

// Command is a request to baresip.
type Command struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

// frame is used to tell events from responses before full decoding.
type frame struct {
	Event    *bool `json:"event"`
	Response *bool `json:"response"`
}

// decodeFrame classifies and decodes a payload. Exactly one of the returned
// pointers is non-nil on success.
func decodeFrame(data []byte) (*Event, *Response, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, nil, err
	}
	switch {
	case f.Event != nil:
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, nil, err
		}
		return &evt, nil, nil
	case f.Response != nil:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, nil, err
		}
		return nil, &resp, nil
	}
	return nil, nil, nil
}
