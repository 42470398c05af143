package calllog

import (
	"fmt"
	"math"
	"time"
)

// Direction is who initiated a call.
type Direction string

const (
	DirectionNone     Direction = ""
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Status is the lifecycle status of a call record. Dialing, ringing and
// in-progress are only ever seen on the current call; the rest are final.
type Status string

const (
	StatusDialing     Status = "dialing"
	StatusRinging     Status = "ringing"
	StatusInProgress  Status = "in-progress"
	StatusCompleted   Status = "completed"
	StatusMissed      Status = "missed"
	StatusRejected    Status = "rejected"
	StatusBusy        Status = "busy"
	StatusCancelled   Status = "cancelled"
	StatusUnavailable Status = "unavailable"
	StatusNoAnswer    Status = "no-answer"
	StatusFailed      Status = "failed"
)

// Final reports whether s is a terminal history status.
func (s Status) Final() bool {
	switch s {
	case StatusDialing, StatusRinging, StatusInProgress, "":
		return false
	}
	return true
}

// Entry is one call record.
type Entry struct {
	ID         string     `json:"id"`
	Direction  Direction  `json:"direction"`
	Number     string     `json:"number"`
	Name       string     `json:"name"`
	Status     Status     `json:"status"`
	StartTime  time.Time  `json:"startTime"`
	AnswerTime *time.Time `json:"answerTime,omitempty"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	Duration   int        `json:"duration"`
	// FormattedDuration is Duration as MM:SS.
	FormattedDuration string `json:"formattedDuration,omitempty"`
	Answered          bool   `json:"answered"`
}

// NewID derives a call id from its start time.
func NewID(start time.Time) string {
	return fmt.Sprintf("call_%d", start.UnixMilli())
}

// NewEntry builds the in-progress record for a call starting at now.
// Missing number or name become "Unknown".
func NewEntry(dir Direction, number, name string, now time.Time) Entry {
	if number == "" {
		number = "Unknown"
	}
	if name == "" {
		name = "Unknown"
	}
	status := StatusRinging
	if dir == DirectionOutgoing {
		status = StatusDialing
	}
	return Entry{
		ID:        NewID(now),
		Direction: dir,
		Number:    number,
		Name:      name,
		Status:    status,
		StartTime: now,
	}
}

// MarkAnswered records the answer time and moves the entry to in-progress.
func (e *Entry) MarkAnswered(at time.Time) {
	t := at
	e.Answered = true
	e.AnswerTime = &t
	e.Status = StatusInProgress
}

// Finalize stamps the end time, final status and duration. Duration is whole
// seconds from answer to end, or 0 if the call was never answered.
func (e *Entry) Finalize(status Status, at time.Time) {
	t := at
	e.Status = status
	e.EndTime = &t
	e.Duration = 0
	if e.Answered && e.AnswerTime != nil {
		secs := at.Sub(*e.AnswerTime).Seconds()
		if secs > 0 {
			e.Duration = int(math.Round(secs))
		}
	}
	e.FormattedDuration = fmt.Sprintf("%02d:%02d", e.Duration/60, e.Duration%60)
}
