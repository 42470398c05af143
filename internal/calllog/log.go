// Package calllog persists the in-progress call record and a bounded,
// newest-first history of finished calls.
package calllog

import (
	"context"
	"fmt"

	"github.com/sweeney/callstate/internal/store"
)

// Store keys.
const (
	KeyCurrentCall = "currentCall"
	KeyCallLog     = "callLog"
)

// MaxEntries is the history capacity.
const MaxEntries = 10

// Log reads and writes call records through a Store. It performs no locking;
// the caller serializes writes for a given call.
type Log struct {
	store store.Store
	max   int
}

// New creates a Log over s.
func New(s store.Store) *Log {
	return &Log{store: s, max: MaxEntries}
}

// Current returns the in-progress entry, or nil if there is none.
func (l *Log) Current(ctx context.Context) (*Entry, error) {
	var e Entry
	ok, err := store.GetJSON(ctx, l.store, KeyCurrentCall, &e)
	if err != nil {
		return nil, fmt.Errorf("loading current call: %w", err)
	}
	if !ok || e.ID == "" {
		return nil, nil
	}
	return &e, nil
}

// SetCurrent overwrites the in-progress entry.
func (l *Log) SetCurrent(ctx context.Context, e Entry) error {
	if err := store.SetJSON(ctx, l.store, KeyCurrentCall, e); err != nil {
		return fmt.Errorf("saving current call: %w", err)
	}
	return nil
}

// ClearCurrent removes the in-progress entry.
func (l *Log) ClearCurrent(ctx context.Context) error {
	if err := l.store.Delete(ctx, KeyCurrentCall); err != nil {
		return fmt.Errorf("clearing current call: %w", err)
	}
	return nil
}

// History returns finished calls, newest first.
func (l *Log) History(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if _, err := store.GetJSON(ctx, l.store, KeyCallLog, &entries); err != nil {
		return nil, fmt.Errorf("loading call log: %w", err)
	}
	return entries, nil
}

// Append prepends e to the history and evicts the oldest entries beyond
// capacity. It returns the updated history.
func (l *Log) Append(ctx context.Context, e Entry) ([]Entry, error) {
	entries, err := l.History(ctx)
	if err != nil {
		return nil, err
	}

	entries = append([]Entry{e}, entries...)
	if len(entries) > l.max {
		entries = entries[:l.max]
	}

	if err := store.SetJSON(ctx, l.store, KeyCallLog, entries); err != nil {
		return nil, fmt.Errorf("saving call log: %w", err)
	}
	return entries, nil
}
