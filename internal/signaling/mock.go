package signaling

import (
	"context"
	"fmt"
	"sync"
)

// MockSession is a Session driven by tests.
type MockSession struct {
	mu        sync.Mutex
	id        string
	direction Direction
	state     SessionState
	remote    Remote
	last      *Response

	onState []func(SessionState)
	onReq   []func(Request)
	onTerm  []func()
}

// NewMockSession creates a session in StateInitial.
func NewMockSession(id string, dir Direction, remote Remote) *MockSession {
	return &MockSession{id: id, direction: dir, remote: remote}
}

func (s *MockSession) ID() string           { return s.id }
func (s *MockSession) Direction() Direction { return s.direction }
func (s *MockSession) Remote() Remote       { return s.remote }

func (s *MockSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *MockSession) LastResponse() *Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *MockSession) OnStateChange(fn func(SessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

func (s *MockSession) OnRequest(fn func(Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReq = append(s.onReq, fn)
}

func (s *MockSession) OnTerminated(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerm = append(s.onTerm, fn)
}

// ListenerCounts reports how many listeners of each kind are registered.
func (s *MockSession) ListenerCounts() (state, request, terminated int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.onState), len(s.onReq), len(s.onTerm)
}

// SetLastResponse sets the final response without notifying listeners.
func (s *MockSession) SetLastResponse(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &Response{StatusCode: code, ReasonPhrase: reason}
}

// FireState moves the session to st and notifies state listeners.
func (s *MockSession) FireState(st SessionState) {
	s.mu.Lock()
	s.state = st
	fns := append([]func(SessionState){}, s.onState...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// FireRequest notifies request listeners.
func (s *MockSession) FireRequest(r Request) {
	s.mu.Lock()
	fns := append([]func(Request){}, s.onReq...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(r)
	}
}

// FireTerminated notifies the generic terminated listeners.
func (s *MockSession) FireTerminated() {
	s.mu.Lock()
	fns := append([]func(){}, s.onTerm...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// MockEngine records operations and returns configured results.
type MockEngine struct {
	mu       sync.Mutex
	delegate Delegate
	ops      []string
	errs     map[string]error
	next     *MockSession
	account  Account

	// HangupBlock, if set, makes Hangup wait until it is closed or the
	// context ends.
	HangupBlock chan struct{}
}

// NewMockEngine creates a MockEngine.
func NewMockEngine() *MockEngine {
	return &MockEngine{errs: make(map[string]error)}
}

// SetError makes the named operation ("connect", "call", "hangup", ...)
// return err. Pass nil to clear.
func (e *MockEngine) SetError(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.errs, op)
		return
	}
	e.errs[op] = err
}

// SetNextSession sets the session returned by the next Call.
func (e *MockEngine) SetNextSession(s *MockSession) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next = s
}

// Ops returns the operations performed so far.
func (e *MockEngine) Ops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

// Delegate returns the registered delegate.
func (e *MockEngine) Delegate() Delegate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delegate
}

// Account returns the account passed to the last Connect.
func (e *MockEngine) Account() Account {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account
}

// record logs "op arg" and returns the error configured for op.
func (e *MockEngine) record(op, arg string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if arg != "" {
		e.ops = append(e.ops, op+" "+arg)
	} else {
		e.ops = append(e.ops, op)
	}
	return e.errs[op]
}

func (e *MockEngine) SetDelegate(d Delegate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delegate = d
}

func (e *MockEngine) Connect(_ context.Context, acct Account) error {
	e.mu.Lock()
	e.account = acct
	e.mu.Unlock()
	return e.record("connect", acct.Username)
}

func (e *MockEngine) Register(context.Context) error   { return e.record("register", "") }
func (e *MockEngine) Unregister(context.Context) error { return e.record("unregister", "") }
func (e *MockEngine) Disconnect(context.Context) error { return e.record("disconnect", "") }

func (e *MockEngine) Call(_ context.Context, target string) (Session, error) {
	if err := e.record("call", target); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.next == nil {
		return nil, fmt.Errorf("no session configured")
	}
	s := e.next
	e.next = nil
	return s, nil
}

func (e *MockEngine) Answer(_ context.Context, s Session) error {
	return e.record("answer", s.ID())
}

func (e *MockEngine) Reject(_ context.Context, s Session) error {
	return e.record("reject", s.ID())
}

func (e *MockEngine) Hangup(ctx context.Context, s Session) error {
	if err := e.record("hangup", s.ID()); err != nil {
		return err
	}
	if block := e.HangupBlock; block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *MockEngine) ResetTransport(context.Context) error { return e.record("reset", "") }
