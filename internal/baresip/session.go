package baresip

import (
	"sync"

	"github.com/sweeney/callstate/internal/signaling"
)

// session is a signaling.Session backed by one baresip call. Listeners run
// on the engine's dispatch goroutine.
type session struct {
	local     string
	direction signaling.Direction

	mu     sync.Mutex
	callID string // baresip's id, empty until CALL_OUTGOING binds it
	state  signaling.SessionState
	remote signaling.Remote
	last   *signaling.Response
	// abandoned is set by a hangup that came before the id was known.
	abandoned bool

	onState []func(signaling.SessionState)
	onReq   []func(signaling.Request)
	onTerm  []func()
}

func (s *session) ID() string                     { return s.local }
func (s *session) Direction() signaling.Direction { return s.direction }

func (s *session) State() signaling.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) Remote() signaling.Remote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *session) LastResponse() *signaling.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

func (s *session) OnStateChange(fn func(signaling.SessionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = append(s.onState, fn)
}

func (s *session) OnRequest(fn func(signaling.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReq = append(s.onReq, fn)
}

func (s *session) OnTerminated(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerm = append(s.onTerm, fn)
}

func (s *session) baresipID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

// abandonUnbound returns the baresip id, or marks s abandoned and returns
// "" when it has none yet.
func (s *session) abandonUnbound() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callID == "" {
		s.abandoned = true
	}
	return s.callID
}

// setState moves to st and notifies listeners. Repeats are dropped.
func (s *session) setState(st signaling.SessionState) {
	s.mu.Lock()
	if s.state == st || s.state == signaling.StateTerminated {
		s.mu.Unlock()
		return
	}
	s.state = st
	fns := append([]func(signaling.SessionState){}, s.onState...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

func (s *session) request(r signaling.Request) {
	s.mu.Lock()
	fns := append([]func(signaling.Request){}, s.onReq...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(r)
	}
}

func (s *session) terminated() {
	s.mu.Lock()
	fns := append([]func(){}, s.onTerm...)
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
