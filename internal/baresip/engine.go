package baresip

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/callstate/internal/signaling"
)

const (
	// RegisterInterval is the registration expiry requested, in seconds.
	RegisterInterval = 300

	// closedByPeer is baresip's CALL_CLOSED param when the remote sent BYE.
	closedByPeer = "Connection reset by peer"
)

// Dialer opens a ctrl_tcp connection. Tests substitute one over net.Pipe.
type Dialer func(ctx context.Context) (*Client, error)

// Engine implements signaling.Engine on top of baresip.
type Engine struct {
	dial   Dialer
	logger *zap.Logger

	mu       sync.Mutex
	client   *Client
	delegate signaling.Delegate
	account  signaling.Account
	aor      string
	sessions map[string]*session // by baresip call id
	outgoing []*session          // dialled, not yet bound to an id
}

// NewEngine creates an Engine that connects with dial on first use.
func NewEngine(dial Dialer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		dial:     dial,
		logger:   logger.Named("engine"),
		sessions: make(map[string]*session),
	}
}

// TCPDialer dials addr with opts.
func TCPDialer(addr string, opts ClientOptions) Dialer {
	return func(ctx context.Context) (*Client, error) {
		return Dial(ctx, addr, opts)
	}
}

func (e *Engine) SetDelegate(d signaling.Delegate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delegate = d
}

// AccountLine builds the baresip account line for acct.
func AccountLine(acct signaling.Account) (string, error) {
	aor := sip.Uri{Scheme: "sip", User: acct.Username, Host: acct.Server}
	var b strings.Builder
	if acct.DisplayName != "" {
		fmt.Fprintf(&b, "%q ", acct.DisplayName)
	}
	fmt.Fprintf(&b, "<%s;transport=wss>;auth_pass=%s;regint=%d", aor.String(), acct.Password, RegisterInterval)

	if acct.WSURL != "" {
		u, err := url.Parse(acct.WSURL)
		if err != nil {
			return "", fmt.Errorf("invalid websocket url %q: %w", acct.WSURL, err)
		}
		if u.Host == "" {
			return "", fmt.Errorf("invalid websocket url %q", acct.WSURL)
		}
		transport := "wss"
		if u.Scheme == "ws" {
			transport = "ws"
		}
		fmt.Fprintf(&b, ";outbound=\"sip:%s;transport=%s\"", u.Host, transport)
	}
	return b.String(), nil
}

// Connect opens the control connection if needed and creates the user
// agent for acct. The delegate's OnConnect fires on success.
func (e *Engine) Connect(ctx context.Context, acct signaling.Account) error {
	line, err := AccountLine(acct)
	if err != nil {
		return err
	}

	c, err := e.ensureClient(ctx)
	if err != nil {
		return err
	}

	if _, err := c.Command(ctx, "uadelall", ""); err != nil {
		e.logger.Debug("clearing user agents", zap.Error(err))
	}
	if _, err := c.Command(ctx, "uanew", line); err != nil {
		return fmt.Errorf("creating user agent: %w", err)
	}

	e.mu.Lock()
	e.account = acct
	e.aor = (&sip.Uri{Scheme: "sip", User: acct.Username, Host: acct.Server}).String()
	d := e.delegate
	e.mu.Unlock()

	e.logger.Info("user agent created", zap.String("server", acct.Server), zap.String("user", acct.Username))
	if d.OnConnect != nil {
		d.OnConnect()
	}
	return nil
}

func (e *Engine) Register(ctx context.Context) error {
	return e.command(ctx, "uareg", fmt.Sprintf("%d", RegisterInterval))
}

func (e *Engine) Unregister(ctx context.Context) error {
	return e.command(ctx, "uareg", "0")
}

// Disconnect removes the user agent and closes the control connection.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	c := e.client
	e.client = nil
	e.sessions = make(map[string]*session)
	e.outgoing = nil
	e.mu.Unlock()

	if c == nil {
		return nil
	}
	_, err := c.Command(ctx, "uadelall", "")
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

func (e *Engine) Call(ctx context.Context, target string) (signaling.Session, error) {
	c, err := e.connected()
	if err != nil {
		return nil, err
	}

	s := &session{local: uuid.NewString(), direction: signaling.Outbound, remote: remoteFrom(target, "")}
	e.mu.Lock()
	e.outgoing = append(e.outgoing, s)
	e.mu.Unlock()

	if _, err := c.Command(ctx, "dial", target); err != nil {
		e.unbind(s)
		return nil, err
	}
	return s, nil
}

func (e *Engine) Answer(ctx context.Context, s signaling.Session) error {
	id, err := e.idOf(s)
	if err != nil {
		return err
	}
	return e.command(ctx, "accept", id)
}

// Reject declines with 603 Decline.
func (e *Engine) Reject(ctx context.Context, s signaling.Session) error {
	id, err := e.idOf(s)
	if err != nil {
		return err
	}
	return e.command(ctx, "hangup", fmt.Sprintf("%s scode=603 reason=Decline", id))
}

// Hangup ends s. A dialled session baresip has not announced yet is marked
// abandoned and hung up as soon as its id arrives; ErrNotBound is returned.
func (e *Engine) Hangup(ctx context.Context, s signaling.Session) error {
	bs, ok := s.(*session)
	if !ok {
		return fmt.Errorf("session %s does not belong to this engine", s.ID())
	}
	id := bs.abandonUnbound()
	if id == "" {
		e.logger.Debug("hangup before call id known", zap.String("session", s.ID()))
		return fmt.Errorf("session %s: %w", s.ID(), signaling.ErrNotBound)
	}
	return e.command(ctx, "hangup", id)
}

// ResetTransport recreates the user agent from the last account without
// registering it.
func (e *Engine) ResetTransport(ctx context.Context) error {
	e.mu.Lock()
	acct := e.account
	e.mu.Unlock()
	if acct.Server == "" {
		return errors.New("no account to reset")
	}

	line, err := AccountLine(acct)
	if err != nil {
		return err
	}
	c, err := e.ensureClient(ctx)
	if err != nil {
		return err
	}
	if _, err := c.Command(ctx, "uadelall", ""); err != nil {
		return fmt.Errorf("resetting transport: %w", err)
	}
	if _, err := c.Command(ctx, "uanew", line); err != nil {
		return fmt.Errorf("resetting transport: %w", err)
	}
	return nil
}

func (e *Engine) connected() (*Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil, ErrClosed
	}
	return e.client, nil
}

func (e *Engine) command(ctx context.Context, cmd, params string) error {
	c, err := e.connected()
	if err != nil {
		return err
	}
	_, err = c.Command(ctx, cmd, params)
	return err
}

func (e *Engine) ensureClient(ctx context.Context) (*Client, error) {
	e.mu.Lock()
	if e.client != nil {
		c := e.client
		e.mu.Unlock()
		return c, nil
	}
	e.mu.Unlock()

	c, err := e.dial(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.client != nil {
		// lost a race with another Connect
		existing := e.client
		e.mu.Unlock()
		c.Close()
		return existing, nil
	}
	e.client = c
	e.mu.Unlock()

	go e.dispatch(c)
	return c, nil
}

func (e *Engine) idOf(s signaling.Session) (string, error) {
	bs, ok := s.(*session)
	if !ok {
		return "", fmt.Errorf("session %s does not belong to this engine", s.ID())
	}
	id := bs.baresipID()
	if id == "" {
		return "", fmt.Errorf("session %s: %w", s.ID(), signaling.ErrNotBound)
	}
	return id, nil
}

func (e *Engine) unbind(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, o := range e.outgoing {
		if o == s {
			e.outgoing = append(e.outgoing[:i], e.outgoing[i+1:]...)
			break
		}
	}
}

// dispatch handles every event from c on one goroutine, so listeners for a
// session never run concurrently.
func (e *Engine) dispatch(c *Client) {
	for evt := range c.Events() {
		e.handle(evt)
	}

	err := c.Err()
	e.mu.Lock()
	current := e.client == c
	if current {
		e.client = nil
		e.sessions = make(map[string]*session)
		e.outgoing = nil
	}
	d := e.delegate
	e.mu.Unlock()

	if current && err != nil {
		e.logger.Warn("control connection lost", zap.Error(err))
		if d.OnDisconnect != nil {
			d.OnDisconnect(err)
		}
	}
}

func (e *Engine) handle(evt Event) {
	e.mu.Lock()
	d := e.delegate
	aor := e.aor
	e.mu.Unlock()

	if aor != "" && evt.AccountAOR != "" && !strings.EqualFold(evt.AccountAOR, aor) {
		e.logger.Debug("event for another account", zap.String("aor", evt.AccountAOR))
		return
	}

	switch evt.Type {
	case EventRegisterOK:
		if d.OnRegistered != nil {
			d.OnRegistered()
		}
	case EventRegisterFail:
		if d.OnRegistrationFailed != nil {
			d.OnRegistrationFailed(evt.Param)
		}
	case EventUnregistering:
		if d.OnUnregistered != nil {
			d.OnUnregistered()
		}

	case EventCallIncoming:
		s := &session{
			local:     uuid.NewString(),
			direction: signaling.Inbound,
			callID:    evt.ID,
			remote:    remoteFrom(evt.PeerURI, evt.DisplayName()),
		}
		e.mu.Lock()
		e.sessions[evt.ID] = s
		e.mu.Unlock()
		if d.OnInvite != nil {
			d.OnInvite(s)
		}

	case EventCallOutgoing:
		e.bindOutgoing(evt)

	case EventCallRinging, EventCallProgress:
		if s := e.lookup(evt); s != nil {
			s.setState(signaling.StateEstablishing)
		}

	case EventCallEstablished:
		if s := e.lookup(evt); s != nil {
			s.setState(signaling.StateEstablished)
		}

	case EventCallClosed:
		s := e.lookup(evt)
		if s == nil {
			return
		}
		e.mu.Lock()
		delete(e.sessions, evt.ID)
		e.mu.Unlock()

		code, reason := evt.CloseReason()
		s.mu.Lock()
		s.last = &signaling.Response{StatusCode: code, ReasonPhrase: reason}
		s.mu.Unlock()

		if strings.EqualFold(evt.Param, closedByPeer) {
			s.request(signaling.Request{Method: sip.BYE})
		}
		s.setState(signaling.StateTerminated)
		s.terminated()
	}
}

func (e *Engine) bindOutgoing(evt Event) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[evt.ID]; ok {
		return s
	}
	if len(e.outgoing) == 0 {
		e.logger.Debug("outgoing call not dialled here", zap.String("id", evt.ID))
		return nil
	}
	s := e.outgoing[0]
	e.outgoing = e.outgoing[1:]

	s.mu.Lock()
	s.callID = evt.ID
	if evt.PeerURI != "" {
		s.remote = remoteFrom(evt.PeerURI, evt.DisplayName())
	}
	abandoned := s.abandoned
	s.mu.Unlock()

	e.sessions[evt.ID] = s
	if abandoned && e.client != nil {
		go e.hangupAbandoned(e.client, evt.ID)
	}
	return s
}

// hangupAbandoned runs off the dispatch goroutine so the command's
// response can still be read.
func (e *Engine) hangupAbandoned(c *Client, id string) {
	if _, err := c.Command(context.Background(), "hangup", id); err != nil {
		e.logger.Warn("hanging up abandoned call", zap.String("id", id), zap.Error(err))
		return
	}
	e.logger.Info("hung up abandoned call", zap.String("id", id))
}

// lookup finds the session for a call event, binding a pending outgoing
// session when baresip skipped CALL_OUTGOING.
func (e *Engine) lookup(evt Event) *session {
	e.mu.Lock()
	s, ok := e.sessions[evt.ID]
	e.mu.Unlock()
	if ok {
		return s
	}
	if evt.Direction == "outgoing" {
		return e.bindOutgoing(evt)
	}
	return nil
}

func remoteFrom(uri, display string) signaling.Remote {
	r := signaling.Remote{URI: uri, DisplayName: display}
	var u sip.Uri
	if err := sip.ParseUri(uri, &u); err == nil {
		r.User = u.User
	}
	return r
}
