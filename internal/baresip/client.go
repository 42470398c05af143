package baresip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned for commands issued on a closed client.
var ErrClosed = errors.New("baresip: connection closed")

// ClientOptions configures a Client.
type ClientOptions struct {
	// CommandTimeout bounds each command when the caller's context has no
	// earlier deadline. Defaults to 2s.
	CommandTimeout time.Duration
	Logger         *zap.Logger
}

// Client is a ctrl_tcp connection. Commands may be issued concurrently;
// events are delivered in order on Events.
type Client struct {
	conn    net.Conn
	encoder *Encoder
	writeMu sync.Mutex
	timeout time.Duration
	logger  *zap.Logger

	events chan Event

	tokens    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[string]chan Response

	closed atomic.Bool
	quit   chan struct{}
	done   chan struct{}
	errMu  sync.Mutex
	err    error
}

// Dial connects to baresip's ctrl_tcp module at addr.
func Dial(ctx context.Context, addr string, opts ClientOptions) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to baresip at %s: %w", addr, err)
	}
	return NewClient(conn, opts), nil
}

// NewClient wraps an established connection and starts reading from it.
func NewClient(conn net.Conn, opts ClientOptions) *Client {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &Client{
		conn:    conn,
		encoder: NewEncoder(conn),
		timeout: opts.CommandTimeout,
		logger:  opts.Logger.Named("baresip"),
		events:  make(chan Event, 64),
		pending: make(map[string]chan Response),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop(NewDecoder(conn))
	return c
}

// Events delivers baresip events. It is closed when the connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open or after
// Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.quit)
	return c.conn.Close()
}

func (c *Client) readLoop(dec *Decoder) {
	defer close(c.events)
	defer close(c.done)

	for {
		data, err := dec.Decode()
		if err != nil {
			if !c.closed.Load() {
				c.errMu.Lock()
				c.err = fmt.Errorf("reading from baresip: %w", err)
				c.errMu.Unlock()
				c.closed.Store(true)
				c.conn.Close()
			}
			return
		}

		evt, resp, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("invalid frame", zap.ByteString("data", data), zap.Error(err))
			continue
		}

		switch {
		case evt != nil:
			c.logger.Debug("event",
				zap.String("type", string(evt.Type)),
				zap.String("id", evt.ID),
				zap.String("param", evt.Param))
			select {
			case c.events <- *evt:
			case <-c.quit:
				return
			}
		case resp != nil:
			c.pendingMu.Lock()
			ch, ok := c.pending[resp.Token]
			delete(c.pending, resp.Token)
			c.pendingMu.Unlock()
			if ok {
				ch <- *resp
			} else {
				c.logger.Debug("unsolicited response", zap.String("token", resp.Token))
			}
		}
	}
}

// Command sends cmd and waits for its response. A response with ok=false
// is returned together with an error carrying baresip's message.
func (c *Client) Command(ctx context.Context, cmd, params string) (Response, error) {
	if c.closed.Load() {
		return Response{}, ErrClosed
	}

	token := fmt.Sprintf("tok%d", c.tokens.Add(1))
	data, err := json.Marshal(Command{Command: cmd, Params: params, Token: token})
	if err != nil {
		return Response{}, fmt.Errorf("marshaling %s: %w", cmd, err)
	}

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[token] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, token)
		c.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug("command", zap.String("command", cmd), zap.String("token", token))

	c.writeMu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl)
	}
	err = c.encoder.Encode(data)
	c.writeMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("sending %s: %w", cmd, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			return resp, fmt.Errorf("baresip %s failed: %s", cmd, resp.Data)
		}
		return resp, nil
	case <-c.done:
		return Response{}, fmt.Errorf("%s: %w", cmd, ErrClosed)
	case <-ctx.Done():
		return Response{}, fmt.Errorf("%s: %w", cmd, ctx.Err())
	}
}
