package client

import (
	"container/list"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/luma/beanstalk/protocol"
)

const readBufferSize = 16 * 1024

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Options struct {
	// Network and Addr are handed to Dial, e.g. "tcp" and "127.0.0.1:11300".
	Network string
	Addr    string

	// Tube, when set, is used implicitly as soon as the connection opens.
	Tube string

	ConnectTimeout time.Duration

	// Dial defaults to net.Dialer.DialContext.
	Dial DialFunc

	Log *zap.Logger
}

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a single pipelined connection to a beanstalkd server. Commands may
// be sent from any number of goroutines, responses are matched to them in
// the order they were written.
//
// A Conn connects lazily on first use and never reconnects. Once Closed it
// stays closed.
type Conn struct {
	network        string
	addr           string
	defaultTube    string
	connectTimeout time.Duration
	dial           DialFunc

	connectGroup singleflight.Group

	// writeMu makes enqueueing a waiter and writing its command one step, so
	// the waiter queue is always in wire order.
	writeMu sync.Mutex

	mu       sync.Mutex
	state    State
	conn     net.Conn
	waiters  *list.List
	quitting bool
	closeErr error
	done     chan struct{}

	// dialCancel aborts a dial in flight. It is only set while connecting.
	dialCancel context.CancelFunc

	obsMu     sync.Mutex
	observers []*observerEntry

	log *zap.Logger
}

func NewConn(options Options) *Conn {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	network := options.Network
	if network == "" {
		network = "tcp"
	}

	timeout := options.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	dial := options.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	return &Conn{
		network:        network,
		addr:           options.Addr,
		defaultTube:    options.Tube,
		connectTimeout: timeout,
		dial:           dial,
		waiters:        list.New(),
		done:           make(chan struct{}),
		log:            log.With(zap.String("addr", options.Addr)),
	}
}

func (c *Conn) Addr() string {
	return c.addr
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Done is closed when the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil while it is not closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateClosed {
		return nil
	}

	return c.closedErrLocked()
}

// Open connects if the connection is idle. Concurrent callers share a single
// connect attempt. A failed attempt closes the connection for good.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil

	case StateClosed:
		err := c.closedErrLocked()
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	result := c.connectGroup.DoChan("connect", func() (interface{}, error) {
		return nil, c.connect()
	})

	select {
	case res := <-result:
		return res.Err

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) connect() error {
	c.mu.Lock()
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil

	case StateClosed:
		err := c.closedErrLocked()
		c.mu.Unlock()
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer cancel()

	c.state = StateConnecting
	c.dialCancel = cancel
	c.mu.Unlock()

	c.log.Debug("Connecting", zap.Duration("timeout", c.connectTimeout))

	conn, err := c.dial(ctx, c.network, c.addr)
	if err != nil {
		c.mu.Lock()
		if c.state == StateClosed {
			err := c.closedErrLocked()
			c.mu.Unlock()
			return err
		}
		c.mu.Unlock()

		cerr := &ConnectError{Addr: c.addr, Err: err}
		c.log.Warn("Failed to connect", zap.Error(err))
		c.shutdown(cerr)
		return cerr
	}

	if err := c.handshake(conn); err != nil {
		return err
	}

	go c.readLoop(conn)

	c.log.Info("Connected", zap.String("tube", c.defaultTube))
	c.notifyConnect()

	return nil
}

// handshake installs conn and moves to StateOpen. It holds the write lock
// throughout so the implicit use reaches the wire before any caller's
// command.
func (c *Conn) handshake(conn net.Conn) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.dialCancel = nil
	if c.state != StateConnecting {
		err := c.closedErrLocked()
		c.mu.Unlock()
		conn.Close()
		return err
	}

	c.conn = conn
	if c.defaultTube != "" {
		p := newPending(protocol.CmdUse)
		p.hook = c.checkImplicitUse
		c.waiters.PushFront(p)
	}
	c.mu.Unlock()

	if c.defaultTube != "" {
		if err := protocol.WriteCommand(conn, protocol.CmdUse, c.defaultTube); err != nil {
			cerr := &ConnectError{Addr: c.addr, Err: err}
			c.shutdown(cerr)
			return cerr
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnecting {
		return c.closedErrLocked()
	}
	c.state = StateOpen

	return nil
}

func (c *Conn) checkImplicitUse(resp *protocol.Response, err error) {
	if err != nil || resp.Status == protocol.StatusUsing {
		return
	}

	verr := &ProtocolViolationError{Command: protocol.CmdUse, Response: resp}
	c.log.Warn("Implicit use of the default tube failed",
		zap.String("tube", c.defaultTube),
		zap.Error(verr))
	c.notifyError(verr)
}

// Send writes data, one complete command, and returns the handle its response
// will arrive on. It opens the connection if needed.
//
// If the write fails the connection is closed and the returned handle
// completes with the connection error.
func (c *Conn) Send(ctx context.Context, cmd protocol.Command, data []byte) (*Pending, error) {
	return c.send(ctx, cmd, data, nil)
}

// send is Send with a hook that runs on the read loop as the command
// completes, so hooks see responses in wire order.
func (c *Conn) send(
	ctx context.Context,
	cmd protocol.Command,
	data []byte,
	hook func(resp *protocol.Response, err error),
) (*Pending, error) {
	if err := c.Open(ctx); err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.quitting && c.state == StateOpen {
		c.mu.Unlock()
		return nil, &ConnectionClosedError{Err: ErrQuit}
	}

	if c.state != StateOpen {
		err := c.closedErrLocked()
		c.mu.Unlock()
		return nil, err
	}

	p := newPending(cmd)
	p.hook = hook
	c.waiters.PushBack(p)
	conn := c.conn
	c.mu.Unlock()

	if _, err := conn.Write(data); err != nil {
		c.log.Warn("Failed to write command", zap.String("command", string(cmd)), zap.Error(err))
		c.shutdown(&ConnectionClosedError{Err: err})
	}

	return p, nil
}

// Quit asks the server to close the connection and waits for it to do so.
// Commands sent before Quit still get their responses. New commands fail.
func (c *Conn) Quit(ctx context.Context) error {
	if c.State() == StateConnecting {
		if err := c.Open(ctx); err != nil {
			return err
		}
	}

	c.writeMu.Lock()

	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		c.writeMu.Unlock()
		c.shutdown(&ConnectionClosedError{Err: ErrQuit})
		return nil
	}

	alreadyQuitting := c.quitting
	c.quitting = true
	conn := c.conn
	c.mu.Unlock()

	var err error
	if !alreadyQuitting {
		err = protocol.WriteCommand(conn, protocol.CmdQuit)
	}
	c.writeMu.Unlock()

	if err != nil {
		c.shutdown(&ConnectionClosedError{Err: err})
		return nil
	}

	select {
	case <-c.done:
		return nil

	case <-ctx.Done():
		c.shutdown(&ConnectionClosedError{Err: ErrQuit})
		return ctx.Err()
	}
}

// Close closes the connection and fails every command still waiting. It is
// safe to call more than once.
func (c *Conn) Close() error {
	return c.shutdown(&ConnectionClosedError{})
}

func (c *Conn) readLoop(conn net.Conn) {
	log := c.log.Named("readLoop")
	framer := protocol.NewFramer()
	buf := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(buf)

		if n > 0 {
			resps, ferr := framer.Feed(buf[:n])

			for i := range resps {
				if !c.complete(&resps[i]) {
					return
				}
			}

			if ferr != nil {
				log.Error("Failed to frame server response", zap.Error(ferr))
				c.failFraming(ferr)
				return
			}
		}

		if err != nil {
			c.shutdown(c.readError(err))
			return
		}
	}
}

func (c *Conn) readError(err error) error {
	c.mu.Lock()
	quitting := c.quitting
	c.mu.Unlock()

	if quitting && (errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)) {
		return &ConnectionClosedError{Err: ErrQuit}
	}

	return &ConnectionClosedError{Err: err}
}

// complete hands resp to the oldest waiter. It returns false once the
// connection is closed and reading should stop.
func (c *Conn) complete(resp *protocol.Response) bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}

	front := c.waiters.Front()
	if front == nil {
		c.mu.Unlock()

		c.log.Error("Received a response with no command waiting", zap.Stringer("response", resp))
		c.notifyError(ErrUnexpectedResponse)
		c.shutdown(&ConnectionClosedError{Err: ErrUnexpectedResponse})
		return false
	}

	p := c.waiters.Remove(front).(*Pending)
	c.mu.Unlock()

	c.notifyResponse(resp)
	p.complete(resp, nil)

	return true
}

// failFraming fails the command whose response could not be framed, then
// closes the connection.
func (c *Conn) failFraming(ferr error) {
	var head *Pending

	c.mu.Lock()
	if c.state != StateClosed {
		if front := c.waiters.Front(); front != nil {
			head = c.waiters.Remove(front).(*Pending)
		}
	}
	c.mu.Unlock()

	c.notifyError(ferr)

	if head != nil {
		head.complete(nil, ferr)
	}

	c.shutdown(&ConnectionClosedError{Err: ferr})
}

// shutdown moves the connection to StateClosed, fails all waiters oldest
// first, releases the socket and notifies observers. Only the first call has
// any effect.
func (c *Conn) shutdown(cause error) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}

	c.state = StateClosed
	c.closeErr = cause
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	conn := c.conn
	c.conn = nil
	waiters := c.waiters
	c.waiters = list.New()
	close(c.done)
	c.mu.Unlock()

	for e := waiters.Front(); e != nil; e = e.Next() {
		e.Value.(*Pending).complete(nil, cause)
	}

	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.log.Info("Connection closed",
		zap.Int("failedWaiters", waiters.Len()),
		zap.NamedError("cause", cause))
	c.notifyClose(cause)

	return err
}

func (c *Conn) closedErrLocked() error {
	var cerr *ConnectionClosedError
	if errors.As(c.closeErr, &cerr) {
		return cerr
	}

	return &ConnectionClosedError{Err: c.closeErr}
}
