package transport

import (
	"context"
	"errors"
	"net"
	"runtime"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/beanstalk/storage"
)

// TCP serves the beanstalkd protocol from a Store. It runs NumListeners
// accept loops on the same port using SO_REUSEPORT.
type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	mu   sync.Mutex
	addr string

	numListeners int
	listeners    []*TCPListener
	maxJobSize   int

	store storage.Store

	log *zap.Logger
}

func NewTCP(options Options) *TCP {
	numListeners := options.NumListeners
	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	maxJobSize := options.MaxJobSize
	if maxJobSize <= 0 {
		maxJobSize = DefaultMaxJobSize
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &TCP{
		addr:         net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		numListeners: numListeners,
		listeners:    make([]*TCPListener, 0, numListeners),
		maxJobSize:   maxJobSize,
		store:        options.Store,
		log:          log,
	}
}

// Start binds every listener before returning, so clients may connect as
// soon as it succeeds.
func (w *TCP) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	w.cancel = cancel

	w.log.Info("Starting tcp listeners", zap.Int("count", w.numListeners))

	for i := 0; i < w.numListeners; i++ {
		if err := w.startListener(ctx); err != nil {
			cancel()
			return multierr.Append(err, w.closeListeners())
		}
	}

	return nil
}

// Addr returns the address listeners are bound to. Once started it carries
// the real port, even when 0 was asked for.
func (w *TCP) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.addr
}

func (w *TCP) Store() storage.Store {
	return w.store
}

func (w *TCP) startListener(ctx context.Context) error {
	raw, err := reuseport.Listen("tcp", w.Addr())
	if err != nil {
		return err
	}

	w.mu.Lock()
	// The first listener settles the port for the others.
	w.addr = raw.Addr().String()
	listener := NewTCPListener(
		ctx,
		raw,
		w.store,
		w.maxJobSize,
		w.log.Named("listener").With(zap.Int("listener", len(w.listeners))),
	)
	w.listeners = append(w.listeners, listener)
	w.mu.Unlock()

	w.stopWaiter.Add(1)
	go func() {
		defer w.stopWaiter.Done()

		if err := listener.Listen(); err != nil {
			w.log.Error("Failed to listen", zap.Error(err))
		}
	}()

	return nil
}

// Close immediately closes all listeners and active connections.
func (w *TCP) Close() error {
	w.log.Info("Stopping TCP server")
	if w.cancel != nil {
		w.cancel()
	}

	err := w.closeListeners()

	w.stopWaiter.Wait()
	w.log.Info("Listeners stopped")

	return err
}

func (w *TCP) closeListeners() (err error) {
	w.mu.Lock()
	listeners := w.listeners
	w.mu.Unlock()

	for _, listener := range listeners {
		err = multierr.Append(err, listener.Close())
	}

	return err
}

type TCPListener struct {
	ctx context.Context

	listener   net.Listener
	maxJobSize int
	log        *zap.Logger

	mu          sync.Mutex
	closed      bool
	activeConns map[*TCPConn]struct{}
	connWaiter  sync.WaitGroup

	store storage.Store
}

func NewTCPListener(
	ctx context.Context,
	listener net.Listener,
	store storage.Store,
	maxJobSize int,
	log *zap.Logger,
) *TCPListener {
	return &TCPListener{
		ctx:         ctx,
		listener:    listener,
		maxJobSize:  maxJobSize,
		activeConns: make(map[*TCPConn]struct{}),
		store:       store,
		log:         log,
	}
}

// Close stops accepting and closes every active connection.
func (t *TCPListener) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	err := t.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	for conn := range t.activeConns {
		err = multierr.Append(err, conn.Close())
	}
	t.mu.Unlock()

	return err
}

// Listen accepts connections until the listener is closed, then waits for
// their loops to exit.
func (t *TCPListener) Listen() error {
	defer func() {
		t.log.Info("Waiting for connections to stop")
		t.connWaiter.Wait()
		t.log.Info("Listener stopped")
	}()

	go func() {
		<-t.ctx.Done()
		if err := t.Close(); err != nil {
			t.log.Warn("TCP Listener did not close cleanly", zap.Error(err))
		}
	}()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				return nil
			}

			return err
		}

		tcpConn := NewTCPConn(t.ctx, conn, t.store, t.maxJobSize, t.log.Named("conn"))

		if !t.addConn(tcpConn) {
			conn.Close()
			return nil
		}

		go func() {
			defer t.connWaiter.Done()
			defer t.removeConn(tcpConn)

			tcpConn.Start()
		}()
	}
}

func (t *TCPListener) addConn(conn *TCPConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}

	t.connWaiter.Add(1)
	t.activeConns[conn] = struct{}{}

	return true
}

func (t *TCPListener) removeConn(conn *TCPConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.activeConns, conn)
}
