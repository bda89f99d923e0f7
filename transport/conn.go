package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/beanstalk/protocol"
	"github.com/luma/beanstalk/storage"
)

const writeQueueSize = 127

// errQuit ends the read loop when the client sends quit.
var errQuit = errors.New("client quit")

// TCPConn serves one client. Commands are handled one at a time in the order
// they arrive, so replies keep that order too.
type TCPConn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup
	closeOnce  sync.Once

	conn       net.Conn
	store      storage.Store
	sess       *storage.Session
	maxJobSize int

	// writeQueue is only sent on by the read loop, which closes it on exit.
	writeQueue chan []byte

	log *zap.Logger
}

func NewTCPConn(
	parentCtx context.Context,
	conn net.Conn,
	store storage.Store,
	maxJobSize int,
	log *zap.Logger,
) *TCPConn {
	ctx, cancel := context.WithCancel(parentCtx)

	return &TCPConn{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		store:      store,
		maxJobSize: maxJobSize,
		writeQueue: make(chan []byte, writeQueueSize),
		log:        log.With(zap.String("remote", conn.RemoteAddr().String())),
	}
}

// Close cancels any blocked reserve and closes the socket, which stops both
// loops.
func (t *TCPConn) Close() (err error) {
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
	})

	return err
}

// Start runs the read and write loops and returns once both have exited.
func (t *TCPConn) Start() {
	t.sess = t.store.NewSession()

	t.loopWaiter.Add(2)

	go func() {
		defer t.loopWaiter.Done()
		t.ReadLoop()
	}()

	go func() {
		defer t.loopWaiter.Done()
		t.WriteLoop()
	}()

	t.loopWaiter.Wait()

	t.Close()
	t.store.CloseSession(t.sess)
}

func (t *TCPConn) ReadLoop() {
	log := t.log.Named("readLoop")
	r := bufio.NewReader(t.conn)

	defer func() {
		close(t.writeQueue)
		log.Debug("Read loop exited")
	}()

	for {
		req, err := protocol.ReadRequest(r, t.maxJobSize)

		if req != nil && err == nil {
			t.store.CountCommand(req.Command)
			err = t.dispatch(req)
		}

		switch {
		case err == nil:

		case errors.Is(err, errQuit):
			log.Debug("Client quit")
			return

		case errors.Is(err, protocol.ErrUnknownCommand):
			protocol.WriteStatus(t, protocol.StatusUnknown)

		case errors.Is(err, protocol.ErrBadFormat):
			protocol.WriteStatus(t, protocol.StatusBadFormat)

		case errors.Is(err, protocol.ErrExpectedCRLF):
			protocol.WriteStatus(t, protocol.StatusExpectedCRLF)

		case errors.Is(err, protocol.ErrJobTooBig):
			protocol.WriteStatus(t, protocol.StatusJobTooBig)

		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
			return

		default:
			log.Warn("Failed to read client request", zap.Error(err))
			return
		}
	}
}

// WriteLoop writes queued replies until the read loop closes the queue. After
// a failed write it keeps draining so the read loop never blocks.
func (t *TCPConn) WriteLoop() {
	log := t.log.Named("writeLoop")
	failed := false

	for data := range t.writeQueue {
		if failed {
			continue
		}

		if _, err := t.conn.Write(data); err != nil {
			log.Warn("Failed to write reply", zap.Error(err))
			failed = true
			t.Close()
		}
	}

	log.Debug("Write loop exited")
}

// Write queues data for the write loop. Only the read loop may call it.
func (t *TCPConn) Write(data []byte) (int, error) {
	t.writeQueue <- data
	return len(data), nil
}

func (t *TCPConn) dispatch(req *protocol.Request) error {
	switch req.Command {
	case protocol.CmdQuit:
		return errQuit

	case protocol.CmdPut:
		return t.put(req)

	case protocol.CmdUse:
		tube := req.Args[0]
		if err := protocol.ValidateTubeName(tube); err != nil {
			return protocol.ErrBadFormat
		}

		t.store.Use(t.sess, tube)
		return protocol.WriteStatus(t, protocol.StatusUsing, tube)

	case protocol.CmdReserve:
		return t.reserve(-1)

	case protocol.CmdReserveWithTimeout:
		seconds, err := req.Uint(0)
		if err != nil {
			return err
		}

		return t.reserve(durationOf(seconds))

	case protocol.CmdDelete:
		return t.withID(req, protocol.StatusDeleted, func(id uint64) error {
			return t.store.Delete(t.sess, id)
		})

	case protocol.CmdRelease:
		priority, err := priorityArg(req, 1)
		if err != nil {
			return err
		}

		delay, err := req.Uint(2)
		if err != nil {
			return err
		}

		return t.withID(req, protocol.StatusReleased, func(id uint64) error {
			return t.store.Release(t.sess, id, priority, durationOf(delay))
		})

	case protocol.CmdBury:
		priority, err := priorityArg(req, 1)
		if err != nil {
			return err
		}

		return t.withID(req, protocol.StatusBuried, func(id uint64) error {
			return t.store.Bury(t.sess, id, priority)
		})

	case protocol.CmdTouch:
		return t.withID(req, protocol.StatusTouched, func(id uint64) error {
			return t.store.Touch(t.sess, id)
		})

	case protocol.CmdWatch:
		tube := req.Args[0]
		if err := protocol.ValidateTubeName(tube); err != nil {
			return protocol.ErrBadFormat
		}

		n := t.store.Watch(t.sess, tube)
		return protocol.WriteStatus(t, protocol.StatusWatching, protocol.FormatUint(uint64(n)))

	case protocol.CmdIgnore:
		tube := req.Args[0]
		if err := protocol.ValidateTubeName(tube); err != nil {
			return protocol.ErrBadFormat
		}

		n, err := t.store.Ignore(t.sess, tube)
		if errors.Is(err, storage.ErrNotIgnored) {
			return protocol.WriteStatus(t, protocol.StatusNotIgnored)
		}

		return protocol.WriteStatus(t, protocol.StatusWatching, protocol.FormatUint(uint64(n)))

	case protocol.CmdPeek:
		id, err := req.Uint(0)
		if err != nil {
			return err
		}

		job, err := t.store.Peek(id)
		return t.found(job, err)

	case protocol.CmdPeekReady:
		return t.found(t.store.PeekState(t.sess.Used(), storage.StateReady))

	case protocol.CmdPeekDelayed:
		return t.found(t.store.PeekState(t.sess.Used(), storage.StateDelayed))

	case protocol.CmdPeekBuried:
		return t.found(t.store.PeekState(t.sess.Used(), storage.StateBuried))

	case protocol.CmdKick:
		bound, err := req.Uint(0)
		if err != nil {
			return err
		}

		if bound > math.MaxInt32 {
			bound = math.MaxInt32
		}

		n := t.store.Kick(t.sess.Used(), int(bound))
		return protocol.WriteStatus(t, protocol.StatusKicked, protocol.FormatUint(uint64(n)))

	case protocol.CmdKickJob:
		return t.withID(req, protocol.StatusKicked, func(id uint64) error {
			return t.store.KickJob(id)
		})

	case protocol.CmdStatsJob:
		id, err := req.Uint(0)
		if err != nil {
			return err
		}

		stats, err := t.store.JobStats(id)
		if err != nil {
			return t.notFound(err)
		}

		return t.yaml(stats)

	case protocol.CmdStatsTube:
		tube := req.Args[0]
		if err := protocol.ValidateTubeName(tube); err != nil {
			return protocol.ErrBadFormat
		}

		stats, err := t.store.TubeStats(tube)
		if err != nil {
			return t.notFound(err)
		}

		return t.yaml(stats)

	case protocol.CmdStats:
		return t.yaml(t.store.Stats())

	case protocol.CmdListTubes:
		return t.yaml(t.store.Tubes())

	case protocol.CmdListTubeUsed:
		return protocol.WriteStatus(t, protocol.StatusUsing, t.sess.Used())

	case protocol.CmdListTubesWatched:
		return t.yaml(t.sess.Watched())

	case protocol.CmdPauseTube:
		tube := req.Args[0]
		if err := protocol.ValidateTubeName(tube); err != nil {
			return protocol.ErrBadFormat
		}

		delay, err := req.Uint(1)
		if err != nil {
			return err
		}

		if err := t.store.PauseTube(tube, durationOf(delay)); err != nil {
			return t.notFound(err)
		}

		return protocol.WriteStatus(t, protocol.StatusPaused)
	}

	return protocol.ErrUnknownCommand
}

func (t *TCPConn) put(req *protocol.Request) error {
	priority, err := priorityArg(req, 0)
	if err != nil {
		return err
	}

	delay, err := req.Uint(1)
	if err != nil {
		return err
	}

	ttr, err := req.Uint(2)
	if err != nil {
		return err
	}

	id, err := t.store.Put(t.sess, priority, durationOf(delay), durationOf(ttr), req.Body)
	if err != nil {
		t.log.Error("Failed to put job", zap.Error(err))
		return protocol.WriteStatus(t, protocol.StatusInternalError)
	}

	return protocol.WriteStatus(t, protocol.StatusInserted, protocol.FormatUint(id))
}

func (t *TCPConn) reserve(timeout time.Duration) error {
	job, err := t.store.Reserve(t.ctx, t.sess, timeout)

	switch {
	case err == nil:
		return protocol.WriteStatusWithBody(t, protocol.StatusReserved, job.Body, protocol.FormatUint(job.ID))

	case errors.Is(err, storage.ErrTimedOut):
		return protocol.WriteStatus(t, protocol.StatusTimedOut)

	case errors.Is(err, storage.ErrDeadlineSoon):
		return protocol.WriteStatus(t, protocol.StatusDeadlineSoon)
	}

	return err
}

func (t *TCPConn) withID(req *protocol.Request, ok protocol.Status, fn func(id uint64) error) error {
	id, err := req.Uint(0)
	if err != nil {
		return err
	}

	if err := fn(id); err != nil {
		return t.notFound(err)
	}

	return protocol.WriteStatus(t, ok)
}

func (t *TCPConn) found(job *storage.Job, err error) error {
	if err != nil {
		return t.notFound(err)
	}

	return protocol.WriteStatusWithBody(t, protocol.StatusFound, job.Body, protocol.FormatUint(job.ID))
}

func (t *TCPConn) notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return protocol.WriteStatus(t, protocol.StatusNotFound)
	}

	t.log.Error("Store failed", zap.Error(err))
	return protocol.WriteStatus(t, protocol.StatusInternalError)
}

func (t *TCPConn) yaml(v interface{}) error {
	body, err := protocol.EncodeYAML(v)
	if err != nil {
		t.log.Error("Failed to encode reply", zap.Error(err))
		return protocol.WriteStatus(t, protocol.StatusInternalError)
	}

	return protocol.WriteStatusWithBody(t, protocol.StatusOk, body)
}

func priorityArg(req *protocol.Request, i int) (uint32, error) {
	n, err := req.Uint(i)
	if err != nil {
		return 0, err
	}

	if n > math.MaxUint32 {
		return 0, protocol.ErrBadFormat
	}

	return uint32(n), nil
}

func durationOf(seconds uint64) time.Duration {
	if seconds > uint64(math.MaxInt64/int64(time.Second)) {
		return math.MaxInt64
	}

	return time.Duration(seconds) * time.Second
}
