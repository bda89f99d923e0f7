package client

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luma/beanstalk/protocol"
)

const DefaultTTR = 60 * time.Second

// Job is a job id and its body.
type Job struct {
	ID   uint64
	Body []byte
}

// PutParams are the scheduling parameters of a new job. A zero TTR means
// DefaultTTR.
type PutParams struct {
	Priority uint32
	Delay    time.Duration
	TTR      time.Duration
}

// Client issues beanstalkd commands over a single Conn and turns the replies
// into values and errors. It is safe for concurrent use, concurrent commands
// are pipelined.
type Client struct {
	conn *Conn

	mu   sync.RWMutex
	tube string

	log *zap.Logger
}

// New parses uri, see ParseURI, and returns a Client for it. No connection is
// made until the first command.
func New(uri string, log *zap.Logger) (*Client, error) {
	options, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	options.Log = log

	return NewWithOptions(options), nil
}

func NewWithOptions(options Options) *Client {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}
	options.Log = log.Named("conn")

	tube := options.Tube
	if tube == "" {
		tube = protocol.DefaultTube
	}

	return &Client{
		conn: NewConn(options),
		tube: tube,
		log:  log,
	}
}

// Conn returns the underlying connection, e.g. to add observers.
func (c *Client) Conn() *Conn {
	return c.conn
}

// CurrentTube is the tube puts go to, as of the last USING the server sent
// back for a Use.
func (c *Client) CurrentTube() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.tube
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Quit sends quit and waits for the server to hang up.
func (c *Client) Quit(ctx context.Context) error {
	return c.conn.Quit(ctx)
}

func (c *Client) Put(ctx context.Context, body []byte, params PutParams) (uint64, error) {
	ttr := params.TTR
	if ttr <= 0 {
		ttr = DefaultTTR
	}

	var buf bytes.Buffer
	err := protocol.WriteCommandWithBody(&buf, protocol.CmdPut, body,
		protocol.FormatUint(uint64(params.Priority)),
		seconds(params.Delay),
		seconds(ttr))
	if err != nil {
		return 0, err
	}

	resp, err := c.roundTrip(ctx, protocol.CmdPut, buf.Bytes())
	if err != nil {
		return 0, err
	}

	switch resp.Status {
	case protocol.StatusInserted, protocol.StatusBuried:
		return c.id(protocol.CmdPut, resp)

	case protocol.StatusExpectedCRLF:
		return 0, ErrExpectedCRLF

	case protocol.StatusJobTooBig:
		return 0, ErrJobTooBig

	case protocol.StatusDraining:
		return 0, ErrDraining

	default:
		return 0, unexpected(protocol.CmdPut, resp)
	}
}

func (c *Client) Use(ctx context.Context, tube string) error {
	if err := protocol.ValidateTubeName(tube); err != nil {
		return err
	}

	// The tube is recorded as the response is read, so concurrent Uses
	// leave CurrentTube at whichever the server applied last.
	p, err := c.conn.send(ctx, protocol.CmdUse, protocol.AppendLine(nil, string(protocol.CmdUse), tube),
		func(resp *protocol.Response, err error) {
			if err != nil || resp.Status != protocol.StatusUsing {
				return
			}

			c.mu.Lock()
			c.tube = tube
			c.mu.Unlock()
		})
	if err != nil {
		return err
	}

	resp, err := p.Wait(ctx)
	if err != nil {
		return err
	}

	if resp.Status != protocol.StatusUsing {
		return unexpected(protocol.CmdUse, resp)
	}

	return nil
}

// Reserve blocks until a job is ready in one of the watched tubes.
//
// Cancelling ctx abandons the wait but not the command, the server will still
// reserve a job for this connection when one is ready.
func (c *Client) Reserve(ctx context.Context) (*Job, error) {
	return c.reserve(ctx, protocol.CmdReserve)
}

// ReserveWithTimeout is Reserve with a server side timeout, in whole seconds.
// ErrTimedOut is returned when no job became ready in time.
func (c *Client) ReserveWithTimeout(ctx context.Context, timeout time.Duration) (*Job, error) {
	return c.reserve(ctx, protocol.CmdReserveWithTimeout, seconds(timeout))
}

func (c *Client) reserve(ctx context.Context, cmd protocol.Command, args ...string) (*Job, error) {
	resp, err := c.do(ctx, cmd, args...)
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case protocol.StatusReserved:
		return c.job(cmd, resp)

	case protocol.StatusDeadlineSoon:
		return nil, ErrDeadlineSoon

	case protocol.StatusTimedOut:
		return nil, ErrTimedOut

	default:
		return nil, unexpected(cmd, resp)
	}
}

// Delete reports false when the job does not exist.
func (c *Client) Delete(ctx context.Context, id uint64) (bool, error) {
	return c.found(ctx, protocol.CmdDelete, protocol.StatusDeleted, protocol.FormatUint(id))
}

// Release puts a reserved job back in the ready queue and returns the
// server's status word: RELEASED, BURIED or NOT_FOUND.
func (c *Client) Release(ctx context.Context, id uint64, priority uint32, delay time.Duration) (protocol.Status, error) {
	resp, err := c.do(ctx, protocol.CmdRelease,
		protocol.FormatUint(id),
		protocol.FormatUint(uint64(priority)),
		seconds(delay))
	if err != nil {
		return "", err
	}

	switch resp.Status {
	case protocol.StatusReleased, protocol.StatusBuried, protocol.StatusNotFound:
		return resp.Status, nil

	default:
		return "", unexpected(protocol.CmdRelease, resp)
	}
}

func (c *Client) Bury(ctx context.Context, id uint64, priority uint32) (bool, error) {
	return c.found(ctx, protocol.CmdBury, protocol.StatusBuried,
		protocol.FormatUint(id),
		protocol.FormatUint(uint64(priority)))
}

func (c *Client) Touch(ctx context.Context, id uint64) (bool, error) {
	return c.found(ctx, protocol.CmdTouch, protocol.StatusTouched, protocol.FormatUint(id))
}

// KickJob kicks a single buried or delayed job.
func (c *Client) KickJob(ctx context.Context, id uint64) (bool, error) {
	return c.found(ctx, protocol.CmdKickJob, protocol.StatusKicked, protocol.FormatUint(id))
}

// Kick kicks up to bound jobs in the used tube and returns how many were kicked.
func (c *Client) Kick(ctx context.Context, bound uint64) (uint64, error) {
	resp, err := c.do(ctx, protocol.CmdKick, protocol.FormatUint(bound))
	if err != nil {
		return 0, err
	}

	if resp.Status != protocol.StatusKicked {
		return 0, unexpected(protocol.CmdKick, resp)
	}

	return c.count(protocol.CmdKick, resp)
}

// Watch adds tube to the watch list and returns how many tubes are watched.
func (c *Client) Watch(ctx context.Context, tube string) (uint64, error) {
	if err := protocol.ValidateTubeName(tube); err != nil {
		return 0, err
	}

	resp, err := c.do(ctx, protocol.CmdWatch, tube)
	if err != nil {
		return 0, err
	}

	if resp.Status != protocol.StatusWatching {
		return 0, unexpected(protocol.CmdWatch, resp)
	}

	return c.count(protocol.CmdWatch, resp)
}

// Ignore removes tube from the watch list and returns how many tubes are
// still watched.
func (c *Client) Ignore(ctx context.Context, tube string) (uint64, error) {
	if err := protocol.ValidateTubeName(tube); err != nil {
		return 0, err
	}

	resp, err := c.do(ctx, protocol.CmdIgnore, tube)
	if err != nil {
		return 0, err
	}

	switch resp.Status {
	case protocol.StatusWatching:
		return c.count(protocol.CmdIgnore, resp)

	case protocol.StatusNotIgnored:
		return 0, ErrNotIgnored

	default:
		return 0, unexpected(protocol.CmdIgnore, resp)
	}
}

func (c *Client) PauseTube(ctx context.Context, tube string, delay time.Duration) error {
	if err := protocol.ValidateTubeName(tube); err != nil {
		return err
	}

	resp, err := c.do(ctx, protocol.CmdPauseTube, tube, seconds(delay))
	if err != nil {
		return err
	}

	switch resp.Status {
	case protocol.StatusPaused:
		return nil

	case protocol.StatusNotFound:
		return fmt.Errorf("tube %s: %w", tube, ErrNotFound)

	default:
		return unexpected(protocol.CmdPauseTube, resp)
	}
}

func (c *Client) Peek(ctx context.Context, id uint64) (*Job, error) {
	return c.peek(ctx, fmt.Sprintf("job %d", id), protocol.CmdPeek, protocol.FormatUint(id))
}

// PeekReady returns the next ready job in the used tube.
func (c *Client) PeekReady(ctx context.Context) (*Job, error) {
	return c.peek(ctx, "ready job", protocol.CmdPeekReady)
}

// PeekDelayed returns the delayed job in the used tube that is ready soonest.
func (c *Client) PeekDelayed(ctx context.Context) (*Job, error) {
	return c.peek(ctx, "delayed job", protocol.CmdPeekDelayed)
}

// PeekBuried returns the next buried job in the used tube.
func (c *Client) PeekBuried(ctx context.Context) (*Job, error) {
	return c.peek(ctx, "buried job", protocol.CmdPeekBuried)
}

func (c *Client) peek(ctx context.Context, what string, cmd protocol.Command, args ...string) (*Job, error) {
	resp, err := c.do(ctx, cmd, args...)
	if err != nil {
		return nil, err
	}

	switch resp.Status {
	case protocol.StatusFound:
		return c.job(cmd, resp)

	case protocol.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)

	default:
		return nil, unexpected(cmd, resp)
	}
}

func (c *Client) JobStats(ctx context.Context, id uint64) (*protocol.JobStats, error) {
	stats := &protocol.JobStats{}
	if err := c.stats(ctx, fmt.Sprintf("job %d", id), stats, protocol.CmdStatsJob, protocol.FormatUint(id)); err != nil {
		return nil, err
	}

	return stats, nil
}

func (c *Client) TubeStats(ctx context.Context, tube string) (*protocol.TubeStats, error) {
	if err := protocol.ValidateTubeName(tube); err != nil {
		return nil, err
	}

	stats := &protocol.TubeStats{}
	if err := c.stats(ctx, "tube "+tube, stats, protocol.CmdStatsTube, tube); err != nil {
		return nil, err
	}

	return stats, nil
}

func (c *Client) SystemStats(ctx context.Context) (*protocol.SystemStats, error) {
	stats := &protocol.SystemStats{}
	if err := c.stats(ctx, "server", stats, protocol.CmdStats); err != nil {
		return nil, err
	}

	return stats, nil
}

func (c *Client) stats(ctx context.Context, what string, out interface{}, cmd protocol.Command, args ...string) error {
	resp, err := c.do(ctx, cmd, args...)
	if err != nil {
		return err
	}

	switch resp.Status {
	case protocol.StatusOk:
		return protocol.DecodeStats(resp.Payload, out)

	case protocol.StatusNotFound:
		if cmd == protocol.CmdStats {
			return unexpected(cmd, resp)
		}

		return fmt.Errorf("%s: %w", what, ErrNotFound)

	default:
		return unexpected(cmd, resp)
	}
}

func (c *Client) ListTubes(ctx context.Context) ([]string, error) {
	return c.list(ctx, protocol.CmdListTubes)
}

func (c *Client) ListWatchedTubes(ctx context.Context) ([]string, error) {
	return c.list(ctx, protocol.CmdListTubesWatched)
}

func (c *Client) list(ctx context.Context, cmd protocol.Command) ([]string, error) {
	resp, err := c.do(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if resp.Status != protocol.StatusOk {
		return nil, unexpected(cmd, resp)
	}

	return protocol.DecodeList(resp.Payload)
}

// UsedTube asks the server which tube this connection is using.
func (c *Client) UsedTube(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, protocol.CmdListTubeUsed)
	if err != nil {
		return "", err
	}

	if resp.Status != protocol.StatusUsing || len(resp.Fields) != 1 {
		return "", unexpected(protocol.CmdListTubeUsed, resp)
	}

	return resp.Fields[0], nil
}

// found handles the commands that answer with one success word or NOT_FOUND.
func (c *Client) found(ctx context.Context, cmd protocol.Command, success protocol.Status, args ...string) (bool, error) {
	resp, err := c.do(ctx, cmd, args...)
	if err != nil {
		return false, err
	}

	switch resp.Status {
	case success:
		return true, nil

	case protocol.StatusNotFound:
		return false, nil

	default:
		return false, unexpected(cmd, resp)
	}
}

func (c *Client) do(ctx context.Context, cmd protocol.Command, args ...string) (*protocol.Response, error) {
	return c.roundTrip(ctx, cmd, protocol.AppendLine(nil, string(cmd), args...))
}

func (c *Client) roundTrip(ctx context.Context, cmd protocol.Command, data []byte) (*protocol.Response, error) {
	p, err := c.conn.Send(ctx, cmd, data)
	if err != nil {
		return nil, err
	}

	return p.Wait(ctx)
}

func (c *Client) id(cmd protocol.Command, resp *protocol.Response) (uint64, error) {
	id, err := resp.Uint(0)
	if err != nil {
		c.log.Warn("Malformed id in response", zap.Stringer("response", resp), zap.Error(err))
		return 0, unexpected(cmd, resp)
	}

	return id, nil
}

func (c *Client) count(cmd protocol.Command, resp *protocol.Response) (uint64, error) {
	return c.id(cmd, resp)
}

func (c *Client) job(cmd protocol.Command, resp *protocol.Response) (*Job, error) {
	id, err := c.id(cmd, resp)
	if err != nil {
		return nil, err
	}

	return &Job{ID: id, Body: resp.Payload}, nil
}

func unexpected(cmd protocol.Command, resp *protocol.Response) error {
	return &ProtocolViolationError{Command: cmd, Response: resp}
}

// seconds formats d as whole seconds, the unit the protocol uses for time.
func seconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	return protocol.FormatUint(uint64(d / time.Second))
}
