package client

import (
	"context"

	"github.com/luma/beanstalk/protocol"
)

// Pending is the completion handle for one command sent on a Conn. It is
// completed exactly once, by the command's response or by the connection
// failing.
type Pending struct {
	cmd  protocol.Command
	done chan struct{}

	resp *protocol.Response
	err  error

	// hook runs as the command completes, before Wait returns.
	hook func(resp *protocol.Response, err error)
}

func newPending(cmd protocol.Command) *Pending {
	return &Pending{
		cmd:  cmd,
		done: make(chan struct{}),
	}
}

func (p *Pending) Command() protocol.Command {
	return p.cmd
}

// Done is closed once the response or a connection error is available.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the command completes or ctx is done. Giving up on the
// wait does not withdraw the command, it was already sent and keeps its
// place in the queue.
func (p *Pending) Wait(ctx context.Context) (*protocol.Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) complete(resp *protocol.Response, err error) {
	p.resp = resp
	p.err = err

	if p.hook != nil {
		p.hook(resp, err)
	}

	close(p.done)
}
