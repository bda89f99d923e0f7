package client

import (
	"github.com/luma/beanstalk/protocol"
)

// Observer is notified of connection events. Callbacks run on the
// connection's goroutines and must not block.
type Observer interface {
	OnConnect(addr string)
	OnResponse(resp *protocol.Response)
	OnError(err error)
	OnClose(err error)
}

// ObserverFuncs adapts a set of optional functions to Observer.
type ObserverFuncs struct {
	Connect  func(addr string)
	Response func(resp *protocol.Response)
	Error    func(err error)
	Close    func(err error)
}

func (o ObserverFuncs) OnConnect(addr string) {
	if o.Connect != nil {
		o.Connect(addr)
	}
}

func (o ObserverFuncs) OnResponse(resp *protocol.Response) {
	if o.Response != nil {
		o.Response(resp)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o ObserverFuncs) OnClose(err error) {
	if o.Close != nil {
		o.Close(err)
	}
}

var _ Observer = ObserverFuncs{}

type observerEntry struct {
	Observer
}

// AddObserver registers o and returns a function that unregisters it.
// Registration never affects a dispatch already in progress.
func (c *Conn) AddObserver(o Observer) (remove func()) {
	entry := &observerEntry{Observer: o}

	c.obsMu.Lock()
	next := make([]*observerEntry, 0, len(c.observers)+1)
	next = append(next, c.observers...)
	c.observers = append(next, entry)
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()

		next := make([]*observerEntry, 0, len(c.observers))
		for _, e := range c.observers {
			if e != entry {
				next = append(next, e)
			}
		}
		c.observers = next
	}
}

// snapshot returns the current observer list. The slice is never mutated
// after it is published.
func (c *Conn) snapshot() []*observerEntry {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	return c.observers
}

func (c *Conn) notifyConnect() {
	for _, o := range c.snapshot() {
		o.OnConnect(c.addr)
	}
}

func (c *Conn) notifyResponse(resp *protocol.Response) {
	for _, o := range c.snapshot() {
		o.OnResponse(resp)
	}
}

func (c *Conn) notifyError(err error) {
	for _, o := range c.snapshot() {
		o.OnError(err)
	}
}

func (c *Conn) notifyClose(err error) {
	for _, o := range c.snapshot() {
		o.OnClose(err)
	}
}
