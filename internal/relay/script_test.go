package relay

import (
	"context"
	"errors"
	"sync"
)

// scriptConn is an in-memory upstream channel driven by the test: Send
// records, push delivers upstream messages, fail delivers a terminal error.
type scriptConn struct {
	mu     sync.Mutex
	sent   []any
	closed bool
	events chan Event
}

func newScriptConn() *scriptConn {
	return &scriptConn{events: make(chan Event)}
}

func (c *scriptConn) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *scriptConn) Events() <-chan Event { return c.events }

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptConn) push(msg any) {
	c.events <- Event{Msg: msg}
}

func (c *scriptConn) fail(closeCode int) {
	c.events <- Event{Err: errors.New("upstream gone"), CloseCode: closeCode}
	close(c.events)
}

func (c *scriptConn) sentMessages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.sent))
	copy(out, c.sent)
	return out
}

// scriptDialer hands out pre-built connections in order. Negative slots
// (nil conns) simulate dial failures.
type scriptDialer struct {
	mu    sync.Mutex
	conns []*scriptConn
	dials int
	err   error
}

func (d *scriptDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("no scripted connections left")
	}
	next := d.conns[0]
	d.conns = d.conns[1:]
	if next == nil {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("scripted dial failure")
	}
	return next, nil
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
