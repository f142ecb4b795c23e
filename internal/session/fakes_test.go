package session

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/transport"
)

// fakeConn is an in-memory transport.Conn. The test plays the server by
// pushing envelopes and inspecting what the manager wrote.
type fakeConn struct {
	token string
	in    chan transport.Envelope

	mu      sync.Mutex
	written []transport.Envelope
	closes  int
	closed  chan struct{}

	failOnce sync.Once
	failed   chan struct{}
}

func newFakeConn(token string) *fakeConn {
	return &fakeConn{
		token:  token,
		in:     make(chan transport.Envelope, 64),
		closed: make(chan struct{}),
		failed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (transport.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return transport.Envelope{}, domain.NewTransportError("read", io.EOF)
	case <-c.failed:
		return transport.Envelope{}, domain.NewTransportError("read", io.ErrUnexpectedEOF)
	case <-ctx.Done():
		return transport.Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, env transport.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return domain.NewTransportError("write", errors.New("closed"))
	}
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.closes == 1 {
		close(c.closed)
	}
	return nil
}

// push delivers a server event to the manager.
func (c *fakeConn) push(event string, data any) {
	env, err := transport.NewEnvelope(event, data)
	if err != nil {
		panic(err)
	}
	c.in <- env
}

// fail simulates the server dropping the connection.
func (c *fakeConn) fail() {
	c.failOnce.Do(func() { close(c.failed) })
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// frames returns the written envelopes for event.
func (c *fakeConn) frames(event string) []transport.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []transport.Envelope
	for _, env := range c.written {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// fakeDialer hands out fakeConns. By default every connection is acknowledged
// with a connect event right away.
type fakeDialer struct {
	mu     sync.Mutex
	tokens []string
	conns  []*fakeConn
	errs   []error

	// gate, when set, holds Dial until it is closed. The dial context is
	// ignored so a late completion can race a teardown.
	gate chan struct{}
	// onDial replaces the default connect acknowledgement.
	onDial func(c *fakeConn)
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (transport.Conn, error) {
	d.mu.Lock()
	d.tokens = append(d.tokens, token)
	gate := d.gate
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	onDial := d.onDial
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	c := newFakeConn(token)
	if onDial != nil {
		onDial(c)
	} else {
		c.push(transport.EventConnect, transport.ConnectPayload{SID: "sid-" + token})
	}

	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) dialedTokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.conns) + i
	}
	if i < 0 || i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) openConns() int {
	d.mu.Lock()
	conns := append([]*fakeConn(nil), d.conns...)
	d.mu.Unlock()
	open := 0
	for _, c := range conns {
		if c.closeCount() == 0 {
			open++
		}
	}
	return open
}

// openTokens returns the tokens of the connections that are still open.
func (d *fakeDialer) openTokens() []string {
	d.mu.Lock()
	conns := append([]*fakeConn(nil), d.conns...)
	d.mu.Unlock()
	var tokens []string
	for _, c := range conns {
		if c.closeCount() == 0 {
			tokens = append(tokens, c.token)
		}
	}
	return tokens
}

// statusRecorder captures session status changes.
type statusRecorder struct {
	mu      sync.Mutex
	changes []pubsub.StatusChanged
}

func (r *statusRecorder) Publish(ctx context.Context, msg pubsub.Message) error {
	change, err := pubsub.Decode(pubsub.TopicSessionStatus, msg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
	return nil
}

func (r *statusRecorder) Close() error { return nil }

func (r *statusRecorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.State
	}
	return out
}

func (r *statusRecorder) seqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Seq
	}
	return out
}
