package monitor

// Package monitor implements the client side of a running instance's
// hypervisor control channel. Two protocol variants share the same base
// contract: a human-readable line/prompt protocol and a structured
// newline-delimited JSON protocol with correlation ids.
//
// A connection is either fully usable (socket open, handshake completed) or
// dead; there is no partial state. Within one connection, commands are
// strictly serialized by the command lock. Reconnection after failure is the
// caller's responsibility.

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stackvirt/vmshift/pkg/util"
)

// Variant selects the wire protocol of a connection; fixed at construction.
type Variant string

const (
	// VariantHuman is the synchronous line-based protocol terminated by a
	// prompt sentinel.
	VariantHuman Variant = "human"
	// VariantQMP is the asynchronous JSON protocol with correlation ids and
	// out-of-band events.
	VariantQMP Variant = "qmp"
)

// Endpoint describes where a control channel listens.
type Endpoint struct {
	// Network is "unix" or "tcp".
	Network string `json:"network" yaml:"network"`
	Addr    string `json:"addr" yaml:"addr"`
}

// Config carries the per-connection tunables. The zero value is usable.
type Config struct {
	Logger *zap.Logger
	// DialTimeout bounds the initial connect plus handshake. Default 2s.
	DialTimeout time.Duration
	// LockTimeout bounds waiting for the command lock. Default 20s.
	LockTimeout time.Duration
	// DefaultTimeout is used by Run when the caller passes zero. Default 30s.
	DefaultTimeout time.Duration
	// Metrics, if set, records per-command outcomes.
	Metrics *Metrics
}

const (
	defaultDialTimeout    = 2 * time.Second
	defaultLockTimeout    = 20 * time.Second
	defaultCommandTimeout = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = defaultLockTimeout
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = defaultCommandTimeout
	}
	return c
}

// Event is one asynchronous notification received out of band on a structured
// connection. Events are retained until explicitly cleared or drained.
type Event struct {
	Name      string
	Data      map[string]any
	Timestamp time.Time
	// Raw is the message as received, for diagnostics and for messages that
	// did not have the standard event shape.
	Raw json.RawMessage
}

// Monitor is the contract shared by both protocol variants.
type Monitor interface {
	// Name identifies the connection in logs and errors, conventionally
	// "<instance-id>/<channel>".
	Name() string
	Variant() Variant

	// Run executes one command and returns its raw result payload: the
	// "return" document for the structured variant, the prompt-delimited
	// output text (echo stripped) for the human variant.
	//
	// Run acquires the connection's command lock for its whole duration; at
	// most one command is in flight per connection. A zero timeout selects
	// the connection's default.
	Run(ctx context.Context, cmd string, args map[string]any, timeout time.Duration) ([]byte, error)

	// HasCommand consults the lazily-introspected supported-command set.
	HasCommand(ctx context.Context, name string) (bool, error)
	// ResolveCommand maps name onto a supported spelling, trying a
	// separator-normalized match and the experimental-prefix fallback before
	// failing with *NotSupportedCommandError.
	ResolveCommand(ctx context.Context, name string) (string, error)

	// MigrationCapabilityNames and MigrationParameterNames return the sets of
	// names the hypervisor knows about, lazily populated on first use and
	// memoized for the connection's lifetime.
	MigrationCapabilityNames(ctx context.Context) (map[string]struct{}, error)
	MigrationParameterNames(ctx context.Context) (map[string]struct{}, error)

	// Events returns the buffered out-of-band notifications, optionally
	// clearing the buffer. Always empty for the human variant.
	Events(clear bool) []Event
	ClearEvents()
	ClearEventsNamed(name string)
	// WaitEvent blocks until an event with the given name is available (in
	// the buffer or arriving on the wire), consuming and returning it.
	WaitEvent(ctx context.Context, name string, timeout time.Duration) (*Event, error)

	// Close releases the socket. Idempotent.
	Close() error
}

// connection holds the state shared by both variants.
type connection struct {
	name   string
	ep     Endpoint
	cfg    Config
	logger *zap.Logger

	sock net.Conn
	rd   *bufio.Reader

	cmdLock util.ChanMutex
	dead    atomic.Bool

	closeOnce sync.Once
	closeErr  error

	// mu guards the fields below. It is independent of cmdLock: event
	// inspection must not block behind an in-flight command.
	mu        sync.Mutex
	events    []Event
	commands  map[string]struct{} // nil until first introspection
	migCaps   map[string]struct{} // nil until first migration-capability query
	migParams map[string]struct{}
}

func newConnection(name string, ep Endpoint, sock net.Conn, cfg Config) connection {
	return connection{
		name:      name,
		ep:        ep,
		cfg:       cfg,
		logger:    cfg.Logger.Named("monitor").With(zap.String("monitor", name)),
		sock:      sock,
		rd:        bufio.NewReader(sock),
		cmdLock:   util.NewChanMutex(),
		dead:      atomic.Bool{},
		closeOnce: sync.Once{},
		closeErr:  nil,
		mu:        sync.Mutex{},
		events:    nil,
		commands:  nil,
		migCaps:   nil,
		migParams: nil,
	}
}

// dial opens the monitor socket with a bounded timeout.
func dial(ep Endpoint, timeout time.Duration) (net.Conn, error) {
	sock, err := net.DialTimeout(ep.Network, ep.Addr, timeout)
	if err != nil {
		return nil, &ConnectError{Addr: ep.Addr, Err: err}
	}
	return sock, nil
}

func (c *connection) Name() string { return c.name }

// acquire takes the command lock with a bounded wait, failing fast if the
// connection is already dead.
func (c *connection) acquire() error {
	if c.dead.Load() {
		return &ConnectError{Addr: c.ep.Addr, Err: errDead}
	}
	if !c.cmdLock.TryLockTimeout(c.cfg.LockTimeout) {
		return &LockError{Monitor: c.name, Timeout: c.cfg.LockTimeout}
	}
	if c.dead.Load() {
		c.cmdLock.Unlock()
		return &ConnectError{Addr: c.ep.Addr, Err: errDead}
	}
	return nil
}

func (c *connection) release() {
	c.cmdLock.Unlock()
}

var errDead = errors.New("connection is dead")

// markDead latches the connection into the dead state. Subsequent commands
// fail immediately rather than attempting silent reconnection.
func (c *connection) markDead(cause error) {
	if c.dead.CompareAndSwap(false, true) {
		c.logger.Warn("marking monitor connection dead", zap.Error(cause))
	}
}

// Close releases the socket exactly once; later calls return the first result.
func (c *connection) Close() error {
	c.closeOnce.Do(func() {
		c.dead.Store(true)
		c.closeErr = c.sock.Close()
	})
	return c.closeErr
}

func (c *connection) Events(clear bool) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	if clear {
		c.events = nil
	}
	return out
}

func (c *connection) ClearEvents() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func (c *connection) ClearEventsNamed(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.events[:0]
	for _, ev := range c.events {
		if ev.Name != name {
			kept = append(kept, ev)
		}
	}
	c.events = kept
}

func (c *connection) appendEvent(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// takeEventNamed removes and returns the oldest buffered event with the given
// name, or nil.
func (c *connection) takeEventNamed(name string) *Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ev := range c.events {
		if ev.Name == name {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return &ev
		}
	}
	return nil
}

// deadlineFor computes the absolute command deadline from the explicit
// timeout and the context.
func (c *connection) deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	if timeout == 0 {
		timeout = c.cfg.DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}

// readLine reads one newline-terminated message with the given absolute
// deadline. A deadline expiry is reported as timedOut; any other failure
// marks the connection dead.
func (c *connection) readLine(deadline time.Time) (line []byte, timedOut bool, err error) {
	if err := c.sock.SetReadDeadline(deadline); err != nil {
		c.markDead(err)
		return nil, false, &SocketError{Op: "set deadline", Err: err}
	}
	line, err = c.rd.ReadBytes('\n')
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, true, nil
		}
		c.markDead(err)
		return nil, false, &SocketError{Op: "read", Err: err}
	}
	return line, false, nil
}

// write sends buf before the given absolute deadline.
func (c *connection) write(buf []byte, deadline time.Time) error {
	if err := c.sock.SetWriteDeadline(deadline); err != nil {
		c.markDead(err)
		return &SocketError{Op: "set deadline", Err: err}
	}
	if _, err := c.sock.Write(buf); err != nil {
		c.markDead(err)
		return &SocketError{Op: "write", Err: err}
	}
	return nil
}
