package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// QMPMonitor speaks the structured protocol variant: newline-delimited JSON
// documents, requests tagged with a correlation id, asynchronous events
// interleaved on the same stream.
type QMPMonitor struct {
	connection

	nextID atomic.Uint64
	// greeting is the banner the hypervisor sent on connect, kept for
	// diagnostics.
	greeting json.RawMessage
}

var _ Monitor = (*QMPMonitor)(nil)

// ConnectQMP dials the endpoint and completes the greeting handshake. On any
// handshake failure the socket is closed and no connection is returned: a
// monitor is either fully usable or it does not exist.
func ConnectQMP(ctx context.Context, name string, ep Endpoint, cfg Config) (*QMPMonitor, error) {
	cfg = cfg.withDefaults()
	sock, err := dial(ep, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	return NewQMPMonitor(name, ep, sock, cfg)
}

// NewQMPMonitor performs the greeting handshake over an already-open socket.
// Mostly useful to tests, which speak the server side over a pipe.
func NewQMPMonitor(name string, ep Endpoint, sock net.Conn, cfg Config) (*QMPMonitor, error) {
	cfg = cfg.withDefaults()
	m := &QMPMonitor{
		connection: newConnection(name, ep, sock, cfg),
		nextID:     atomic.Uint64{},
		greeting:   nil,
	}

	deadline := time.Now().Add(cfg.DialTimeout)
	if err := m.handshake(deadline); err != nil {
		_ = m.Close()
		return nil, err
	}
	m.logger.Info("qmp monitor connected", zap.String("addr", ep.Addr))
	return m, nil
}

// handshake reads the greeting banner and negotiates command mode. Runs
// before the connection is shared, so no locking.
func (m *QMPMonitor) handshake(deadline time.Time) error {
	line, timedOut, err := m.readLine(deadline)
	if err != nil {
		return err
	}
	if timedOut {
		return &ConnectError{Addr: m.ep.Addr, Err: fmt.Errorf("no greeting within %s", m.cfg.DialTimeout)}
	}
	var greeting struct {
		QMP json.RawMessage `json:"QMP"`
	}
	if err := json.Unmarshal(line, &greeting); err != nil || greeting.QMP == nil {
		return &ProtocolError{Cmd: "", Reason: fmt.Sprintf("malformed greeting %q", strings.TrimSpace(string(line)))}
	}
	m.greeting = greeting.QMP

	// Until qmp_capabilities is accepted the hypervisor rejects everything
	// else, so this completes the handshake.
	if _, err := m.exec("qmp_capabilities", nil, deadline); err != nil {
		return err
	}
	return nil
}

func (m *QMPMonitor) Variant() Variant { return VariantQMP }

// Run implements Monitor.
func (m *QMPMonitor) Run(ctx context.Context, cmd string, args map[string]any, timeout time.Duration) ([]byte, error) {
	deadline := m.deadlineFor(ctx, timeout)
	start := time.Now()
	if err := m.acquire(); err != nil {
		m.cfg.Metrics.observe(VariantQMP, cmd, start, err)
		return nil, err
	}
	defer m.release()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ret, err := m.exec(cmd, args, deadline)
	m.cfg.Metrics.observe(VariantQMP, cmd, start, err)
	return ret, err
}

// exec sends one request and reads until its correlated response arrives or
// the deadline expires. Must be called with the command lock held (or before
// the connection is shared).
func (m *QMPMonitor) exec(cmd string, args map[string]any, deadline time.Time) ([]byte, error) {
	id := fmt.Sprintf("%s:%d", m.name, m.nextID.Add(1))
	req := map[string]any{"execute": cmd, "id": id}
	if len(args) > 0 {
		req["arguments"] = args
	}
	buf, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %q request: %w", cmd, err)
	}
	buf = append(buf, '\n')
	if err := m.write(buf, deadline); err != nil {
		return nil, err
	}

	for {
		line, timedOut, err := m.readLine(deadline)
		if err != nil {
			return nil, err
		}
		if timedOut {
			return nil, &ProtocolError{Cmd: cmd, Reason: fmt.Sprintf("no response with id %q before deadline", id)}
		}
		ret, done := m.dispatch(line, id, cmd, args, &err)
		if done {
			return ret, err
		}
	}
}

// dispatch routes one received document: the correlated response is returned
// to the caller, everything else (events, stray responses) is appended to the
// event buffer, and documents without any recognizable shape are skipped.
func (m *QMPMonitor) dispatch(line []byte, wantID, cmd string, args map[string]any, errOut *error) (ret []byte, done bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		m.logger.Warn("skipping undecodable monitor message", zap.ByteString("message", line))
		return nil, false
	}

	if rawEvent, ok := fields["event"]; ok {
		m.appendEvent(decodeEvent(rawEvent, fields, line))
		return nil, false
	}

	var id string
	if rawID, ok := fields["id"]; ok {
		// A non-string id cannot be ours; treat the document as out of band.
		_ = json.Unmarshal(rawID, &id)
	}
	if id != wantID {
		m.appendEvent(Event{
			Name:      "",
			Data:      nil,
			Timestamp: time.Now(),
			Raw:       json.RawMessage(append([]byte(nil), line...)),
		})
		return nil, false
	}

	if rawErr, ok := fields["error"]; ok {
		var remote struct {
			Class string `json:"class"`
			Desc  string `json:"desc"`
		}
		_ = json.Unmarshal(rawErr, &remote)
		*errOut = &CommandError{
			Cmd:    cmd,
			Args:   args,
			Class:  remote.Class,
			Desc:   remote.Desc,
			Remote: json.RawMessage(append([]byte(nil), rawErr...)),
		}
		return nil, true
	}
	if rawRet, ok := fields["return"]; ok {
		return json.RawMessage(append([]byte(nil), rawRet...)), true
	}

	// Matching id but neither return nor error: not a shape we know.
	m.logger.Warn("skipping response without return or error", zap.ByteString("message", line))
	return nil, false
}

func decodeEvent(rawEvent json.RawMessage, fields map[string]json.RawMessage, line []byte) Event {
	var name string
	_ = json.Unmarshal(rawEvent, &name)

	var data map[string]any
	if rawData, ok := fields["data"]; ok {
		_ = json.Unmarshal(rawData, &data)
	}

	ts := time.Now()
	if rawTS, ok := fields["timestamp"]; ok {
		var stamp struct {
			Seconds      int64 `json:"seconds"`
			Microseconds int64 `json:"microseconds"`
		}
		if err := json.Unmarshal(rawTS, &stamp); err == nil && stamp.Seconds != 0 {
			ts = time.Unix(stamp.Seconds, stamp.Microseconds*int64(time.Microsecond))
		}
	}

	return Event{
		Name:      name,
		Data:      data,
		Timestamp: ts,
		Raw:       json.RawMessage(append([]byte(nil), line...)),
	}
}

// WaitEvent implements Monitor. It drains the socket while holding the
// command lock in short slices, so it cannot race an Execute on another
// goroutine for the response stream.
func (m *QMPMonitor) WaitEvent(ctx context.Context, name string, timeout time.Duration) (*Event, error) {
	deadline := m.deadlineFor(ctx, timeout)
	const pollSlice = 100 * time.Millisecond

	for {
		if ev := m.takeEventNamed(name); ev != nil {
			return ev, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !time.Now().Before(deadline) {
			return nil, &ProtocolError{Cmd: "", Reason: fmt.Sprintf("event %q not received before deadline", name)}
		}

		if err := m.acquire(); err != nil {
			return nil, err
		}
		slice := time.Now().Add(pollSlice)
		if slice.After(deadline) {
			slice = deadline
		}
		line, timedOut, err := m.readLine(slice)
		if err != nil {
			m.release()
			return nil, err
		}
		if !timedOut {
			// Anything read here is out of band: no command is in flight.
			m.dispatch(line, "", "", nil, &err)
		}
		m.release()
	}
}

// HumanCommand runs one human-variant command line through the structured
// connection's passthrough and returns its text output.
func (m *QMPMonitor) HumanCommand(ctx context.Context, cmdline string, timeout time.Duration) (string, error) {
	raw, err := m.Run(ctx, "human-monitor-command", map[string]any{"command-line": cmdline}, timeout)
	if err != nil {
		return "", err
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &ProtocolError{Cmd: "human-monitor-command", Reason: fmt.Sprintf("non-string result: %v", err)}
	}
	return out, nil
}

// supportedCommands lazily fetches and memoizes the command set via
// query-commands.
func (m *QMPMonitor) supportedCommands(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	cached := m.commands
	m.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	raw, err := m.Run(ctx, "query-commands", nil, 0)
	if err != nil {
		return nil, err
	}
	var list []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, &ProtocolError{Cmd: "query-commands", Reason: fmt.Sprintf("unmarshaling result: %v", err)}
	}
	set := make(map[string]struct{}, len(list))
	for _, entry := range list {
		set[entry.Name] = struct{}{}
	}

	m.mu.Lock()
	m.commands = set
	m.mu.Unlock()
	return set, nil
}

// HasCommand implements Monitor.
func (m *QMPMonitor) HasCommand(ctx context.Context, name string) (bool, error) {
	set, err := m.supportedCommands(ctx)
	if err != nil {
		return false, err
	}
	_, ok := set[name]
	return ok, nil
}

// ResolveCommand implements Monitor.
func (m *QMPMonitor) ResolveCommand(ctx context.Context, name string) (string, error) {
	set, err := m.supportedCommands(ctx)
	if err != nil {
		return "", err
	}
	return resolveCommand(name, set)
}

// resolveCommand tries, in order: exact membership, a separator-insensitive
// match, and the experimental-prefix toggle.
func resolveCommand(name string, supported map[string]struct{}) (string, error) {
	if _, ok := supported[name]; ok {
		return name, nil
	}
	norm := normalizeCommand(name)
	for have := range supported {
		if normalizeCommand(have) == norm {
			return have, nil
		}
	}
	other := ToggleExperimental(name)
	if _, ok := supported[other]; ok {
		return other, nil
	}
	return "", &NotSupportedCommandError{Cmd: name}
}

func normalizeCommand(name string) string {
	return strings.ReplaceAll(name, "_", "-")
}

// MigrationCapabilityNames returns the memoized set of migration capability
// names this hypervisor knows about.
func (m *QMPMonitor) MigrationCapabilityNames(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	cached := m.migCaps
	m.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	states, err := QueryMigrationCapabilities(ctx, m)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(states))
	for name := range states {
		set[name] = struct{}{}
	}
	m.mu.Lock()
	m.migCaps = set
	m.mu.Unlock()
	return set, nil
}

// MigrationParameterNames returns the memoized set of tunable migration
// parameter names.
func (m *QMPMonitor) MigrationParameterNames(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	cached := m.migParams
	m.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	values, err := QueryMigrationParameters(ctx, m)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(values))
	for name := range values {
		set[name] = struct{}{}
	}
	m.mu.Lock()
	m.migParams = set
	m.mu.Unlock()
	return set, nil
}
