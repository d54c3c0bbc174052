package monitor

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// humanPrompt is the sentinel the hypervisor prints once a command's output
// is complete.
const humanPrompt = "(qemu) "

// HumanMonitor speaks the synchronous line-based protocol variant: one text
// command per line, output accumulated until the prompt sentinel reappears.
//
// The human variant has no event stream; Events always returns nothing and
// WaitEvent fails.
type HumanMonitor struct {
	connection
}

var _ Monitor = (*HumanMonitor)(nil)

// ConnectHuman dials the endpoint and consumes the banner up to the first
// prompt. On failure the socket is closed and no connection is returned.
func ConnectHuman(ctx context.Context, name string, ep Endpoint, cfg Config) (*HumanMonitor, error) {
	cfg = cfg.withDefaults()
	sock, err := dial(ep, cfg.DialTimeout)
	if err != nil {
		return nil, err
	}
	return NewHumanMonitor(name, ep, sock, cfg)
}

// NewHumanMonitor completes the banner handshake over an already-open socket.
func NewHumanMonitor(name string, ep Endpoint, sock net.Conn, cfg Config) (*HumanMonitor, error) {
	cfg = cfg.withDefaults()
	m := &HumanMonitor{connection: newConnection(name, ep, sock, cfg)}

	deadline := time.Now().Add(cfg.DialTimeout)
	if _, timedOut, err := m.readUntilPrompt(deadline); err != nil {
		_ = m.Close()
		return nil, err
	} else if timedOut {
		_ = m.Close()
		return nil, &ConnectError{Addr: ep.Addr, Err: fmt.Errorf("no prompt within %s", cfg.DialTimeout)}
	}
	m.logger.Info("human monitor connected", zap.String("addr", ep.Addr))
	return m, nil
}

func (m *HumanMonitor) Variant() Variant { return VariantHuman }

// readUntilPrompt accumulates output until the prompt sentinel is observed or
// the deadline expires. The sentinel itself is not included in the output.
func (m *HumanMonitor) readUntilPrompt(deadline time.Time) (out []byte, timedOut bool, err error) {
	for {
		if err := m.sock.SetReadDeadline(deadline); err != nil {
			m.markDead(err)
			return nil, false, &SocketError{Op: "set deadline", Err: err}
		}
		b, err := m.rd.ReadByte()
		if err != nil {
			var netErr net.Error
			if isNetTimeout(err, &netErr) {
				return out, true, nil
			}
			m.markDead(err)
			return nil, false, &SocketError{Op: "read", Err: err}
		}
		out = append(out, b)
		if strings.HasSuffix(string(out), humanPrompt) {
			return out[:len(out)-len(humanPrompt)], false, nil
		}
	}
}

func isNetTimeout(err error, netErr *net.Error) bool {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		*netErr = ne
		return true
	}
	return false
}

// Run implements Monitor. Arguments are rendered onto the command line in
// sorted-key order: a key beginning with "-" and a true value becomes a bare
// flag, anything else contributes its formatted value. Callers wanting full
// control should preformat the command and pass nil args.
func (m *HumanMonitor) Run(ctx context.Context, cmd string, args map[string]any, timeout time.Duration) ([]byte, error) {
	deadline := m.deadlineFor(ctx, timeout)
	start := time.Now()
	if err := m.acquire(); err != nil {
		m.cfg.Metrics.observe(VariantHuman, cmd, start, err)
		return nil, err
	}
	defer m.release()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := m.exec(cmd, args, deadline)
	m.cfg.Metrics.observe(VariantHuman, cmd, start, err)
	return out, err
}

func (m *HumanMonitor) exec(cmd string, args map[string]any, deadline time.Time) ([]byte, error) {
	line := renderHumanCommand(cmd, args)
	if err := m.write([]byte(line+"\n"), deadline); err != nil {
		return nil, err
	}

	out, timedOut, err := m.readUntilPrompt(deadline)
	if err != nil {
		return nil, err
	}
	if timedOut {
		return nil, &ProtocolError{Cmd: cmd, Reason: "prompt not reached before deadline"}
	}
	return stripEcho(out, line), nil
}

// renderHumanCommand builds the wire line for a command and its arguments.
func renderHumanCommand(cmd string, args map[string]any) string {
	if len(args) == 0 {
		return cmd
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := []string{cmd}
	for _, k := range keys {
		v := args[k]
		if strings.HasPrefix(k, "-") {
			if on, ok := v.(bool); ok {
				if on {
					parts = append(parts, k)
				}
				continue
			}
		}
		parts = append(parts, fmt.Sprint(v))
	}
	return strings.Join(parts, " ")
}

// stripEcho removes the echoed command from the head of the output, plus the
// newline delimiters around it.
func stripEcho(out []byte, line string) []byte {
	text := strings.ReplaceAll(string(out), "\r\n", "\n")
	text = strings.TrimPrefix(text, line)
	text = strings.TrimPrefix(text, "\n")
	text = strings.TrimSuffix(text, "\n")
	return []byte(text)
}

// Sendline writes one raw line without waiting for the prompt to come back.
// Any output it produces is left on the stream; the next Run's prompt scan
// consumes it. Meant for commands whose reply arrives out of band (or never),
// like a powerdown right before the connection drops.
func (m *HumanMonitor) Sendline(ctx context.Context, line string) error {
	deadline := m.deadlineFor(ctx, 0)
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.release()
	return m.write([]byte(line+"\n"), deadline)
}

// supportedCommands lazily parses the "help" listing into a command set.
func (m *HumanMonitor) supportedCommands(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	cached := m.commands
	m.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	out, err := m.Run(ctx, "help", nil, 0)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{})
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		// The first token may list alternate spellings, e.g. "c|cont".
		for _, name := range strings.Split(fields[0], "|") {
			if name != "" {
				set[name] = struct{}{}
			}
		}
	}
	m.mu.Lock()
	m.commands = set
	m.mu.Unlock()
	return set, nil
}

// HasCommand implements Monitor.
func (m *HumanMonitor) HasCommand(ctx context.Context, name string) (bool, error) {
	set, err := m.supportedCommands(ctx)
	if err != nil {
		return false, err
	}
	_, ok := set[name]
	return ok, nil
}

// ResolveCommand implements Monitor.
func (m *HumanMonitor) ResolveCommand(ctx context.Context, name string) (string, error) {
	set, err := m.supportedCommands(ctx)
	if err != nil {
		return "", err
	}
	return resolveCommand(name, set)
}

// MigrationCapabilityNames parses the capability listing, which prints one
// "name: on|off" pair per line.
func (m *HumanMonitor) MigrationCapabilityNames(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	cached := m.migCaps
	m.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	out, err := m.Run(ctx, "info migrate_capabilities", nil, 0)
	if err != nil {
		return nil, err
	}
	set := parseColonNames(string(out))
	m.mu.Lock()
	m.migCaps = set
	m.mu.Unlock()
	return set, nil
}

// MigrationParameterNames parses the parameter listing, same line shape as
// the capability listing.
func (m *HumanMonitor) MigrationParameterNames(ctx context.Context) (map[string]struct{}, error) {
	m.mu.Lock()
	cached := m.migParams
	m.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	out, err := m.Run(ctx, "info migrate_parameters", nil, 0)
	if err != nil {
		return nil, err
	}
	set := parseColonNames(string(out))
	m.mu.Lock()
	m.migParams = set
	m.mu.Unlock()
	return set, nil
}

func parseColonNames(out string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		name, _, found := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if found && name != "" && !strings.Contains(name, " ") {
			set[name] = struct{}{}
		}
	}
	return set
}

// WaitEvent implements Monitor. The human protocol has no event stream.
func (m *HumanMonitor) WaitEvent(ctx context.Context, name string, timeout time.Duration) (*Event, error) {
	return nil, &ProtocolError{Cmd: "", Reason: "human monitor has no event stream"}
}
