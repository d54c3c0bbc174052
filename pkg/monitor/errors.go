package monitor

// Error taxonomy for the monitor layer. Callers are expected to match with
// errors.As; none of these are retried internally.

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConnectError indicates the monitor socket could not be dialed, or that the
// connection has been marked dead and the caller tried to use it anyway.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("monitor connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SocketError indicates an I/O failure mid-command. The connection is dead
// after one of these.
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("monitor socket %s: %v", e.Op, e.Err)
}

func (e *SocketError) Unwrap() error { return e.Err }

// ProtocolError indicates the peer sent something malformed, or never sent
// the response (or prompt) we were waiting for within the command timeout.
type ProtocolError struct {
	Cmd    string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Cmd == "" {
		return fmt.Sprintf("monitor protocol: %s", e.Reason)
	}
	return fmt.Sprintf("monitor protocol: %s (command %q)", e.Reason, e.Cmd)
}

// LockError indicates the per-connection command lock was not acquired within
// its bounded wait. The command was never sent.
type LockError struct {
	Monitor string
	Timeout time.Duration
}

func (e *LockError) Error() string {
	return fmt.Sprintf("monitor %s: command lock not acquired within %s", e.Monitor, e.Timeout)
}

// NotSupportedCommandError indicates the command is absent from the
// connection's introspected command set, including after separator
// normalization and the experimental-prefix fallback.
type NotSupportedCommandError struct {
	Cmd string
}

func (e *NotSupportedCommandError) Error() string {
	return fmt.Sprintf("monitor command %q not supported by this hypervisor", e.Cmd)
}

// CommandError indicates the hypervisor explicitly rejected the command. The
// remote error payload is carried verbatim for diagnostics.
type CommandError struct {
	Cmd    string
	Args   map[string]any
	Class  string
	Desc   string
	Remote json.RawMessage
}

func (e *CommandError) Error() string {
	if e.Desc != "" {
		return fmt.Sprintf("monitor command %q failed: %s: %s", e.Cmd, e.Class, e.Desc)
	}
	return fmt.Sprintf("monitor command %q failed: %s", e.Cmd, string(e.Remote))
}

// CapabilityUnsupported indicates neither the plain nor the
// experimental-prefixed spelling of a capability exists, in strict resolution
// mode only.
type CapabilityUnsupported struct {
	Name string
}

func (e *CapabilityUnsupported) Error() string {
	return fmt.Sprintf("migration capability %q not supported (with or without %q prefix)", e.Name, experimentalPrefix)
}
