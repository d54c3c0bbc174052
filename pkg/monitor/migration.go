package monitor

// Typed wrappers for the migration- and block-job-related monitor commands.
// These are thin: each issues one command and decodes the result into the
// shared api types. The structured variant is assumed; on a human-variant
// connection the decode fails with *ProtocolError.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stackvirt/vmshift/pkg/api"
)

func runJSON(ctx context.Context, m Monitor, cmd string, args map[string]any, out any) error {
	raw, err := m.Run(ctx, cmd, args, 0)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProtocolError{Cmd: cmd, Reason: fmt.Sprintf("unmarshaling result: %v", err)}
	}
	return nil
}

// QueryMigrationStatus reads the current migration diagnostics. A hypervisor
// with no migration in flight reports status "none" via an empty document.
func QueryMigrationStatus(ctx context.Context, m Monitor) (*api.MigrationStatus, error) {
	var status api.MigrationStatus
	if err := runJSON(ctx, m, "query-migrate", nil, &status); err != nil {
		return nil, err
	}
	if status.Status == "" {
		status.Status = api.StatusNone
	}
	return &status, nil
}

// QueryMigrationCapabilities reads the current on/off state of every
// migration capability.
func QueryMigrationCapabilities(ctx context.Context, m Monitor) (map[string]bool, error) {
	var list []struct {
		Capability string `json:"capability"`
		State      bool   `json:"state"`
	}
	if err := runJSON(ctx, m, "query-migrate-capabilities", nil, &list); err != nil {
		return nil, err
	}
	states := make(map[string]bool, len(list))
	for _, entry := range list {
		states[entry.Capability] = entry.State
	}
	return states, nil
}

// SetMigrationCapabilities applies the given capability states. Keys must
// already be resolved to spellings the hypervisor supports.
func SetMigrationCapabilities(ctx context.Context, m Monitor, states map[string]bool) error {
	if len(states) == 0 {
		return nil
	}
	caps := make([]map[string]any, 0, len(states))
	for name, state := range states {
		caps = append(caps, map[string]any{"capability": name, "state": state})
	}
	return runJSON(ctx, m, "migrate-set-capabilities", map[string]any{"capabilities": caps}, nil)
}

// QueryMigrationParameters reads the current value of every tunable
// migration parameter.
func QueryMigrationParameters(ctx context.Context, m Monitor) (map[string]any, error) {
	var values map[string]any
	if err := runJSON(ctx, m, "query-migrate-parameters", nil, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// SetMigrationParameters applies the given parameter values.
func SetMigrationParameters(ctx context.Context, m Monitor, params map[string]any) error {
	if len(params) == 0 {
		return nil
	}
	args := make(map[string]any, len(params))
	for name, value := range params {
		args[name] = value
	}
	return runJSON(ctx, m, "migrate-set-parameters", args, nil)
}

// StartMigration begins streaming state to the destination URI.
func StartMigration(ctx context.Context, m Monitor, uri string) error {
	return runJSON(ctx, m, "migrate", map[string]any{"uri": uri}, nil)
}

// StartIncoming tells a destination started with deferred incoming mode to
// begin listening on the URI.
func StartIncoming(ctx context.Context, m Monitor, uri string) error {
	return runJSON(ctx, m, "migrate-incoming", map[string]any{"uri": uri}, nil)
}

// ContinueMigration acknowledges a paused migration milestone, e.g. the
// pre-switchover hold.
func ContinueMigration(ctx context.Context, m Monitor, state string) error {
	return runJSON(ctx, m, "migrate-continue", map[string]any{"state": state}, nil)
}

// CancelMigration asks the hypervisor to abort the outgoing migration. The
// command name is resolved first: the historical spelling uses an underscore.
func CancelMigration(ctx context.Context, m Monitor) error {
	cmd, err := m.ResolveCommand(ctx, "migrate_cancel")
	if err != nil {
		return err
	}
	return runJSON(ctx, m, cmd, nil, nil)
}

// StartPostcopy switches an in-flight migration into postcopy mode. The
// command shipped as experimental first, so the name is resolved.
func StartPostcopy(ctx context.Context, m Monitor) error {
	cmd, err := m.ResolveCommand(ctx, "migrate-start-postcopy")
	if err != nil {
		return err
	}
	return runJSON(ctx, m, cmd, nil, nil)
}

// InstanceStatus is the hypervisor's own run-state report.
type InstanceStatus struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
}

// QueryStatus reads the hypervisor run state (running, paused, inmigrate,
// postmigrate, ...).
func QueryStatus(ctx context.Context, m Monitor) (*InstanceStatus, error) {
	var status InstanceStatus
	if err := runJSON(ctx, m, "query-status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// StopInstance pauses guest execution.
func StopInstance(ctx context.Context, m Monitor) error {
	return runJSON(ctx, m, "stop", nil, nil)
}

// ContInstance resumes guest execution.
func ContInstance(ctx context.Context, m Monitor) error {
	return runJSON(ctx, m, "cont", nil, nil)
}

// SystemPowerdown requests an in-guest ACPI shutdown.
func SystemPowerdown(ctx context.Context, m Monitor) error {
	return runJSON(ctx, m, "system_powerdown", nil, nil)
}

// Quit terminates the hypervisor process.
func Quit(ctx context.Context, m Monitor) error {
	return runJSON(ctx, m, "quit", nil, nil)
}

// StartNBDServer starts the destination-side storage-transfer listener.
func StartNBDServer(ctx context.Context, m Monitor, host string, port int) error {
	addr := map[string]any{
		"type": "inet",
		"data": map[string]any{"host": host, "port": fmt.Sprint(port)},
	}
	return runJSON(ctx, m, "nbd-server-start", map[string]any{"addr": addr}, nil)
}

// ExportNBDDisk exposes one disk over the storage-transfer listener.
func ExportNBDDisk(ctx context.Context, m Monitor, device string) error {
	return runJSON(ctx, m, "nbd-server-add", map[string]any{"device": device, "writable": true}, nil)
}

// StopNBDServer stops the storage-transfer listener and removes its exports.
func StopNBDServer(ctx context.Context, m Monitor) error {
	return runJSON(ctx, m, "nbd-server-stop", nil, nil)
}

// MirrorDisk starts a source-side block copy of one disk to the
// destination's storage-transfer listener.
func MirrorDisk(ctx context.Context, m Monitor, device, target string) error {
	args := map[string]any{
		"device": device,
		"target": target,
		"sync":   "full",
		"mode":   "existing",
	}
	return runJSON(ctx, m, "drive-mirror", args, nil)
}

// CancelBlockJob cancels the copy job for one disk. With force, an active job
// is torn down without waiting for a consistent point.
func CancelBlockJob(ctx context.Context, m Monitor, device string, force bool) error {
	return runJSON(ctx, m, "block-job-cancel", map[string]any{"device": device, "force": force}, nil)
}
