package instance

// An Instance is one virtual machine the agent knows about: its coarse
// lifecycle state, its control-channel connections, and handles to the
// collaborators below the monitor layer.

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/multierr"

	"github.com/stackvirt/vmshift/pkg/api"
	"github.com/stackvirt/vmshift/pkg/monitor"
)

// State is the coarse lifecycle state of an instance.
type State string

const (
	StateDefined   State = "defined"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateUndefined State = "undefined"
)

// PrimaryChannel is the conventional name of the main control channel.
const PrimaryChannel = "qmp"

// ProcessHandle is the instance's hypervisor process, below the monitor
// layer. Implementations live outside this package.
type ProcessHandle interface {
	Pid() int
	IsRunning() bool
	IsPaused() bool
	// Kill forcibly terminates the process. Idempotent.
	Kill() error
}

// ProcessBuilder creates the hypervisor process for an instance. When
// incoming is non-nil the process is started in incoming-migration mode,
// listening on the given URI for the inbound state stream.
type ProcessBuilder interface {
	Build(ctx context.Context, id string, incoming *api.MigrationURI) (ProcessHandle, error)
}

// GuestChannel is an in-guest command channel, used only for graceful
// shutdown.
type GuestChannel interface {
	Shutdown(ctx context.Context) error
}

// Instance tracks one VM. The connection registry is guarded internally;
// the lifecycle state is mutated only through Manager methods, and callers
// orchestrating concurrent operations on the same instance must serialize
// those themselves.
type Instance struct {
	ID string

	mu       sync.Mutex
	state    State
	monitors map[string]monitor.Monitor

	process ProcessHandle
	guest   GuestChannel
}

// New returns an instance in the Defined state with an empty connection
// registry.
func New(id string) *Instance {
	return &Instance{
		ID:       id,
		mu:       sync.Mutex{},
		state:    StateDefined,
		monitors: make(map[string]monitor.Monitor),
		process:  nil,
		guest:    nil,
	}
}

func (inst *Instance) State() State {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

func (inst *Instance) setState(s State) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.state = s
}

// Process returns the hypervisor process handle, or nil before Start.
func (inst *Instance) Process() ProcessHandle {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.process
}

func (inst *Instance) setProcess(p ProcessHandle) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.process = p
}

// SetGuestChannel attaches the in-guest shutdown channel.
func (inst *Instance) SetGuestChannel(g GuestChannel) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.guest = g
}

func (inst *Instance) guestChannel() GuestChannel {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.guest
}

// AddMonitor registers a control-channel connection under a logical name.
func (inst *Instance) AddMonitor(name string, m monitor.Monitor) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if _, exists := inst.monitors[name]; exists {
		return fmt.Errorf("instance %s already has a monitor named %q", inst.ID, name)
	}
	inst.monitors[name] = m
	return nil
}

// Monitor looks up a connection by its logical name.
func (inst *Instance) Monitor(name string) (monitor.Monitor, bool) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	m, ok := inst.monitors[name]
	return m, ok
}

// PrimaryMonitor returns the main control channel, or an error if it was
// never established.
func (inst *Instance) PrimaryMonitor() (monitor.Monitor, error) {
	m, ok := inst.Monitor(PrimaryChannel)
	if !ok {
		return nil, fmt.Errorf("instance %s has no %q monitor", inst.ID, PrimaryChannel)
	}
	return m, nil
}

// RemoveMonitor closes and removes one connection. Removing a name that was
// never registered is not an error: close paths are allowed to be idempotent.
//
// Only the named connection is touched. Migration cleanup in particular must
// not disturb connections it does not own.
func (inst *Instance) RemoveMonitor(name string) error {
	inst.mu.Lock()
	m, ok := inst.monitors[name]
	delete(inst.monitors, name)
	inst.mu.Unlock()
	if !ok {
		return nil
	}
	return m.Close()
}

// CloseMonitors closes and removes every registered connection, aggregating
// close failures.
func (inst *Instance) CloseMonitors() error {
	inst.mu.Lock()
	monitors := inst.monitors
	inst.monitors = make(map[string]monitor.Monitor)
	inst.mu.Unlock()

	var err error
	for _, m := range monitors {
		err = multierr.Append(err, m.Close())
	}
	return err
}

// MonitorNames returns the registered channel names, for diagnostics.
func (inst *Instance) MonitorNames() []string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return lo.Keys(inst.monitors)
}
