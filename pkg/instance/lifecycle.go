package instance

// The lifecycle state machine:
//
//	Defined -> Running -> {Paused <-> Running} -> Stopped -> Undefined
//
// Every mutating operation validates the instance's current state against the
// operation's allowed source-state set and fails with *InvalidStateError
// rather than silently no-op'ing. That guarantee is what lets the migration
// orchestrator call Stop during rollback without re-checking state itself: a
// precondition violation there is a programming or race error, not a
// retryable condition.

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stackvirt/vmshift/pkg/api"
	"github.com/stackvirt/vmshift/pkg/monitor"
)

// InvalidStateError reports a lifecycle precondition violation.
type InvalidStateError struct {
	ID       string
	Current  State
	Required []State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("instance %s is %s, operation requires one of %v", e.ID, e.Current, e.Required)
}

// Manager owns lifecycle transitions for instances. It does not serialize
// concurrent calls for the same instance; that is the caller's job.
type Manager struct {
	logger  *zap.Logger
	builder ProcessBuilder

	// killPoll is how often Stop re-checks the process after a graceful
	// shutdown request.
	killPoll time.Duration
}

func NewManager(logger *zap.Logger, builder ProcessBuilder) *Manager {
	return &Manager{
		logger:   logger.Named("lifecycle"),
		builder:  builder,
		killPoll: 500 * time.Millisecond,
	}
}

func requireState(inst *Instance, required ...State) error {
	current := inst.State()
	for _, s := range required {
		if current == s {
			return nil
		}
	}
	return &InvalidStateError{ID: inst.ID, Current: current, Required: required}
}

// Start builds the hypervisor process and moves the instance to Running.
// When incoming is non-nil the process starts in incoming-migration mode and
// the guest does not execute until the inbound stream completes.
func (mg *Manager) Start(ctx context.Context, inst *Instance, incoming *api.MigrationURI) error {
	if err := requireState(inst, StateDefined, StateStopped); err != nil {
		return err
	}
	proc, err := mg.builder.Build(ctx, inst.ID, incoming)
	if err != nil {
		return fmt.Errorf("building process for instance %s: %w", inst.ID, err)
	}
	inst.setProcess(proc)
	inst.setState(StateRunning)
	mg.logger.Info("instance started",
		zap.String("instance", inst.ID),
		zap.Int("pid", proc.Pid()),
		zap.Bool("incoming", incoming != nil))
	return nil
}

// Pause suspends guest execution via the primary monitor.
func (mg *Manager) Pause(ctx context.Context, inst *Instance) error {
	if err := requireState(inst, StateRunning); err != nil {
		return err
	}
	mon, err := inst.PrimaryMonitor()
	if err != nil {
		return err
	}
	if err := monitor.StopInstance(ctx, mon); err != nil {
		return err
	}
	inst.setState(StatePaused)
	mg.logger.Info("instance paused", zap.String("instance", inst.ID))
	return nil
}

// Resume continues guest execution via the primary monitor.
func (mg *Manager) Resume(ctx context.Context, inst *Instance) error {
	if err := requireState(inst, StatePaused); err != nil {
		return err
	}
	mon, err := inst.PrimaryMonitor()
	if err != nil {
		return err
	}
	if err := monitor.ContInstance(ctx, mon); err != nil {
		return err
	}
	inst.setState(StateRunning)
	mg.logger.Info("instance resumed", zap.String("instance", inst.ID))
	return nil
}

// Stop terminates the instance. With graceful set it first asks the guest to
// shut itself down and falls back to forced termination once the timeout
// elapses; otherwise it kills the process outright. Either way the instance
// ends up Stopped.
func (mg *Manager) Stop(ctx context.Context, inst *Instance, graceful bool, timeout time.Duration) error {
	if err := requireState(inst, StateRunning, StatePaused); err != nil {
		return err
	}

	proc := inst.Process()
	if graceful {
		if mg.shutdownGracefully(ctx, inst, proc, timeout) {
			inst.setState(StateStopped)
			mg.logger.Info("instance shut down gracefully", zap.String("instance", inst.ID))
			return nil
		}
		mg.logger.Warn("graceful shutdown did not complete, forcing",
			zap.String("instance", inst.ID), zap.Duration("timeout", timeout))
	}

	if proc != nil {
		if err := proc.Kill(); err != nil {
			return fmt.Errorf("killing instance %s: %w", inst.ID, err)
		}
	}
	inst.setState(StateStopped)
	mg.logger.Info("instance stopped", zap.String("instance", inst.ID))
	return nil
}

// shutdownGracefully asks the guest to power down and polls for process
// exit, reporting whether the guest went away within the timeout.
func (mg *Manager) shutdownGracefully(ctx context.Context, inst *Instance, proc ProcessHandle, timeout time.Duration) bool {
	requested := false
	if guest := inst.guestChannel(); guest != nil {
		if err := guest.Shutdown(ctx); err != nil {
			mg.logger.Warn("guest shutdown request failed",
				zap.String("instance", inst.ID), zap.Error(err))
		} else {
			requested = true
		}
	} else if mon, err := inst.PrimaryMonitor(); err == nil {
		// No guest channel; an ACPI powerdown through the monitor is the
		// next best thing.
		if err := monitor.SystemPowerdown(ctx, mon); err != nil {
			mg.logger.Warn("powerdown request failed",
				zap.String("instance", inst.ID), zap.Error(err))
		} else {
			requested = true
		}
	}
	if !requested || proc == nil {
		return false
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !proc.IsRunning() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(mg.killPoll):
		}
	}
	return !proc.IsRunning()
}

// Undefine releases all connections and bookkeeping for a stopped instance.
func (mg *Manager) Undefine(ctx context.Context, inst *Instance) error {
	if err := requireState(inst, StateStopped); err != nil {
		return err
	}
	if err := inst.CloseMonitors(); err != nil {
		mg.logger.Warn("closing monitors during undefine",
			zap.String("instance", inst.ID), zap.Error(err))
	}
	inst.setProcess(nil)
	inst.setState(StateUndefined)
	mg.logger.Info("instance undefined", zap.String("instance", inst.ID))
	return nil
}
