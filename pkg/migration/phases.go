package migration

// The per-host migration phase handlers. One PhaseController runs inside
// each host's agent; a migration drives prepare/finish on the destination's
// controller and perform/confirm/cancel/resume on the source's, via a node
// proxy.
//
// Every handler is idempotent with respect to its own inputs and leaves the
// host in a well-defined state on both success and failure: a failed phase
// restores the capability/parameter snapshot it took and, where the instance
// would otherwise be left inconsistent, forcibly stops it.

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/stackvirt/vmshift/pkg/api"
	"github.com/stackvirt/vmshift/pkg/instance"
	"github.com/stackvirt/vmshift/pkg/monitor"
)

// MonitorDialer establishes the primary control-channel connection to an
// instance's hypervisor once its process exists.
type MonitorDialer interface {
	Dial(ctx context.Context, id string) (monitor.Monitor, error)
}

// Config carries the controller tunables. The zero value is usable.
type Config struct {
	// AdvertiseAddr is the address peers dial for incoming streams when the
	// request leaves it unset.
	AdvertiseAddr string
	// PollInterval is the perform-phase status poll cadence. Default 2s.
	PollInterval time.Duration
	// DefaultTimeout is the perform-phase budget when the request leaves it
	// unset. Default one hour.
	DefaultTimeout time.Duration
}

const (
	defaultPollInterval     = 2 * time.Second
	defaultMigrationTimeout = time.Hour
)

func (c Config) withDefaults() Config {
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = defaultMigrationTimeout
	}
	return c
}

// PhaseController exposes the migration phase handlers for one host.
type PhaseController struct {
	logger    *zap.Logger
	registry  *instance.Registry
	lifecycle *instance.Manager
	dialer    MonitorDialer
	metrics   *Metrics
	cfg       Config
}

func NewPhaseController(
	logger *zap.Logger,
	registry *instance.Registry,
	lifecycle *instance.Manager,
	dialer MonitorDialer,
	metrics *Metrics,
	cfg Config,
) *PhaseController {
	return &PhaseController{
		logger:    logger.Named("migration"),
		registry:  registry,
		lifecycle: lifecycle,
		dialer:    dialer,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
	}
}

func validateTransport(p api.TransportProtocol) error {
	switch p {
	case api.TransportTCP, api.TransportRDMA, api.TransportRDMAExperimental, api.TransportUnix, api.TransportFD:
		return nil
	default:
		return &UnsupportedProtocolError{Protocol: p}
	}
}

// Prepare runs on the destination host: stand up the incoming instance,
// apply the requested migration state, and begin listening for the inbound
// stream. On any failure after the instance exists, the destination is torn
// back down to exactly its pre-prepare state before the error is returned.
func (pc *PhaseController) Prepare(ctx context.Context, params api.MigrationParams) (_ *api.PrepareResult, err error) {
	defer pc.metrics.observePhase("prepare", time.Now(), &err)
	logger := pc.logger.With(zap.String("instance", params.InstanceID), zap.String("phase", "prepare"))

	// Transport validation happens before any side effect.
	if err := validateTransport(params.URI.Protocol); err != nil {
		return nil, err
	}
	uri, err := pc.resolveListenURI(params)
	if err != nil {
		return nil, err
	}

	inst := instance.New(params.InstanceID)
	if err := pc.registry.Add(inst); err != nil {
		return nil, err
	}

	if err := pc.lifecycle.Start(ctx, inst, &uri); err != nil {
		pc.registry.Remove(inst.ID)
		return nil, err
	}
	mon, err := pc.dialer.Dial(ctx, inst.ID)
	if err != nil {
		pc.teardownIncoming(ctx, logger, inst, nil, nil)
		return nil, err
	}
	if err := inst.AddMonitor(instance.PrimaryChannel, mon); err != nil {
		_ = mon.Close()
		pc.teardownIncoming(ctx, logger, inst, nil, nil)
		return nil, err
	}

	snap, err := snapshotAndApply(ctx, mon, &params)
	if err != nil {
		pc.teardownIncoming(ctx, logger, inst, mon, snap)
		return nil, err
	}

	result := &api.PrepareResult{URI: uri, NBDPort: 0}
	if params.HasFlag(api.FlagNonSharedDisk) {
		nbdPort, err := pc.startStorageListener(ctx, mon, params)
		if err != nil {
			pc.teardownIncoming(ctx, logger, inst, mon, snap)
			return nil, err
		}
		result.NBDPort = nbdPort
	}

	if err := monitor.StartIncoming(ctx, mon, uri.String()); err != nil {
		pc.teardownIncoming(ctx, logger, inst, mon, snap)
		return nil, err
	}

	logger.Info("destination prepared", zap.String("uri", uri.String()), zap.Int("nbdPort", result.NBDPort))
	return result, nil
}

// resolveListenURI fills in the listen address for the incoming stream:
// an ephemeral port for tcp/rdma, a private socket path for unix.
func (pc *PhaseController) resolveListenURI(params api.MigrationParams) (api.MigrationURI, error) {
	uri := params.URI
	switch uri.Protocol {
	case api.TransportTCP, api.TransportRDMA, api.TransportRDMAExperimental:
		if uri.Address == "" {
			uri.Address = pc.cfg.AdvertiseAddr
		}
		if uri.Port == 0 {
			port, err := allocateTCPPort()
			if err != nil {
				return uri, err
			}
			uri.Port = port
		}
	case api.TransportUnix:
		if uri.Address == "" {
			uri.Address = privateSocketPath(params.InstanceID)
		}
	case api.TransportFD:
		// The fd is passed out of band; nothing to allocate.
	}
	return uri, nil
}

// startStorageListener stands up the destination-side storage-transfer
// listener and exports each disk to be migrated.
func (pc *PhaseController) startStorageListener(ctx context.Context, mon monitor.Monitor, params api.MigrationParams) (int, error) {
	nbdPort, err := allocateTCPPort()
	if err != nil {
		return 0, err
	}
	if err := monitor.StartNBDServer(ctx, mon, "0.0.0.0", nbdPort); err != nil {
		return 0, fmt.Errorf("starting storage-transfer listener: %w", err)
	}
	for _, disk := range params.MigrateDisks {
		if err := monitor.ExportNBDDisk(ctx, mon, disk); err != nil {
			return 0, fmt.Errorf("exporting disk %q: %w", disk, err)
		}
	}
	return nbdPort, nil
}

// teardownIncoming undoes a partial prepare: snapshot restored, instance
// forcibly stopped, connections closed, registry entry removed.
func (pc *PhaseController) teardownIncoming(ctx context.Context, logger *zap.Logger, inst *instance.Instance, mon monitor.Monitor, snap *stateSnapshot) {
	if mon != nil {
		_ = snap.restore(ctx, logger, mon)
	}
	if inst.State() == instance.StateRunning || inst.State() == instance.StatePaused {
		if err := pc.lifecycle.Stop(ctx, inst, false, 0); err != nil {
			logger.Warn("stopping destination instance during rollback", zap.Error(err))
		}
	}
	if err := inst.CloseMonitors(); err != nil {
		logger.Warn("closing destination monitors during rollback", zap.Error(err))
	}
	pc.registry.Remove(inst.ID)
}

// Perform runs on the source host: apply the requested migration state,
// start the stream toward the destination, and poll until a terminal status.
//
// A cancelled migration is not an error: it returns success=false with the
// snapshot restored, and deliberately skips the forced stop, since the
// instance is expected to keep running on the source.
func (pc *PhaseController) Perform(ctx context.Context, params api.MigrationParams, dest api.PrepareResult) (_ *api.PerformResult, err error) {
	defer pc.metrics.observePhase("perform", time.Now(), &err)
	logger := pc.logger.With(zap.String("instance", params.InstanceID), zap.String("phase", "perform"))

	inst, ok := pc.registry.Get(params.InstanceID)
	if !ok {
		return nil, fmt.Errorf("instance %s not found on source host", params.InstanceID)
	}
	mon, err := inst.PrimaryMonitor()
	if err != nil {
		return nil, err
	}

	snap, err := snapshotAndApply(ctx, mon, &params)
	if err != nil {
		pc.rollbackSource(ctx, logger, inst, mon, snap)
		return nil, err
	}

	if params.HasFlag(api.FlagNonSharedDisk) {
		for _, disk := range params.MigrateDisks {
			target := nbdTarget(dest, disk)
			if err := monitor.MirrorDisk(ctx, mon, disk, target); err != nil {
				pc.rollbackSource(ctx, logger, inst, mon, snap)
				return nil, fmt.Errorf("starting storage copy for disk %q: %w", disk, err)
			}
		}
	}

	if err := monitor.StartMigration(ctx, mon, dest.URI.String()); err != nil {
		pc.rollbackSource(ctx, logger, inst, mon, snap)
		return nil, err
	}
	logger.Info("migration started", zap.String("uri", dest.URI.String()))

	result, err := pc.pollUntilTerminal(ctx, logger, mon, params)
	if err != nil {
		pc.rollbackSource(ctx, logger, inst, mon, snap)
		return nil, err
	}
	if result.Status != nil && result.Status.Status == api.StatusCancelled {
		// Restore only; the source keeps running.
		_ = snap.restore(ctx, logger, mon)
		return result, nil
	}
	if result.Success && params.HasFlag(api.FlagNonSharedDisk) {
		pc.cancelStorageCopies(ctx, logger, mon, params, false)
	}
	return result, nil
}

// nbdTarget renders the source-side copy target for one exported disk.
func nbdTarget(dest api.PrepareResult, disk string) string {
	return fmt.Sprintf("nbd:%s:%d:exportname=%s", dest.URI.Address, dest.NBDPort, disk)
}

// pollUntilTerminal polls migration status at the configured interval until
// a terminal status is observed or the budget elapses. A pre-switchover
// status triggers an explicit continue rather than being treated as terminal.
func (pc *PhaseController) pollUntilTerminal(ctx context.Context, logger *zap.Logger, mon monitor.Monitor, params api.MigrationParams) (*api.PerformResult, error) {
	timeout := pc.cfg.DefaultTimeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}
	deadline := time.Now().Add(timeout)

	var last *api.MigrationStatus
	for {
		status, err := monitor.QueryMigrationStatus(ctx, mon)
		if err != nil {
			return nil, err
		}
		last = status

		switch status.Status {
		case api.StatusPreSwitchover:
			logger.Info("migration paused at pre-switchover, continuing")
			if err := monitor.ContinueMigration(ctx, mon, api.StatusPreSwitchover); err != nil {
				return nil, err
			}
		case api.StatusCompleted:
			logger.Info("migration completed",
				zap.Int64("downtimeMs", status.DowntimeMs),
				zap.Int64("totalTimeMs", status.TotalTimeMs))
			return &api.PerformResult{Success: true, Status: status}, nil
		case api.StatusCancelled:
			logger.Info("migration cancelled by operator")
			return &api.PerformResult{Success: false, Status: status}, nil
		case api.StatusFailed, api.StatusNone:
			return nil, &MigrationFailedError{Status: status}
		}

		if !time.Now().Before(deadline) {
			return nil, &MigrationTimeoutError{Timeout: timeout, LastStatus: last}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pc.cfg.PollInterval):
		}
	}
}

// rollbackSource restores the source's migration state and forcibly stops
// the instance, which a failed perform leaves inconsistent.
func (pc *PhaseController) rollbackSource(ctx context.Context, logger *zap.Logger, inst *instance.Instance, mon monitor.Monitor, snap *stateSnapshot) {
	_ = snap.restore(ctx, logger, mon)
	if inst.State() == instance.StateRunning || inst.State() == instance.StatePaused {
		if err := pc.lifecycle.Stop(ctx, inst, false, 0); err != nil {
			logger.Warn("stopping source instance during rollback", zap.Error(err))
		}
	}
}

// cancelStorageCopies cancels the per-disk copy jobs; after a completed
// memory migration the jobs are finished mirrors that just need tearing
// down, on failure paths force is set.
func (pc *PhaseController) cancelStorageCopies(ctx context.Context, logger *zap.Logger, mon monitor.Monitor, params api.MigrationParams, force bool) {
	for _, disk := range params.MigrateDisks {
		if err := monitor.CancelBlockJob(ctx, mon, disk, force); err != nil {
			logger.Warn("cancelling storage copy job", zap.String("disk", disk), zap.Error(err))
		}
	}
}

// Finish runs on the destination host once the source's perform outcome is
// known.
func (pc *PhaseController) Finish(ctx context.Context, params api.MigrationParams, perform api.PerformResult) (_ *api.FinishResult, err error) {
	defer pc.metrics.observePhase("finish", time.Now(), &err)
	logger := pc.logger.With(zap.String("instance", params.InstanceID), zap.String("phase", "finish"))

	inst, ok := pc.registry.Get(params.InstanceID)
	if !ok {
		return nil, fmt.Errorf("instance %s not found on destination host", params.InstanceID)
	}
	mon, monErr := inst.PrimaryMonitor()

	if !perform.Success {
		var diag *api.MigrationStatus
		if proc := inst.Process(); proc != nil && proc.IsRunning() && monErr == nil {
			// Best-effort diagnostics before tearing the instance down.
			if status, err := monitor.QueryMigrationStatus(ctx, mon); err == nil {
				diag = status
			}
			if params.HasFlag(api.FlagNonSharedDisk) {
				if err := monitor.StopNBDServer(ctx, mon); err != nil {
					logger.Warn("stopping storage-transfer listener", zap.Error(err))
				}
			}
		}
		pc.teardownIncoming(ctx, logger, inst, nil, nil)
		logger.Info("destination torn down after failed migration")
		return &api.FinishResult{Success: false, Status: diag}, nil
	}

	if monErr != nil {
		return nil, monErr
	}
	diag, err := monitor.QueryMigrationStatus(ctx, mon)
	if err != nil {
		logger.Warn("querying final migration status", zap.Error(err))
		diag = nil
	}

	// An incoming instance lands paused; let it run.
	if status, err := monitor.QueryStatus(ctx, mon); err == nil && !status.Running {
		if err := monitor.ContInstance(ctx, mon); err != nil {
			return nil, fmt.Errorf("resuming migrated-in instance: %w", err)
		}
		logger.Info("migrated-in instance resumed")
	}

	// The migrated-in instance opens fresh control channels going forward;
	// only this instance's own connections are released.
	if err := inst.CloseMonitors(); err != nil {
		logger.Warn("closing destination monitors", zap.Error(err))
	}
	return &api.FinishResult{Success: true, Status: diag}, nil
}

// Confirm runs on the source host once the destination's finish outcome is
// known.
func (pc *PhaseController) Confirm(ctx context.Context, params api.MigrationParams, finish api.FinishResult) (err error) {
	defer pc.metrics.observePhase("confirm", time.Now(), &err)
	logger := pc.logger.With(zap.String("instance", params.InstanceID), zap.String("phase", "confirm"))

	inst, ok := pc.registry.Get(params.InstanceID)
	if !ok {
		return fmt.Errorf("instance %s not found on source host", params.InstanceID)
	}
	mon, err := inst.PrimaryMonitor()
	if err != nil {
		return err
	}

	if finish.Success {
		status, err := monitor.QueryMigrationStatus(ctx, mon)
		if err != nil {
			return err
		}
		if status.Status != api.StatusCompleted {
			logger.Warn("source reports unexpected status after successful finish; leaving instance alone",
				zap.String("status", status.Status))
			return nil
		}
		if err := pc.lifecycle.Stop(ctx, inst, false, 0); err != nil {
			return err
		}
		if err := inst.CloseMonitors(); err != nil {
			logger.Warn("closing source monitors", zap.Error(err))
		}
		pc.registry.Remove(inst.ID)
		logger.Info("source instance released after completed handoff")
		return nil
	}

	// The migration did not land; the source remains the authoritative copy.
	if params.HasFlag(api.FlagNonSharedDisk) {
		pc.cancelStorageCopies(ctx, logger, mon, params, true)
	}
	if status, err := monitor.QueryStatus(ctx, mon); err == nil && !status.Running {
		if err := monitor.ContInstance(ctx, mon); err != nil {
			return fmt.Errorf("resuming source instance: %w", err)
		}
		logger.Info("source instance resumed after failed migration")
	}
	return nil
}

// Cancel asks the source hypervisor to abort the in-flight migration, then
// polls until the abort lands. Transient command errors are logged and
// retried: cancellation is best-effort by design. Returns false if the
// migration reached completed/failed before the cancel was observed.
func (pc *PhaseController) Cancel(ctx context.Context, params api.MigrationParams, timeout time.Duration) (_ bool, err error) {
	defer pc.metrics.observePhase("cancel", time.Now(), &err)
	logger := pc.logger.With(zap.String("instance", params.InstanceID), zap.String("phase", "cancel"))

	inst, ok := pc.registry.Get(params.InstanceID)
	if !ok {
		return false, fmt.Errorf("instance %s not found on source host", params.InstanceID)
	}
	mon, err := inst.PrimaryMonitor()
	if err != nil {
		return false, err
	}

	retry := &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	deadline := time.Now().Add(timeout)
	cancelSent := false
	var last *api.MigrationStatus

	for {
		status, err := monitor.QueryMigrationStatus(ctx, mon)
		switch {
		case err == nil:
			last = status
			switch status.Status {
			case api.StatusCancelled:
				logger.Info("migration cancelled")
				return true, nil
			case api.StatusCompleted, api.StatusFailed, api.StatusNone:
				logger.Info("too late to cancel", zap.String("status", status.Status))
				return false, nil
			}
		case isTransientCommandError(err):
			logger.Warn("status query failed, retrying", zap.Error(err))
		default:
			return false, err
		}

		if !cancelSent {
			switch err := monitor.CancelMigration(ctx, mon); {
			case err == nil:
				cancelSent = true
				retry.Reset()
			case isTransientCommandError(err):
				logger.Warn("cancel command failed, retrying", zap.Error(err))
			default:
				return false, err
			}
		}

		if !time.Now().Before(deadline) {
			return false, &MigrationTimeoutError{Timeout: timeout, LastStatus: last}
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(retry.Duration()):
		}
	}
}

// isTransientCommandError reports whether the error is a remote command
// rejection, which the cancel path treats as transient. Connection-layer
// failures are not retried.
func isTransientCommandError(err error) bool {
	var cmdErr *monitor.CommandError
	return errors.As(err, &cmdErr)
}

// Resume releases a migration left paused at the pre-switchover milestone,
// for postcopy-style flows.
func (pc *PhaseController) Resume(ctx context.Context, params api.MigrationParams) (err error) {
	defer pc.metrics.observePhase("resume", time.Now(), &err)

	inst, ok := pc.registry.Get(params.InstanceID)
	if !ok {
		return fmt.Errorf("instance %s not found on source host", params.InstanceID)
	}
	mon, err := inst.PrimaryMonitor()
	if err != nil {
		return err
	}
	return monitor.ContinueMigration(ctx, mon, api.StatusPreSwitchover)
}
