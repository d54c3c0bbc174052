package migration

// Capability/parameter snapshot and restore. Each phase that mutates
// hypervisor migration state snapshots exactly the names it is about to
// change, so that restore is a no-op for everything else.

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/stackvirt/vmshift/pkg/api"
	"github.com/stackvirt/vmshift/pkg/monitor"
)

// stateSnapshot holds the pre-mutation values of the capabilities and
// parameters a phase applied, keyed by their resolved (hypervisor-supported)
// names.
type stateSnapshot struct {
	caps   map[string]bool
	params map[string]any
}

// flagCapabilities maps abstract migration flags onto the hypervisor
// capabilities they imply.
var flagCapabilities = map[api.MigrationFlag]string{
	api.FlagAutoConverge: "auto-converge",
	api.FlagPostcopy:     "postcopy-ram",
}

// desiredCapabilities merges the explicit capability map with the
// capabilities implied by the requested flags.
func desiredCapabilities(params *api.MigrationParams) map[string]bool {
	want := make(map[string]bool, len(params.Capabilities)+2)
	for name, state := range params.Capabilities {
		want[name] = state
	}
	for _, flag := range params.Flags {
		if capName, ok := flagCapabilities[flag]; ok {
			want[capName] = true
		}
	}
	return want
}

// snapshotAndApply resolves the requested capability and parameter names
// against the hypervisor's supported sets, snapshots their current values,
// and applies the requested ones. On error, whatever was already applied has
// been snapshotted, so the returned snapshot is always safe to restore.
func snapshotAndApply(ctx context.Context, mon monitor.Monitor, params *api.MigrationParams) (*stateSnapshot, error) {
	snap := &stateSnapshot{
		caps:   make(map[string]bool),
		params: make(map[string]any),
	}

	wantCaps := desiredCapabilities(params)
	if len(wantCaps) > 0 {
		supported, err := mon.MigrationCapabilityNames(ctx)
		if err != nil {
			return snap, err
		}
		resolved := make(map[string]bool, len(wantCaps))
		for name, state := range wantCaps {
			resolvedName, err := monitor.ResolveCapability(name, supported, true, true)
			if err != nil {
				return snap, err
			}
			resolved[resolvedName] = state
		}

		current, err := monitor.QueryMigrationCapabilities(ctx, mon)
		if err != nil {
			return snap, err
		}
		for name := range resolved {
			if prior, ok := current[name]; ok {
				snap.caps[name] = prior
			}
		}
		if err := monitor.SetMigrationCapabilities(ctx, mon, resolved); err != nil {
			return snap, fmt.Errorf("applying migration capabilities: %w", err)
		}
	}

	if len(params.Parameters) > 0 {
		supported, err := mon.MigrationParameterNames(ctx)
		if err != nil {
			return snap, err
		}
		resolved := make(map[string]any, len(params.Parameters))
		for name, value := range params.Parameters {
			resolvedName, err := monitor.ResolveCapability(name, supported, true, true)
			if err != nil {
				return snap, err
			}
			resolved[resolvedName] = value
		}

		current, err := monitor.QueryMigrationParameters(ctx, mon)
		if err != nil {
			return snap, err
		}
		for name := range resolved {
			if prior, ok := current[name]; ok {
				snap.params[name] = prior
			}
		}
		if err := monitor.SetMigrationParameters(ctx, mon, resolved); err != nil {
			return snap, fmt.Errorf("applying migration parameters: %w", err)
		}
	}

	return snap, nil
}

// restore reapplies the snapshot. Failures are aggregated, not short-circuited:
// restoring as much as possible beats stopping at the first error.
func (snap *stateSnapshot) restore(ctx context.Context, logger *zap.Logger, mon monitor.Monitor) error {
	if snap == nil {
		return nil
	}
	var err error
	if len(snap.caps) > 0 {
		err = multierr.Append(err, monitor.SetMigrationCapabilities(ctx, mon, snap.caps))
	}
	if len(snap.params) > 0 {
		err = multierr.Append(err, monitor.SetMigrationParameters(ctx, mon, snap.params))
	}
	if err != nil {
		logger.Warn("restoring migration state failed", zap.Error(err))
	}
	return err
}
