package migration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stackvirt/vmshift/pkg/api"
	"github.com/stackvirt/vmshift/pkg/monitor"
)

func TestDesiredCapabilitiesMergesFlags(t *testing.T) {
	params := &api.MigrationParams{
		InstanceID:   "vm1",
		Flags:        []api.MigrationFlag{api.FlagLive, api.FlagAutoConverge, api.FlagPostcopy},
		Capabilities: map[string]bool{"xbzrle": true, "auto-converge": false},
	}

	want := desiredCapabilities(params)
	assert.Equal(t, map[string]bool{
		"xbzrle": true,
		// The explicit false is overridden by the flag.
		"auto-converge": true,
		"postcopy-ram":  true,
	}, want)
}

func TestSnapshotAndApplyResolvesExperimentalSpellings(t *testing.T) {
	mon := newFakeMonitor()
	mon.capStates["x-multifd"] = false
	mon.capStates["auto-converge"] = false

	params := &api.MigrationParams{
		InstanceID: "vm1",
		// Abstract name; only the prefixed spelling is supported.
		Capabilities: map[string]bool{"multifd": true, "auto-converge": true},
	}

	snap, err := snapshotAndApply(context.Background(), mon, params)
	require.NoError(t, err)

	assert.True(t, mon.capState("x-multifd"), "applied under the resolved spelling")
	assert.True(t, mon.capState("auto-converge"))
	assert.Equal(t, map[string]bool{"x-multifd": false, "auto-converge": false}, snap.caps)
}

func TestSnapshotAndApplyRejectsUnknownCapability(t *testing.T) {
	mon := newFakeMonitor()
	mon.capStates["auto-converge"] = false

	params := &api.MigrationParams{
		InstanceID:   "vm1",
		Capabilities: map[string]bool{"warp-drive": true},
	}

	_, err := snapshotAndApply(context.Background(), mon, params)
	var unsupported *monitor.CapabilityUnsupported
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "warp-drive", unsupported.Name)
}

func TestSnapshotAndApplyParameters(t *testing.T) {
	mon := newFakeMonitor()
	mon.paramValues["max-bandwidth"] = float64(33554432)
	mon.paramValues["downtime-limit"] = float64(300)

	params := &api.MigrationParams{
		InstanceID: "vm1",
		Parameters: map[string]int64{"max-bandwidth": 1 << 30},
	}

	snap, err := snapshotAndApply(context.Background(), mon, params)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"max-bandwidth": float64(33554432)}, snap.params,
		"only the touched parameter is snapshotted")

	require.NoError(t, snap.restore(context.Background(), zaptest.NewLogger(t), mon))
	mon.mu.Lock()
	restored := mon.paramValues["max-bandwidth"]
	mon.mu.Unlock()
	assert.Equal(t, float64(33554432), restored)
}

func TestRestoreNilSnapshotIsNoop(t *testing.T) {
	var snap *stateSnapshot
	assert.NoError(t, snap.restore(context.Background(), zaptest.NewLogger(t), newFakeMonitor()))
}
