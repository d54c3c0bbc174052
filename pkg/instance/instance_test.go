package instance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstanceMonitorRegistry(t *testing.T) {
	inst := New("vm0")
	qmp := &fakeMonitor{fail: nil}
	hmp := &fakeMonitor{fail: nil}

	require.NoError(t, inst.AddMonitor("qmp", qmp))
	require.NoError(t, inst.AddMonitor("hmp", hmp))
	assert.Error(t, inst.AddMonitor("qmp", qmp), "duplicate names are rejected")

	got, ok := inst.Monitor("hmp")
	require.True(t, ok)
	assert.Same(t, hmp, got)

	primary, err := inst.PrimaryMonitor()
	require.NoError(t, err)
	assert.Same(t, qmp, primary)

	assert.ElementsMatch(t, []string{"qmp", "hmp"}, inst.MonitorNames())
}

func TestInstancePrimaryMonitorMissing(t *testing.T) {
	inst := New("vm0")
	_, err := inst.PrimaryMonitor()
	require.Error(t, err)
}

func TestInstanceRemoveMonitor(t *testing.T) {
	inst := New("vm0")
	qmp := &fakeMonitor{fail: nil}
	hmp := &fakeMonitor{fail: nil}
	require.NoError(t, inst.AddMonitor("qmp", qmp))
	require.NoError(t, inst.AddMonitor("hmp", hmp))

	require.NoError(t, inst.RemoveMonitor("hmp"))
	assert.True(t, hmp.closed)
	assert.False(t, qmp.closed, "only the named connection is removed")

	_, ok := inst.Monitor("hmp")
	assert.False(t, ok)

	// Removing an absent connection is not an error.
	require.NoError(t, inst.RemoveMonitor("hmp"))
}

func TestInstanceCloseMonitors(t *testing.T) {
	inst := New("vm0")
	qmp := &fakeMonitor{fail: nil}
	hmp := &fakeMonitor{fail: nil}
	require.NoError(t, inst.AddMonitor("qmp", qmp))
	require.NoError(t, inst.AddMonitor("hmp", hmp))

	require.NoError(t, inst.CloseMonitors())
	assert.True(t, qmp.closed)
	assert.True(t, hmp.closed)
	assert.Empty(t, inst.MonitorNames())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	a := New("vm-a")
	b := New("vm-b")

	require.NoError(t, reg.Add(a))
	require.NoError(t, reg.Add(b))
	assert.Error(t, reg.Add(New("vm-a")), "duplicate ids are rejected")

	got, ok := reg.Get("vm-a")
	require.True(t, ok)
	assert.Same(t, a, got)

	assert.Len(t, reg.List(), 2)

	reg.Remove("vm-a")
	_, ok = reg.Get("vm-a")
	assert.False(t, ok)
}
