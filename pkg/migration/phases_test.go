package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/stackvirt/vmshift/pkg/api"
	"github.com/stackvirt/vmshift/pkg/instance"
	"github.com/stackvirt/vmshift/pkg/monitor"
)

// fakeMonitor emulates the hypervisor's migration-related command surface
// well enough for the phase handlers: capability/parameter state is held and
// mutated, and query-migrate walks a scripted status sequence.
type fakeMonitor struct {
	mu          sync.Mutex
	calls       []string
	lastArgs    map[string]map[string]any
	capStates   map[string]bool
	paramValues map[string]any
	statuses    []string
	statusIdx   int
	runStatus   monitor.InstanceStatus
	fail        map[string]error
	setCaps     int
	setParams   int
	closed      bool
}

var _ monitor.Monitor = (*fakeMonitor)(nil)

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		calls:       nil,
		lastArgs:    make(map[string]map[string]any),
		capStates:   make(map[string]bool),
		paramValues: make(map[string]any),
		statuses:    nil,
		statusIdx:   0,
		runStatus:   monitor.InstanceStatus{Running: true, Status: "running"},
		fail:        make(map[string]error),
		setCaps:     0,
		setParams:   0,
		closed:      false,
	}
}

func (f *fakeMonitor) Name() string             { return "fake/qmp" }
func (f *fakeMonitor) Variant() monitor.Variant { return monitor.VariantQMP }

func (f *fakeMonitor) Run(_ context.Context, cmd string, args map[string]any, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	f.lastArgs[cmd] = args
	if err := f.fail[cmd]; err != nil {
		return nil, err
	}

	switch cmd {
	case "query-migrate":
		status := ""
		if len(f.statuses) > 0 {
			status = f.statuses[f.statusIdx]
			if f.statusIdx < len(f.statuses)-1 {
				f.statusIdx++
			}
		}
		return json.Marshal(map[string]any{"status": status})
	case "query-migrate-capabilities":
		list := make([]map[string]any, 0, len(f.capStates))
		for name, state := range f.capStates {
			list = append(list, map[string]any{"capability": name, "state": state})
		}
		return json.Marshal(list)
	case "migrate-set-capabilities":
		f.setCaps++
		for _, entry := range args["capabilities"].([]map[string]any) {
			f.capStates[entry["capability"].(string)] = entry["state"].(bool)
		}
		return []byte("{}"), nil
	case "query-migrate-parameters":
		return json.Marshal(f.paramValues)
	case "migrate-set-parameters":
		f.setParams++
		for name, value := range args {
			f.paramValues[name] = value
		}
		return []byte("{}"), nil
	case "query-status":
		return json.Marshal(f.runStatus)
	default:
		return []byte("{}"), nil
	}
}

func (f *fakeMonitor) HasCommand(_ context.Context, _ string) (bool, error) { return true, nil }

func (f *fakeMonitor) ResolveCommand(_ context.Context, name string) (string, error) {
	return name, nil
}

func (f *fakeMonitor) MigrationCapabilityNames(_ context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make(map[string]struct{}, len(f.capStates))
	for name := range f.capStates {
		names[name] = struct{}{}
	}
	return names, nil
}

func (f *fakeMonitor) MigrationParameterNames(_ context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make(map[string]struct{}, len(f.paramValues))
	for name := range f.paramValues {
		names[name] = struct{}{}
	}
	return names, nil
}

func (f *fakeMonitor) Events(_ bool) []monitor.Event { return nil }
func (f *fakeMonitor) ClearEvents()                  {}
func (f *fakeMonitor) ClearEventsNamed(_ string)     {}
func (f *fakeMonitor) WaitEvent(_ context.Context, _ string, _ time.Duration) (*monitor.Event, error) {
	return nil, fmt.Errorf("fake monitor has no events")
}

func (f *fakeMonitor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeMonitor) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeMonitor) argsFor(cmd string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastArgs[cmd]
}

func (f *fakeMonitor) capState(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.capStates[name]
}

type fakeProcess struct {
	mu      sync.Mutex
	running bool
	killed  bool
}

func (p *fakeProcess) Pid() int       { return 4242 }
func (p *fakeProcess) IsPaused() bool { return false }

func (p *fakeProcess) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	p.running = false
	return nil
}

type fakeBuilder struct {
	mu       sync.Mutex
	err      error
	incoming *api.MigrationURI
	lastProc *fakeProcess
}

func (b *fakeBuilder) Build(_ context.Context, _ string, incoming *api.MigrationURI) (instance.ProcessHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.incoming = incoming
	if b.err != nil {
		return nil, b.err
	}
	b.lastProc = &fakeProcess{running: true}
	return b.lastProc, nil
}

type fakeDialer struct {
	mon monitor.Monitor
	err error
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (monitor.Monitor, error) {
	return d.mon, d.err
}

type testEnv struct {
	registry  *instance.Registry
	lifecycle *instance.Manager
	builder   *fakeBuilder
	mon       *fakeMonitor
	ctrl      *PhaseController
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mon := newFakeMonitor()
	builder := &fakeBuilder{}
	registry := instance.NewRegistry()
	lifecycle := instance.NewManager(logger, builder)
	ctrl := NewPhaseController(logger, registry, lifecycle, &fakeDialer{mon: mon}, nil, Config{
		AdvertiseAddr:  "10.0.0.1",
		PollInterval:   5 * time.Millisecond,
		DefaultTimeout: 250 * time.Millisecond,
	})
	return &testEnv{
		registry:  registry,
		lifecycle: lifecycle,
		builder:   builder,
		mon:       mon,
		ctrl:      ctrl,
	}
}

// sourceInstance registers a running instance with the fake monitor attached,
// the situation the source-side handlers expect.
func (e *testEnv) sourceInstance(t *testing.T, id string) *instance.Instance {
	t.Helper()
	inst := instance.New(id)
	require.NoError(t, e.lifecycle.Start(context.Background(), inst, nil))
	require.NoError(t, inst.AddMonitor(instance.PrimaryChannel, e.mon))
	require.NoError(t, e.registry.Add(inst))
	return inst
}

func tcpParams(id string) api.MigrationParams {
	return api.MigrationParams{
		InstanceID: id,
		URI:        api.MigrationURI{Protocol: api.TransportTCP},
	}
}

func TestPrepareRejectsUnknownTransport(t *testing.T) {
	env := newTestEnv(t)
	params := api.MigrationParams{
		InstanceID: "vm1",
		URI:        api.MigrationURI{Protocol: "carrier-pigeon"},
	}

	_, err := env.ctrl.Prepare(context.Background(), params)
	var protoErr *UnsupportedProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, api.TransportProtocol("carrier-pigeon"), protoErr.Protocol)

	_, ok := env.registry.Get("vm1")
	assert.False(t, ok, "validation failures leave no side effects")
}

func TestPrepareAllocatesListenEndpoint(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.ctrl.Prepare(context.Background(), tcpParams("vm1"))
	require.NoError(t, err)
	assert.Equal(t, api.TransportTCP, result.URI.Protocol)
	assert.Equal(t, "10.0.0.1", result.URI.Address)
	assert.NotZero(t, result.URI.Port)
	assert.Zero(t, result.NBDPort)

	inst, ok := env.registry.Get("vm1")
	require.True(t, ok)
	assert.Equal(t, instance.StateRunning, inst.State())
	require.NotNil(t, env.builder.incoming, "instance starts in incoming mode")

	assert.Contains(t, env.mon.commands(), "migrate-incoming")
	assert.Equal(t, result.URI.String(), env.mon.argsFor("migrate-incoming")["uri"])
}

func TestPrepareUnixSocket(t *testing.T) {
	env := newTestEnv(t)
	params := api.MigrationParams{
		InstanceID: "vm1",
		URI:        api.MigrationURI{Protocol: api.TransportUnix},
	}

	result, err := env.ctrl.Prepare(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, api.TransportUnix, result.URI.Protocol)
	assert.NotEmpty(t, result.URI.Address)
	assert.Contains(t, result.URI.String(), "unix:")
}

func TestPrepareStartsStorageListener(t *testing.T) {
	env := newTestEnv(t)
	params := tcpParams("vm1")
	params.Flags = []api.MigrationFlag{api.FlagNonSharedDisk}
	params.MigrateDisks = []string{"drive0", "drive1"}

	result, err := env.ctrl.Prepare(context.Background(), params)
	require.NoError(t, err)
	assert.NotZero(t, result.NBDPort)

	cmds := env.mon.commands()
	assert.Contains(t, cmds, "nbd-server-start")
	exports := 0
	for _, cmd := range cmds {
		if cmd == "nbd-server-add" {
			exports++
		}
	}
	assert.Equal(t, 2, exports)
}

func TestPrepareRollsBackOnIncomingFailure(t *testing.T) {
	env := newTestEnv(t)
	env.mon.capStates["auto-converge"] = false
	env.mon.fail["migrate-incoming"] = &monitor.CommandError{Cmd: "migrate-incoming", Desc: "nope"}

	params := tcpParams("vm1")
	params.Capabilities = map[string]bool{"auto-converge": true}

	_, err := env.ctrl.Prepare(context.Background(), params)
	require.Error(t, err)

	_, ok := env.registry.Get("vm1")
	assert.False(t, ok, "the half-prepared instance is deregistered")
	assert.True(t, env.builder.lastProc.killed)
	assert.True(t, env.mon.closed)
	assert.False(t, env.mon.capState("auto-converge"), "capability snapshot restored")
	assert.Equal(t, 2, env.mon.setCaps, "one apply, one restore")
}

func TestPerformCompleted(t *testing.T) {
	env := newTestEnv(t)
	env.sourceInstance(t, "vm1")
	env.mon.capStates["auto-converge"] = false
	env.mon.statuses = []string{"setup", "active", "completed"}

	params := tcpParams("vm1")
	params.Capabilities = map[string]bool{"auto-converge": true}
	dest := api.PrepareResult{URI: api.MigrationURI{Protocol: api.TransportTCP, Address: "10.0.0.2", Port: 4444}}

	result, err := env.ctrl.Perform(context.Background(), params, dest)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, api.StatusCompleted, result.Status.Status)

	assert.Equal(t, "tcp:10.0.0.2:4444", env.mon.argsFor("migrate")["uri"])
	assert.True(t, env.mon.capState("auto-converge"), "applied state is kept on success")
	assert.Equal(t, 1, env.mon.setCaps)
}

func TestPerformContinuesAtPreSwitchover(t *testing.T) {
	env := newTestEnv(t)
	env.sourceInstance(t, "vm1")
	env.mon.statuses = []string{"active", "pre-switchover", "completed"}

	result, err := env.ctrl.Perform(context.Background(), tcpParams("vm1"),
		api.PrepareResult{URI: api.MigrationURI{Protocol: api.TransportTCP, Address: "10.0.0.2", Port: 4444}})
	require.NoError(t, err)
	assert.True(t, result.Success)

	assert.Contains(t, env.mon.commands(), "migrate-continue")
	assert.Equal(t, api.StatusPreSwitchover, env.mon.argsFor("migrate-continue")["state"])
}

func TestPerformFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	inst := env.sourceInstance(t, "vm1")
	env.mon.capStates["auto-converge"] = false
	env.mon.statuses = []string{"active", "failed"}

	params := tcpParams("vm1")
	params.Capabilities = map[string]bool{"auto-converge": true}

	_, err := env.ctrl.Perform(context.Background(), params,
		api.PrepareResult{URI: api.MigrationURI{Protocol: api.TransportTCP, Address: "10.0.0.2", Port: 4444}})
	var failedErr *MigrationFailedError
	require.ErrorAs(t, err, &failedErr)

	assert.Equal(t, instance.StateStopped, inst.State())
	assert.True(t, env.builder.lastProc.killed)
	assert.False(t, env.mon.capState("auto-converge"), "capability snapshot restored")
}

func TestPerformCancelledIsNotAnError(t *testing.T) {
	env := newTestEnv(t)
	inst := env.sourceInstance(t, "vm1")
	env.mon.capStates["auto-converge"] = false
	env.mon.statuses = []string{"active", "cancelled"}

	params := tcpParams("vm1")
	params.Capabilities = map[string]bool{"auto-converge": true}

	result, err := env.ctrl.Perform(context.Background(), params,
		api.PrepareResult{URI: api.MigrationURI{Protocol: api.TransportTCP, Address: "10.0.0.2", Port: 4444}})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, api.StatusCancelled, result.Status.Status)

	assert.Equal(t, instance.StateRunning, inst.State(), "the source keeps running after a cancel")
	assert.False(t, env.builder.lastProc.killed)
	assert.False(t, env.mon.capState("auto-converge"), "capability snapshot still restored")
}

func TestPerformTimeout(t *testing.T) {
	env := newTestEnv(t)
	inst := env.sourceInstance(t, "vm1")
	env.mon.statuses = []string{"active"}

	params := tcpParams("vm1")
	params.TimeoutSeconds = 0 // 250ms default from the test config

	_, err := env.ctrl.Perform(context.Background(), params,
		api.PrepareResult{URI: api.MigrationURI{Protocol: api.TransportTCP, Address: "10.0.0.2", Port: 4444}})
	var timeoutErr *MigrationTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.NotNil(t, timeoutErr.LastStatus)
	assert.Equal(t, api.StatusActive, timeoutErr.LastStatus.Status)
	assert.Equal(t, instance.StateStopped, inst.State())
}

func TestPerformStorageMigrationMirrorsDisks(t *testing.T) {
	env := newTestEnv(t)
	env.sourceInstance(t, "vm1")
	env.mon.statuses = []string{"active", "completed"}

	params := tcpParams("vm1")
	params.Flags = []api.MigrationFlag{api.FlagNonSharedDisk}
	params.MigrateDisks = []string{"drive0"}
	dest := api.PrepareResult{
		URI:     api.MigrationURI{Protocol: api.TransportTCP, Address: "10.0.0.2", Port: 4444},
		NBDPort: 10809,
	}

	result, err := env.ctrl.Perform(context.Background(), params, dest)
	require.NoError(t, err)
	assert.True(t, result.Success)

	mirror := env.mon.argsFor("drive-mirror")
	require.NotNil(t, mirror)
	assert.Equal(t, "drive0", mirror["device"])
	assert.Equal(t, "nbd:10.0.0.2:10809:exportname=drive0", mirror["target"])
	assert.Contains(t, env.mon.commands(), "block-job-cancel")
}

func TestCancelObservesCancelledStatus(t *testing.T) {
	env := newTestEnv(t)
	env.sourceInstance(t, "vm1")
	env.mon.statuses = []string{"active", "cancelled"}

	cancelled, err := env.ctrl.Cancel(context.Background(), tcpParams("vm1"), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.Contains(t, env.mon.commands(), "migrate_cancel")
}

func TestCancelTooLate(t *testing.T) {
	env := newTestEnv(t)
	env.sourceInstance(t, "vm1")
	env.mon.statuses = []string{"completed"}

	cancelled, err := env.ctrl.Cancel(context.Background(), tcpParams("vm1"), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelRetriesTransientErrors(t *testing.T) {
	env := newTestEnv(t)
	env.sourceInstance(t, "vm1")
	env.mon.statuses = []string{"active", "cancelled"}
	env.mon.fail["migrate_cancel"] = &monitor.CommandError{Cmd: "migrate_cancel", Desc: "busy"}

	// The cancel command keeps failing but the status lands on cancelled
	// anyway (e.g. the hypervisor acted on an earlier attempt).
	cancelled, err := env.ctrl.Cancel(context.Background(), tcpParams("vm1"), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestFinishSuccessResumesDestination(t *testing.T) {
	env := newTestEnv(t)
	env.sourceInstance(t, "vm1")
	env.mon.statuses = []string{"completed"}
	env.mon.runStatus = monitor.InstanceStatus{Running: false, Status: "inmigrate"}

	result, err := env.ctrl.Finish(context.Background(), tcpParams("vm1"),
		api.PerformResult{Success: true, Status: &api.MigrationStatus{Status: api.StatusCompleted}})
	require.NoError(t, err)
	assert.True(t, result.Success)

	assert.Contains(t, env.mon.commands(), "cont")
	assert.True(t, env.mon.closed, "migration-era connections are released")

	_, ok := env.registry.Get("vm1")
	assert.True(t, ok, "the migrated-in instance stays registered")
}

func TestFinishFailureTearsDownDestination(t *testing.T) {
	env := newTestEnv(t)
	inst := env.sourceInstance(t, "vm1")
	params := tcpParams("vm1")
	params.Flags = []api.MigrationFlag{api.FlagNonSharedDisk}
	params.MigrateDisks = []string{"drive0"}

	result, err := env.ctrl.Finish(context.Background(), params, api.PerformResult{Success: false, Status: nil})
	require.NoError(t, err)
	assert.False(t, result.Success)

	assert.Contains(t, env.mon.commands(), "nbd-server-stop")
	assert.True(t, env.builder.lastProc.killed)
	assert.Equal(t, instance.StateStopped, inst.State())

	_, ok := env.registry.Get("vm1")
	assert.False(t, ok)
}

func TestConfirmSuccessReleasesSource(t *testing.T) {
	env := newTestEnv(t)
	inst := env.sourceInstance(t, "vm1")
	env.mon.statuses = []string{"completed"}

	err := env.ctrl.Confirm(context.Background(), tcpParams("vm1"),
		api.FinishResult{Success: true, Status: nil})
	require.NoError(t, err)

	assert.Equal(t, instance.StateStopped, inst.State())
	assert.True(t, env.builder.lastProc.killed)
	_, ok := env.registry.Get("vm1")
	assert.False(t, ok)
}

func TestConfirmFailureRecoversSource(t *testing.T) {
	env := newTestEnv(t)
	inst := env.sourceInstance(t, "vm1")
	env.mon.runStatus = monitor.InstanceStatus{Running: false, Status: "postmigrate"}

	err := env.ctrl.Confirm(context.Background(), tcpParams("vm1"),
		api.FinishResult{Success: false, Status: nil})
	require.NoError(t, err)

	assert.Contains(t, env.mon.commands(), "cont")
	assert.Equal(t, instance.StateRunning, inst.State())
	_, ok := env.registry.Get("vm1")
	assert.True(t, ok, "the source remains authoritative")
}

func TestResumeReleasesPreSwitchoverHold(t *testing.T) {
	env := newTestEnv(t)
	env.sourceInstance(t, "vm1")

	require.NoError(t, env.ctrl.Resume(context.Background(), tcpParams("vm1")))
	assert.Equal(t, api.StatusPreSwitchover, env.mon.argsFor("migrate-continue")["state"])
}
