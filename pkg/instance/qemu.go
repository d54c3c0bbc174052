package instance

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/stackvirt/vmshift/pkg/api"
	"github.com/stackvirt/vmshift/pkg/monitor"
)

// QemuBuilder starts QEMU processes with a per-instance QMP control socket.
// Incoming instances are started with deferred incoming migration; the
// listen URI is activated later over the monitor.
type QemuBuilder struct {
	// Binary is the QEMU executable, e.g. "qemu-system-x86_64".
	Binary string
	// SocketDir holds the per-instance QMP sockets.
	SocketDir string
	// ExtraArgs are appended verbatim (machine type, memory, drives).
	ExtraArgs []string
	Logger    *zap.Logger
}

var _ ProcessBuilder = (*QemuBuilder)(nil)

// SocketPath returns the QMP socket path for an instance.
func (b *QemuBuilder) SocketPath(id string) string {
	return filepath.Join(b.SocketDir, id+".qmp")
}

func (b *QemuBuilder) Build(ctx context.Context, id string, incoming *api.MigrationURI) (ProcessHandle, error) {
	args := []string{
		"-name", id,
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", b.SocketPath(id)),
		"-nographic",
	}
	args = append(args, b.ExtraArgs...)
	if incoming != nil {
		args = append(args, "-incoming", "defer")
	}

	// Deliberately not CommandContext: the VM outlives the request.
	cmd := exec.Command(b.Binary, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s for instance %s: %w", b.Binary, id, err)
	}
	b.Logger.Info("hypervisor process started",
		zap.String("instance", id),
		zap.Int("pid", cmd.Process.Pid),
		zap.Bool("incoming", incoming != nil))

	h := &qemuProcess{cmd: cmd}
	go h.reap()
	return h, nil
}

type qemuProcess struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	exited bool
}

func (p *qemuProcess) reap() {
	_ = p.cmd.Wait()
	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
}

func (p *qemuProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *qemuProcess) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// IsPaused reports guest-CPU pause state, which is tracked over the
// monitor, not at the process level.
func (p *qemuProcess) IsPaused() bool {
	return false
}

func (p *qemuProcess) Kill() error {
	if !p.IsRunning() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// QMPDialer connects the primary control channel over an instance's QMP
// socket.
type QMPDialer struct {
	Builder *QemuBuilder
	Config  monitor.Config
}

func (d *QMPDialer) Dial(ctx context.Context, id string) (monitor.Monitor, error) {
	ep := monitor.Endpoint{Network: "unix", Addr: d.Builder.SocketPath(id)}
	return monitor.ConnectQMP(ctx, id, ep, d.Config)
}
