package migration

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/lithammer/shortuuid"
)

// allocateTCPPort reserves an ephemeral port by binding it and immediately
// releasing it. The hypervisor rebinds the port itself; the small window in
// between is the same race every ephemeral-port allocator has.
func allocateTCPPort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("allocating ephemeral port: %w", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, fmt.Errorf("releasing ephemeral port %d: %w", port, err)
	}
	return port, nil
}

// privateSocketPath generates a fresh unix socket path for an incoming
// migration stream.
func privateSocketPath(instanceID string) string {
	name := fmt.Sprintf("vmshift-incoming-%s-%s.sock", instanceID, shortuuid.New())
	return filepath.Join(os.TempDir(), name)
}
