package migration

import (
	"fmt"
	"time"

	"github.com/stackvirt/vmshift/pkg/api"
)

// UnsupportedProtocolError indicates the requested transport is not in the
// supported set. Raised before any side effect.
type UnsupportedProtocolError struct {
	Protocol api.TransportProtocol
}

func (e *UnsupportedProtocolError) Error() string {
	return fmt.Sprintf("migration transport %q not supported", e.Protocol)
}

// MigrationTimeoutError indicates no terminal status was observed within the
// migration budget.
type MigrationTimeoutError struct {
	Timeout    time.Duration
	LastStatus *api.MigrationStatus
}

func (e *MigrationTimeoutError) Error() string {
	last := "unknown"
	if e.LastStatus != nil {
		last = e.LastStatus.Status
	}
	return fmt.Sprintf("migration did not reach a terminal status within %s (last status %q)", e.Timeout, last)
}

// MigrationFailedError indicates the hypervisor reported a terminal "failed"
// status. The last observed diagnostics payload is carried for operators.
type MigrationFailedError struct {
	Status *api.MigrationStatus
}

func (e *MigrationFailedError) Error() string {
	return fmt.Sprintf("migration failed (status payload: %+v)", e.Status)
}
