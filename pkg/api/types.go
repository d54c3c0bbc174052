package api

// Types shared between the per-host agent, the migration task, and callers.
//
// Everything here is JSON-serializable; these are the payloads that cross the
// host boundary when one agent drives a migration phase on its peer.

import (
	"fmt"
)

// TransportProtocol is the transport used for the memory-state stream between
// the source and destination hypervisors.
type TransportProtocol string

const (
	TransportTCP  TransportProtocol = "tcp"
	TransportRDMA TransportProtocol = "rdma"
	// TransportRDMAExperimental is the experimental spelling of rdma, still
	// emitted by hypervisors that predate its stabilization.
	TransportRDMAExperimental TransportProtocol = "x-rdma"
	TransportUnix             TransportProtocol = "unix"
	TransportFD               TransportProtocol = "fd"
)

// MigrationURI describes the endpoint the destination listens on and the
// source dials. Address and Port may be empty/zero in a request, in which
// case the destination allocates them during prepare.
type MigrationURI struct {
	Protocol TransportProtocol `json:"protocol"`
	Address  string            `json:"address,omitempty"`
	Port     int               `json:"port,omitempty"`
}

// String renders the URI the way the hypervisor's migrate command expects it.
func (u MigrationURI) String() string {
	switch u.Protocol {
	case TransportUnix:
		return fmt.Sprintf("unix:%s", u.Address)
	case TransportFD:
		return fmt.Sprintf("fd:%s", u.Address)
	default:
		return fmt.Sprintf("%s:%s:%d", u.Protocol, u.Address, u.Port)
	}
}

// MigrationFlag is an abstract toggle requested by the operator; the phase
// handlers translate flags into hypervisor capabilities where needed.
type MigrationFlag string

const (
	FlagLive          MigrationFlag = "live"
	FlagOffline       MigrationFlag = "offline"
	FlagNonSharedDisk MigrationFlag = "non-shared-disk"
	FlagAutoConverge  MigrationFlag = "auto-converge"
	FlagPostcopy      MigrationFlag = "postcopy"
)

// MigrationParams is the value object passed between migration phases. It is
// built once by the operator request and not mutated by the handlers.
type MigrationParams struct {
	InstanceID string          `json:"instanceId"`
	Flags      []MigrationFlag `json:"flags,omitempty"`
	URI        MigrationURI    `json:"uri"`

	// Capabilities and Parameters are applied on both ends before the data
	// transfer starts. Keys are abstract names; the experimental-prefix
	// fallback is applied per name on each host.
	Capabilities map[string]bool  `json:"capabilities,omitempty"`
	Parameters   map[string]int64 `json:"parameters,omitempty"`

	// MigrateDisks is set only when non-shared-disk storage migration is
	// requested.
	MigrateDisks []string `json:"migrateDisks,omitempty"`

	// TimeoutSeconds is the overall perform-phase budget. Zero means the
	// default (one hour).
	TimeoutSeconds int64 `json:"timeoutSeconds,omitempty"`
}

// HasFlag reports whether f was requested.
func (p *MigrationParams) HasFlag(f MigrationFlag) bool {
	for _, have := range p.Flags {
		if have == f {
			return true
		}
	}
	return false
}

// PrepareResult is returned by the destination's prepare handler so the
// source knows what to dial.
type PrepareResult struct {
	URI MigrationURI `json:"uri"`
	// NBDPort is the destination's storage-transfer listener port, set only
	// when non-shared-disk migration was requested.
	NBDPort int `json:"nbdPort,omitempty"`
}

// MigrationStatus is the diagnostics payload read back from the hypervisor's
// migration status query.
//
// The byte counters are int64 on purpose: transferred/remaining/total
// routinely exceed the 32-bit signed range, and some RPC transports reject
// serialized integers wider than that, so callers forwarding this payload
// must keep the fields 64-bit end to end.
type MigrationStatus struct {
	Status string `json:"status"`

	TotalTimeMs int64 `json:"total-time,omitempty"`
	SetupTimeMs int64 `json:"setup-time,omitempty"`
	DowntimeMs  int64 `json:"downtime,omitempty"`

	RAM *MigrationRAMStatus `json:"ram,omitempty"`
}

// MigrationRAMStatus carries the memory-stream progress counters.
type MigrationRAMStatus struct {
	Transferred int64 `json:"transferred"`
	Remaining   int64 `json:"remaining"`
	Total       int64 `json:"total"`
	Duplicate   int64 `json:"duplicate,omitempty"`
	Normal      int64 `json:"normal,omitempty"`
	NormalBytes int64 `json:"normal-bytes,omitempty"`
}

// Migration status strings, as reported by the hypervisor.
const (
	StatusNone          = "none"
	StatusSetup         = "setup"
	StatusActive        = "active"
	StatusPreSwitchover = "pre-switchover"
	StatusCompleted     = "completed"
	StatusFailed        = "failed"
	StatusCancelled     = "cancelled"
)

// IsTerminalStatus reports whether s is one of the statuses after which the
// hypervisor will make no further progress.
func IsTerminalStatus(s string) bool {
	switch s {
	case StatusNone, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// PerformResult is returned by the source's perform handler and forwarded to
// the destination's finish handler.
type PerformResult struct {
	Success bool             `json:"success"`
	Status  *MigrationStatus `json:"status,omitempty"`
}

// FinishResult is returned by the destination's finish handler and forwarded
// to the source's confirm handler.
type FinishResult struct {
	Success bool             `json:"success"`
	Status  *MigrationStatus `json:"status,omitempty"`
}
