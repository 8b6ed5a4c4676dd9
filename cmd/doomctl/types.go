// Copyright (C) 2025 doom-coding contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package main provides doomctl, the orchestration and migration engine for the
doom-coding development stack.

The stack is a fixed set of three containerized service roles:

	┌──────────────────┬───────────────────┬─────────────────────────┐
	│ Role             │ Container         │ Purpose                 │
	├──────────────────┼───────────────────┼─────────────────────────┤
	│ code-server      │ doom-code-server  │ web IDE                 │
	│ vpn              │ doom-tailscale    │ VPN sidecar             │
	│ assistant        │ doom-assistant    │ AI assistant            │
	└──────────────────┴───────────────────┴─────────────────────────┘

The engine makes repeated installation attempts safe: it detects what is
already running (a prior install of ours, an unrelated code-server, or an
unrelated process squatting on a port), picks a migration strategy, executes
it, and reports structured results.

# Architecture

	ServiceManager (lifecycle_manager.go)
	    └── Migrator (migrator.go)
	            └── Detector (detector.go)
	                    └── ProcessManager (process_manager.go)

All three share one logging.Logger. Every operation re-detects live system
state; no detection results are cached between calls.
*/
package main

import (
	"time"
)

// =============================================================================
// Service Records
// =============================================================================

// ServiceRole classifies a detected running service.
type ServiceRole string

const (
	// RoleManaged is a container created by this engine (canonical name or
	// management label).
	RoleManaged ServiceRole = "managed"

	// RoleExternalGeneric is an unrelated process or container occupying one
	// of our well-known ports.
	RoleExternalGeneric ServiceRole = "external-generic-service"

	// RoleExternalSameKind is a web IDE of the same kind as ours that we did
	// not install (image or name carries the code-server signature).
	RoleExternalSameKind ServiceRole = "external-same-kind"

	// RoleVPNDaemon is a VPN daemon running directly on the host, not in a
	// container.
	RoleVPNDaemon ServiceRole = "vpn-daemon"
)

// ServiceState is the lifecycle state of a detected or managed service.
type ServiceState string

const (
	StateUnknown   ServiceState = "unknown"
	StateStopped   ServiceState = "stopped"
	StateStarting  ServiceState = "starting"
	StateRunning   ServiceState = "running"
	StateHealthy   ServiceState = "healthy"
	StateUnhealthy ServiceState = "unhealthy"
	StateStopping  ServiceState = "stopping"
)

// ServiceRecord describes one running thing found by a detection pass.
//
// # Description
//
// Records are value objects: a detection pass produces a fresh set and they
// are never mutated afterward. Their lifetime is the call that produced them.
//
// # Assumptions
//
//   - ContainerID is empty for bare processes and host daemons
//   - PID is zero when the owning process could not be identified
type ServiceRecord struct {
	// Name is the container name, process name, or daemon name.
	Name string `json:"name"`

	// Role classifies who owns this service and what kind it is.
	Role ServiceRole `json:"role"`

	// State is the lifecycle state at detection time.
	State ServiceState `json:"state"`

	// ContainerID is the container identity, empty for bare processes.
	ContainerID string `json:"container_id,omitempty"`

	// Image is the container image, empty for bare processes.
	Image string `json:"image,omitempty"`

	// Port is the bound host port, zero if none was observed.
	Port int `json:"port,omitempty"`

	// Protocol is "tcp" or "udp", empty when Port is zero.
	Protocol string `json:"protocol,omitempty"`

	// PID is the owning process id, zero if unknown.
	PID int `json:"pid,omitempty"`

	// ProcessName is the owning process name, empty if unknown.
	ProcessName string `json:"process_name,omitempty"`

	// Version is a best-effort version string (image tag, daemon version).
	Version string `json:"version,omitempty"`

	// Managed is true when this engine installed the service.
	Managed bool `json:"managed"`

	// Labels carries the container labels, nil for non-container records.
	Labels map[string]string `json:"labels,omitempty"`
}

// IsRunning reports whether the record was observed in a running-ish state.
func (r ServiceRecord) IsRunning() bool {
	switch r.State {
	case StateRunning, StateHealthy, StateStarting, StateUnhealthy:
		return true
	}
	return false
}

// =============================================================================
// Port Conflicts
// =============================================================================

// PortConflict describes a requested port that is not free.
//
// Derived per detection pass, read-only.
type PortConflict struct {
	// Port is the requested host port.
	Port int `json:"port"`

	// Protocol is "tcp" or "udp".
	Protocol string `json:"protocol"`

	// Role is the service role that requested the port.
	Role string `json:"role"`

	// Occupier is the detected record holding the port, nil when the
	// occupier could not be identified.
	Occupier *ServiceRecord `json:"occupier,omitempty"`

	// AutoResolvable is true when the engine can proceed without user input
	// (upgrade in place, or an alternate port suggestion).
	AutoResolvable bool `json:"auto_resolvable"`

	// SuggestedPort is the alternate port for auto-resolution, zero meaning
	// "let the OS choose".
	SuggestedPort int `json:"suggested_port,omitempty"`

	// Resolution is a human-readable hint for resolving the conflict.
	Resolution string `json:"resolution"`
}

// =============================================================================
// Migration Plans
// =============================================================================

// MigrationStrategy is the engine's classification of an install attempt.
type MigrationStrategy string

const (
	// StrategyFresh is a clean install: nothing relevant is running.
	StrategyFresh MigrationStrategy = "fresh"

	// StrategyUpgrade replaces a prior install of ours in place.
	StrategyUpgrade MigrationStrategy = "upgrade"

	// StrategyMigrateExternal imports data from a code-server we did not
	// install, then replaces it.
	StrategyMigrateExternal MigrationStrategy = "migrate-external"

	// StrategyParallel installs alongside unrelated port occupiers on
	// alternate ports.
	StrategyParallel MigrationStrategy = "parallel"
)

// ActionType identifies one migration step.
type ActionType string

const (
	ActionBackup      ActionType = "backup"
	ActionStop        ActionType = "stop"
	ActionPull        ActionType = "pull"
	ActionRemove      ActionType = "remove"
	ActionMigrateData ActionType = "migrate-data"
	ActionStart       ActionType = "start"
)

// MigrationAction is one ordered step of a MigrationPlan.
type MigrationAction struct {
	// Order is the 1-based execution position. Actions execute in ascending
	// order and execution halts at the first failure.
	Order int `json:"order"`

	// Type selects the dispatch behavior in Migrator.Execute.
	Type ActionType `json:"type"`

	// Target is the container name, volume name, or path the action acts on.
	Target string `json:"target"`

	// Description is a human-readable summary shown in the plan summary.
	Description string `json:"description"`

	// Reversible marks actions that Rollback may attempt to undo.
	// stop/backup/start are reversible; pull and migrate-data are not.
	Reversible bool `json:"reversible"`
}

// MigrationPlan is the Migrator's decision for one install attempt.
//
// # Description
//
// A plan is computed from a single detection snapshot and is immutable once
// produced. Actions are numbered and must execute in ascending order.
type MigrationPlan struct {
	// ID correlates the plan with results and log entries.
	ID string `json:"id"`

	// Strategy is the selected migration strategy.
	Strategy MigrationStrategy `json:"strategy"`

	// Detected is the snapshot of records the plan was computed from.
	Detected []ServiceRecord `json:"detected"`

	// Actions is the ordered step list.
	Actions []MigrationAction `json:"actions"`

	// ResolvedPorts maps role name to the port the stack will actually use.
	ResolvedPorts map[string]int `json:"resolved_ports"`

	// Warnings are free-text notes for the caller to render.
	Warnings []string `json:"warnings,omitempty"`

	// RequiresConfirm is true when the plan must not execute without
	// explicit user confirmation (migrate-external).
	RequiresConfirm bool `json:"requires_confirm"`

	// CreatedAt is when the plan was computed.
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// Migration Results
// =============================================================================

// ActionResult is the outcome of executing one MigrationAction.
type ActionResult struct {
	Action   MigrationAction `json:"action"`
	Success  bool            `json:"success"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// MigrationResult is the outcome of executing a MigrationPlan.
//
// Immutable once produced. A failed plan still carries the results of every
// action completed before the failure.
type MigrationResult struct {
	PlanID     string            `json:"plan_id"`
	Strategy   MigrationStrategy `json:"strategy"`
	Success    bool              `json:"success"`
	DryRun     bool              `json:"dry_run"`
	Actions    []ActionResult    `json:"actions"`
	BackupPath string            `json:"backup_path,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// =============================================================================
// Lifecycle Results
// =============================================================================

// ServiceStatus is the per-role outcome of a lifecycle operation.
type ServiceStatus struct {
	// Name is the role name (code-server, vpn, assistant).
	Name string `json:"name"`

	// ContainerName is the canonical container for the role.
	ContainerName string `json:"container_name"`

	// State is the classified lifecycle state.
	State ServiceState `json:"state"`

	// Port is the resolved host port for the role, zero if none.
	Port int `json:"port,omitempty"`

	// HealthURL is the probe URL for roles that expose one.
	HealthURL string `json:"health_url,omitempty"`

	// Error describes why the role is not healthy, empty on success.
	Error string `json:"error,omitempty"`
}

// StartupResult is the outcome of ServiceManager.Start.
type StartupResult struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	Duration   time.Duration   `json:"duration"`
	Success    bool            `json:"success"`
	Services   []ServiceStatus `json:"services"`
	AccessURLs []string        `json:"access_urls,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
}

// ShutdownResult is the outcome of ServiceManager.Stop.
type ShutdownResult struct {
	ID        string        `json:"id"`
	StoppedAt time.Time     `json:"stopped_at"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Stopped   []string      `json:"stopped,omitempty"`
	Errors    []string      `json:"errors,omitempty"`
}
