// Copyright (C) 2025 doom-coding contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/LL4nc33/doom-coding/cmd/doomctl/config"
	"github.com/LL4nc33/doom-coding/pkg/logging"
)

// =============================================================================
// Detector
// =============================================================================

// Detector finds services already present on the host before the stack is
// started.
//
// # Description
//
// Detection is the union of three independent probes:
//
//  1. Container inventory: every container instance, matched by canonical
//     name or the management label, plus any unmanaged container whose
//     image or name carries the code-server signature.
//  2. Port probes: each well-known port is bind-tested; occupied ports are
//     attributed to their owning process via the socket table, falling
//     back to a process-table scan.
//  3. Host VPN daemon: the tailscale client's structured status output.
//
// Each probe degrades independently: a probe that fails logs a warning and
// contributes nothing. Detection never fails the caller.
//
// # Thread Safety
//
// Detector holds no mutable state; every call produces a fresh snapshot.
// Safe for concurrent use.
type Detector struct {
	pm     ProcessManager
	cfg    config.Config
	logger *logging.Logger

	// portProbe is the bind test, replaceable in tests.
	portProbe func(port int) bool
}

// NewDetector creates a Detector.
func NewDetector(pm ProcessManager, cfg config.Config, logger *logging.Logger) *Detector {
	return &Detector{pm: pm, cfg: cfg, logger: logger, portProbe: bindProbe}
}

// DetectExistingServices returns a deduplicated snapshot of relevant
// services currently present on the host.
//
// # Description
//
// Runs the three probes in order and merges their records. The
// deduplication key is (role, container id, port), or (role, port, pid)
// for records without a container identity; the first record seen for a
// key wins, so container inventory takes precedence over port probes.
//
// # Outputs
//
//   - []ServiceRecord: Snapshot, possibly empty, never nil
//
// # Limitations
//
//   - A probe failure silently omits that probe's records (logged at
//     warning level). Callers cannot distinguish "nothing there" from
//     "could not look".
func (d *Detector) DetectExistingServices(ctx context.Context) []ServiceRecord {
	var records []ServiceRecord

	if containers, err := d.detectContainers(ctx); err != nil {
		d.logger.Warn("container detection degraded", "error", err.Error())
	} else {
		records = append(records, containers...)
	}

	records = append(records, d.detectPortOccupiers(ctx)...)

	if vpn, err := d.detectHostVPN(ctx); err != nil {
		d.logger.Debug("host vpn probe failed", "error", err.Error())
	} else if vpn != nil {
		records = append(records, *vpn)
	}

	return dedupeRecords(records)
}

// CheckPortConflicts reports, for each requested (role, port) pair, whether
// the port is taken and how the conflict can be resolved.
//
// # Description
//
// Runs a detection pass, indexes ports held by currently-running records,
// and classifies each conflicted request:
//
//   - occupier is self-managed: auto-resolvable, upgrade in place
//   - occupier is a same-kind external service: auto-resolvable with a
//     suggested alternate port
//   - anything else: not auto-resolvable; the occupier is named so the
//     user can decide
//
// Suggested ports prefer the requested port if it has freed up, then the
// first free port in the configured scan range, then 0 ("let the OS
// choose").
//
// # Inputs
//
//   - ctx: Context for cancellation
//   - targetPorts: Role name to requested host port
//
// # Outputs
//
//   - []PortConflict: One entry per conflicted request, empty when all
//     requested ports are available
func (d *Detector) CheckPortConflicts(ctx context.Context, targetPorts map[string]int) []PortConflict {
	detected := d.DetectExistingServices(ctx)

	occupied := make(map[int]*ServiceRecord)
	for i := range detected {
		rec := &detected[i]
		if rec.Port == 0 || !rec.IsRunning() {
			continue
		}
		if _, ok := occupied[rec.Port]; !ok {
			occupied[rec.Port] = rec
		}
	}

	var conflicts []PortConflict
	for _, role := range sortedRoles(targetPorts) {
		port := targetPorts[role]
		occupier, held := occupied[port]
		if !held && d.isPortFree(port) {
			continue
		}

		// The bind probe is TCP-only, so conflicts are always reported as
		// tcp. A UDP-only occupier of the vpn port is invisible here and
		// surfaces later as a container start failure.
		conflict := PortConflict{
			Port:     port,
			Protocol: "tcp",
			Role:     role,
			Occupier: occupier,
		}

		switch {
		case occupier != nil && occupier.Managed:
			conflict.AutoResolvable = true
			conflict.SuggestedPort = port
			conflict.Resolution = "upgrade in place"
		case occupier != nil && occupier.Role == RoleExternalSameKind:
			conflict.AutoResolvable = true
			conflict.SuggestedPort = d.suggestPort(port)
			conflict.Resolution = fmt.Sprintf("use alternate port %d", conflict.SuggestedPort)
		default:
			name := "unknown process"
			if occupier != nil && occupier.Name != "" {
				name = occupier.Name
			}
			conflict.Resolution = fmt.Sprintf("port %d is held by %s; stop it or change the %s port", port, name, role)
		}

		conflicts = append(conflicts, conflict)
	}

	return conflicts
}

// -----------------------------------------------------------------------------
// Probe 1: container inventory
// -----------------------------------------------------------------------------

// podmanPort mirrors one entry of `podman ps --format json` Ports.
type podmanPort struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol"`
}

// podmanContainer mirrors the fields we need from `podman ps --format json`.
// Unknown fields are ignored so podman version drift does not break parsing.
type podmanContainer struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	Image  string            `json:"Image"`
	State  string            `json:"State"`
	Labels map[string]string `json:"Labels"`
	Ports  []podmanPort      `json:"Ports"`
	Pid    int               `json:"Pid"`
}

// detectContainers enumerates all containers and keeps the ones that are
// ours or look like a code-server.
func (d *Detector) detectContainers(ctx context.Context) ([]ServiceRecord, error) {
	output, err := d.pm.Run(ctx, "podman", "ps", "-a", "--format", "json")
	if err != nil {
		return nil, fmt.Errorf("podman ps: %w", err)
	}

	var containers []podmanContainer
	if err := json.Unmarshal(output, &containers); err != nil {
		return nil, fmt.Errorf("parse podman ps output: %w", err)
	}

	canonical := make(map[string]bool)
	for _, name := range d.cfg.CanonicalNames() {
		canonical[name] = true
	}
	signature := d.cfg.Stack.SameKindSignature

	var records []ServiceRecord
	for _, c := range containers {
		name := firstName(c.Names)
		if name == "" {
			continue
		}

		managed := canonical[name] || c.Labels[config.ManagedLabel] == "true"
		sameKind := !managed && (strings.Contains(c.Image, signature) || strings.Contains(name, signature))
		if !managed && !sameKind {
			continue
		}

		role := RoleManaged
		if sameKind {
			role = RoleExternalSameKind
		}

		rec := ServiceRecord{
			Name:        name,
			Role:        role,
			State:       containerState(c.State),
			ContainerID: c.ID,
			Image:       c.Image,
			PID:         c.Pid,
			Version:     imageTag(c.Image),
			Managed:     managed,
			Labels:      c.Labels,
		}
		if len(c.Ports) > 0 {
			rec.Port = c.Ports[0].HostPort
			rec.Protocol = c.Ports[0].Protocol
			if rec.Protocol == "" {
				rec.Protocol = "tcp"
			}
		}

		records = append(records, rec)
	}

	return records, nil
}

// containerState maps podman's state string onto our lifecycle states.
func containerState(state string) ServiceState {
	switch strings.ToLower(state) {
	case "running":
		return StateRunning
	case "created", "configured", "initialized":
		return StateStarting
	case "exited", "stopped":
		return StateStopped
	case "stopping":
		return StateStopping
	default:
		return StateUnknown
	}
}

// firstName returns the primary container name, stripped of any leading
// slash some runtimes emit.
func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// imageTag extracts the tag portion of an image reference, "" when the
// reference has no tag.
func imageTag(image string) string {
	idx := strings.LastIndex(image, ":")
	if idx < 0 || strings.Contains(image[idx+1:], "/") {
		return ""
	}
	return image[idx+1:]
}

// -----------------------------------------------------------------------------
// Probe 2: well-known port occupiers
// -----------------------------------------------------------------------------

// ssOwnerPattern matches the process attribution in `ss -ltnp` output:
// users:(("code-server",pid=1234,fd=19))
var ssOwnerPattern = regexp.MustCompile(`users:\(\("([^"]+)",pid=(\d+)`)

// detectPortOccupiers bind-tests the well-known ports and attributes the
// occupied ones to their owning processes.
func (d *Detector) detectPortOccupiers(ctx context.Context) []ServiceRecord {
	owners := d.socketOwners(ctx)

	var records []ServiceRecord
	for _, port := range d.cfg.Ports.WellKnown {
		if d.isPortFree(port) {
			continue
		}

		rec := ServiceRecord{
			Name:     "unknown",
			Role:     RoleExternalGeneric,
			State:    StateRunning,
			Port:     port,
			Protocol: "tcp",
		}

		if owner, ok := owners[port]; ok {
			rec.Name = owner.name
			rec.ProcessName = owner.name
			rec.PID = owner.pid
		}

		// Coarser fallback: ss gave us a pid but no name, or nothing at
		// all - ask the process table directly.
		if rec.ProcessName == "" && rec.PID > 0 {
			if name, err := d.pm.LookupProcessName(ctx, rec.PID); err == nil && name != "" {
				rec.Name = name
				rec.ProcessName = name
			}
		}

		records = append(records, rec)
	}

	return records
}

type socketOwner struct {
	name string
	pid  int
}

// socketOwners parses `ss -ltnpH` into a port-to-owner map. An empty map
// on failure degrades occupier records to anonymous ones.
func (d *Detector) socketOwners(ctx context.Context) map[int]socketOwner {
	owners := make(map[int]socketOwner)

	output, err := d.pm.Run(ctx, "ss", "-ltnpH")
	if err != nil {
		d.logger.Debug("socket table lookup failed", "error", err.Error())
		return owners
	}

	for _, line := range strings.Split(string(output), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		// Local address is "0.0.0.0:8443" or "[::]:8443".
		addr := fields[3]
		idx := strings.LastIndex(addr, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(addr[idx+1:])
		if err != nil {
			continue
		}

		owner := socketOwner{}
		if m := ssOwnerPattern.FindStringSubmatch(line); m != nil {
			owner.name = m[1]
			owner.pid, _ = strconv.Atoi(m[2])
		}
		if _, seen := owners[port]; !seen {
			owners[port] = owner
		}
	}

	return owners
}

// -----------------------------------------------------------------------------
// Probe 3: host VPN daemon
// -----------------------------------------------------------------------------

// tailscaleStatus mirrors the fields we read from `tailscale status --json`.
type tailscaleStatus struct {
	BackendState string `json:"BackendState"`
	Version      string `json:"Version"`
	Self         struct {
		HostName     string   `json:"HostName"`
		TailscaleIPs []string `json:"TailscaleIPs"`
	} `json:"Self"`
}

// detectHostVPN probes for a VPN client running directly on the host.
// Returns (nil, nil) when the daemon exists but is not connected.
func (d *Detector) detectHostVPN(ctx context.Context) (*ServiceRecord, error) {
	output, err := d.pm.Run(ctx, d.cfg.VPN.Binary, "status", "--json")
	if err != nil {
		return nil, fmt.Errorf("%s status: %w", d.cfg.VPN.Binary, err)
	}

	var status tailscaleStatus
	if err := json.Unmarshal(output, &status); err != nil {
		return nil, fmt.Errorf("parse %s status: %w", d.cfg.VPN.Binary, err)
	}

	if !strings.EqualFold(status.BackendState, "Running") {
		return nil, nil
	}

	return &ServiceRecord{
		Name:    d.cfg.VPN.Binary,
		Role:    RoleVPNDaemon,
		State:   StateRunning,
		Version: status.Version,
	}, nil
}

// -----------------------------------------------------------------------------
// Port probing
// -----------------------------------------------------------------------------

// isPortFree bind-tests a TCP port and immediately releases it.
//
// This is inherently racy: a port reported free can be taken before the
// caller binds it. Callers treat the answer as advisory.
func (d *Detector) isPortFree(port int) bool {
	return d.portProbe(port)
}

// bindProbe is the real bind-then-release test.
func bindProbe(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// findFreePort linear-scans the configured range for a free port.
// Returns 0 ("let the OS choose") when the whole range is taken.
func (d *Detector) findFreePort() int {
	for port := d.cfg.Ports.ScanStart; port <= d.cfg.Ports.ScanEnd; port++ {
		if d.isPortFree(port) {
			return port
		}
	}
	return 0
}

// suggestPort picks an alternate for a conflicted port: the original if it
// has freed up, else the first free port in the scan range, else 0.
func (d *Detector) suggestPort(requested int) int {
	if d.isPortFree(requested) {
		return requested
	}
	return d.findFreePort()
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// dedupeRecords drops later duplicates of the same service identity.
func dedupeRecords(records []ServiceRecord) []ServiceRecord {
	seen := make(map[string]bool, len(records))
	out := make([]ServiceRecord, 0, len(records))
	for _, rec := range records {
		key := recordKey(rec)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, rec)
	}
	return out
}

// recordKey builds the dedup identity: (role, container id, port), or
// (role, port, pid) when the record has no container identity.
func recordKey(rec ServiceRecord) string {
	if rec.ContainerID != "" {
		return fmt.Sprintf("%s|%s|%d", rec.Role, rec.ContainerID, rec.Port)
	}
	return fmt.Sprintf("%s|%d|%d", rec.Role, rec.Port, rec.PID)
}

// sortedRoles returns map keys in a stable order for deterministic output.
func sortedRoles(targetPorts map[string]int) []string {
	roles := make([]string, 0, len(targetPorts))
	for role := range targetPorts {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
