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
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LL4nc33/doom-coding/cmd/doomctl/config"
	"github.com/LL4nc33/doom-coding/pkg/logging"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrRuntimeUnavailable indicates the container runtime did not
	// respond. Nothing can proceed without it.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrComposeFileMissing indicates the compose definition file does
	// not exist at the configured path.
	ErrComposeFileMissing = errors.New("compose file not found")

	// ErrOperationInProgress indicates another lifecycle operation holds
	// the manager.
	ErrOperationInProgress = errors.New("another operation is in progress")
)

// healthPollInterval is the delay between health poll attempts.
const healthPollInterval = 2 * time.Second

// restartDelay separates Stop from Start during a Restart.
const restartDelay = 2 * time.Second

// =============================================================================
// ServiceManager
// =============================================================================

// ServiceManager drives the stack's lifecycle: preflight, start, health
// verification, URL resolution, stop, restart, and status.
//
// # Description
//
// The manager composes the Detector and Migrator and owns the compose
// tool invocations. Operations run under the configured overall timeout.
// Health verification polls each role sequentially rather than in
// parallel: total wait time is traded for deterministic, non-interleaved
// log output.
//
// # Thread Safety
//
// A mutex serializes lifecycle operations; a second Start while one is
// running fails fast with ErrOperationInProgress. Status is read-only and
// does not take the lock, so it stays usable during a long Start.
type ServiceManager struct {
	pm       ProcessManager
	cfg      config.Config
	logger   *logging.Logger
	detector *Detector
	migrator *Migrator

	// mu serializes lifecycle operations
	mu sync.Mutex

	// sleep is replaceable in tests
	sleep func(time.Duration)
}

// NewServiceManager wires a ServiceManager from its collaborators.
func NewServiceManager(pm ProcessManager, cfg config.Config, logger *logging.Logger) *ServiceManager {
	detector := NewDetector(pm, cfg, logger)
	return &ServiceManager{
		pm:       pm,
		cfg:      cfg,
		logger:   logger,
		detector: detector,
		migrator: NewMigrator(pm, cfg, logger, detector),
		sleep:    time.Sleep,
	}
}

// Migrator exposes the manager's migrator for plan execution by the CLI.
func (m *ServiceManager) Migrator() *Migrator { return m.migrator }

// Detector exposes the manager's detector for read-only queries.
func (m *ServiceManager) Detector() *Detector { return m.detector }

// =============================================================================
// Preflight
// =============================================================================

// PreStartCheck verifies the environment and computes the migration plan.
//
// # Description
//
// Two hard requirements are checked first, both fatal: the container
// runtime must respond and the compose definition file must exist. Then
// the host is analyzed against the configured target ports and the
// resulting plan is returned for the caller to inspect and confirm.
//
// # Outputs
//
//   - *MigrationPlan: The plan, nil on error
//   - error: ErrRuntimeUnavailable or ErrComposeFileMissing (wrapped)
func (m *ServiceManager) PreStartCheck(ctx context.Context) (*MigrationPlan, error) {
	if _, err := m.pm.Run(ctx, "podman", "version", "--format", "json"); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	composePath := m.cfg.ComposePath()
	if _, err := os.Stat(composePath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrComposeFileMissing, composePath)
	}

	return m.migrator.AnalyzeExisting(ctx, m.cfg.Ports.Targets), nil
}

// =============================================================================
// Start
// =============================================================================

// Start brings the stack up.
//
// # Description
//
// Runs under the configured operation timeout. Phases:
//
//  1. migration: execute the given plan; a migration failure is recorded
//     as a warning, not an abort. A self-computed plan that requires
//     confirmation is skipped with a warning, never executed unconfirmed
//  2. pull and up via the compose tool, output through the stream filter
//  3. sequential per-role health verification
//  4. access URL resolution
//
// A nil plan forces a fresh preflight and analysis, which is how Restart
// re-plans on the way back up.
//
// # Outputs
//
//   - *StartupResult: Never nil. Success is true only when no hard errors
//     occurred; health misses are downgraded to warnings.
func (m *ServiceManager) Start(ctx context.Context, plan *MigrationPlan) *StartupResult {
	startedAt := time.Now()
	result := &StartupResult{
		ID:        uuid.New().String(),
		StartedAt: startedAt,
	}

	if !m.mu.TryLock() {
		result.Errors = append(result.Errors, ErrOperationInProgress.Error())
		return result
	}
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.Operation)
	defer cancel()

	autoPlanned := plan == nil
	if plan == nil {
		var err error
		plan, err = m.PreStartCheck(ctx)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			result.Duration = time.Since(startedAt)
			return result
		}
	}

	// Phase 1: migration. Failures degrade to warnings so a botched
	// upgrade never leaves the user without a stack at all. A plan the
	// caller never saw must not touch foreign services: when Start planned
	// for itself and the plan needs confirmation, the migration is skipped
	// entirely rather than run unconfirmed.
	switch {
	case len(plan.Actions) == 0:
	case autoPlanned && plan.RequiresConfirm:
		m.logger.Warn("migration plan requires confirmation, skipping", "strategy", string(plan.Strategy))
		result.Warnings = append(result.Warnings,
			"migration skipped: the "+string(plan.Strategy)+" plan requires confirmation; run 'doomctl up' to review it")
	default:
		m.logger.Info("applying migration plan", "strategy", string(plan.Strategy), "actions", len(plan.Actions))
		if _, err := m.migrator.Execute(ctx, plan, false); err != nil {
			m.logger.Warn("migration incomplete, continuing startup", "error", err.Error())
			result.Warnings = append(result.Warnings, "migration incomplete: "+err.Error())
		}
	}

	env := portEnv(plan.ResolvedPorts)

	// Phase 2: pull and start via compose.
	m.logger.Info("pulling images")
	if err := m.compose(ctx, env, "pull"); err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.Duration = time.Since(startedAt)
		return result
	}

	m.logger.Info("starting services")
	if err := m.compose(ctx, env, "up", "-d"); err != nil {
		result.Errors = append(result.Errors, err.Error())
		result.Duration = time.Since(startedAt)
		return result
	}

	// Phase 3: health. Sequential on purpose.
	for _, role := range roleOrder {
		containerName := m.cfg.Stack.ContainerNames[role]
		if containerName == "" {
			continue
		}
		status := m.waitForHealth(ctx, role, containerName, plan.ResolvedPorts[role])
		result.Services = append(result.Services, status)
		if status.Error != "" {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", role, status.Error))
		}
	}

	// Phase 4: access URLs.
	host := m.resolveAccessHost(ctx)
	result.AccessURLs = accessURLs(host, plan.ResolvedPorts)

	result.Success = len(result.Errors) == 0
	result.Duration = time.Since(startedAt)
	return result
}

// roleOrder fixes the sequential health-check and status order.
var roleOrder = []string{"code-server", "vpn", "assistant"}

// compose runs the compose tool in the stack directory with output
// through the stream filter.
func (m *ServiceManager) compose(ctx context.Context, env []string, args ...string) error {
	full := append([]string{
		"-p", m.cfg.Stack.ProjectName,
		"-f", m.cfg.ComposePath(),
	}, args...)

	sf := logging.NewStreamFilter(m.logger)
	err := m.pm.RunStreaming(ctx, m.cfg.Stack.Dir, env, sf.Stdout(), sf.Stderr(), "podman-compose", full...)
	sf.Flush()
	if err != nil {
		return fmt.Errorf("podman-compose %s: %w", args[0], err)
	}
	return nil
}

// portEnv renders resolved ports as compose-visible env entries, e.g.
// DOOM_CODE_SERVER_PORT=8443.
func portEnv(ports map[string]int) []string {
	var env []string
	for role, port := range ports {
		key := "DOOM_" + strings.ToUpper(strings.ReplaceAll(role, "-", "_")) + "_PORT"
		env = append(env, fmt.Sprintf("%s=%d", key, port))
	}
	return env
}

// =============================================================================
// Health Verification
// =============================================================================

// inspectState mirrors the fields we need from `podman inspect`.
type inspectState struct {
	State struct {
		Status string `json:"Status"`
		Health struct {
			Status string `json:"Status"`
		} `json:"Health"`
	} `json:"State"`
}

// waitForHealth polls one role's container until it is conclusively
// healthy, running without a health check, or the per-role timeout fires.
//
// Classification per poll:
//   - container missing: stopped, with an error
//   - not running: stopped
//   - no health check defined: running (success)
//   - health "healthy": healthy (success)
//   - timeout with health still pending: unhealthy
func (m *ServiceManager) waitForHealth(ctx context.Context, role, containerName string, port int) ServiceStatus {
	status := ServiceStatus{
		Name:          role,
		ContainerName: containerName,
		Port:          port,
	}

	m.logger.Progress("waiting for " + role)
	deadline := time.Now().Add(m.cfg.Timeouts.HealthPerService)

	for {
		state, health, err := m.inspectContainer(ctx, containerName)
		switch {
		case err != nil:
			status.State = StateStopped
			status.Error = "container not found"
			m.logger.ProgressDone(role + ": not found")
			return status
		case state != "running":
			status.State = StateStopped
			status.Error = "container is not running (" + state + ")"
			m.logger.ProgressDone(role + ": " + state)
			return status
		case health == "":
			// No health check defined; running is as good as it gets.
			status.State = StateRunning
			m.logger.ProgressDone(role + ": running")
			return status
		case health == "healthy":
			status.State = StateHealthy
			m.logger.ProgressDone(role + ": healthy")
			return status
		}

		if time.Now().After(deadline) {
			status.State = StateUnhealthy
			status.Error = "health check did not pass within " + m.cfg.Timeouts.HealthPerService.String()
			m.logger.ProgressDone(role + ": unhealthy")
			return status
		}

		select {
		case <-ctx.Done():
			status.State = StateUnknown
			status.Error = ctx.Err().Error()
			m.logger.ProgressDone(role + ": cancelled")
			return status
		case <-time.After(healthPollInterval):
		}
	}
}

// inspectContainer returns (state, health, error) for one container.
// health is "" when no health check is defined.
func (m *ServiceManager) inspectContainer(ctx context.Context, name string) (string, string, error) {
	output, err := m.pm.Run(ctx, "podman", "inspect", "--type", "container", "--format", "json", name)
	if err != nil {
		return "", "", fmt.Errorf("inspect %s: %w", name, err)
	}

	var inspected []inspectState
	if err := json.Unmarshal(output, &inspected); err != nil {
		return "", "", fmt.Errorf("parse inspect output: %w", err)
	}
	if len(inspected) == 0 {
		return "", "", fmt.Errorf("inspect %s: empty result", name)
	}

	state := strings.ToLower(inspected[0].State.Status)
	health := strings.ToLower(inspected[0].State.Health.Status)
	if health == "none" {
		health = ""
	}
	return state, health, nil
}

// =============================================================================
// Access URL Resolution
// =============================================================================

// resolveAccessHost picks the address users should reach the stack at.
//
// Priority: the host VPN client's address, then the address queried from
// inside the VPN sidecar, then the first host interface address, then
// literal localhost.
func (m *ServiceManager) resolveAccessHost(ctx context.Context) string {
	if output, err := m.pm.Run(ctx, m.cfg.VPN.Binary, "ip", "--4"); err == nil {
		if host := firstLine(string(output)); host != "" {
			return host
		}
	}

	vpnContainer := m.cfg.Stack.ContainerNames[m.cfg.VPN.Container]
	if vpnContainer != "" {
		if output, err := m.pm.Run(ctx, "podman", "exec", vpnContainer, m.cfg.VPN.Binary, "ip", "--4"); err == nil {
			if host := firstLine(string(output)); host != "" {
				return host
			}
		}
	}

	if host := firstInterfaceAddr(); host != "" {
		return host
	}

	return "localhost"
}

// accessURLs renders per-role URLs for the roles users actually browse to.
func accessURLs(host string, ports map[string]int) []string {
	var urls []string
	if port, ok := ports["code-server"]; ok && port > 0 {
		urls = append(urls, fmt.Sprintf("https://%s:%d", host, port))
	}
	if port, ok := ports["assistant"]; ok && port > 0 {
		urls = append(urls, fmt.Sprintf("http://%s:%d", host, port))
	}
	return urls
}

// firstLine returns the first non-empty trimmed line of s.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// firstInterfaceAddr returns the host's first non-loopback IPv4 address.
func firstInterfaceAddr() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

// =============================================================================
// Stop
// =============================================================================

// Stop brings the stack down.
//
// # Description
//
// Runs compose down under the operation timeout, then verifies each
// canonical container actually stopped, force-stopping stragglers with a
// short grace period. Failures are collected rather than thrown; success
// means no collected errors.
func (m *ServiceManager) Stop(ctx context.Context) *ShutdownResult {
	stoppedAt := time.Now()
	result := &ShutdownResult{
		ID:        uuid.New().String(),
		StoppedAt: stoppedAt,
	}

	if !m.mu.TryLock() {
		result.Errors = append(result.Errors, ErrOperationInProgress.Error())
		return result
	}
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.Operation)
	defer cancel()

	m.logger.Info("stopping services")
	if err := m.compose(ctx, nil, "down"); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	// Verify; compose down has been seen to leave containers behind when
	// the project label drifts.
	for _, name := range m.cfg.CanonicalNames() {
		state, _, err := m.inspectContainer(ctx, name)
		if err != nil {
			// Gone entirely - that is what we wanted.
			result.Stopped = append(result.Stopped, name)
			continue
		}
		if state == "running" {
			m.logger.Warn("force stopping " + name)
			if _, err := m.pm.Run(ctx, "podman", "stop", "-t", "2", name); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("force stop %s: %v", name, err))
				continue
			}
		}
		result.Stopped = append(result.Stopped, name)
	}

	result.Success = len(result.Errors) == 0
	result.Duration = time.Since(stoppedAt)
	return result
}

// =============================================================================
// Restart & Status
// =============================================================================

// Restart stops the stack, waits briefly, and starts it with a nil plan
// so detection and planning run fresh on the way back up.
func (m *ServiceManager) Restart(ctx context.Context) *StartupResult {
	if down := m.Stop(ctx); !down.Success {
		m.logger.Warn("stop reported errors before restart", "errors", strings.Join(down.Errors, "; "))
	}
	m.sleep(restartDelay)
	return m.Start(ctx, nil)
}

// Status reports each role's current state without mutating anything.
func (m *ServiceManager) Status(ctx context.Context) []ServiceStatus {
	statuses := make([]ServiceStatus, 0, len(roleOrder))

	for _, role := range roleOrder {
		containerName := m.cfg.Stack.ContainerNames[role]
		if containerName == "" {
			continue
		}
		status := ServiceStatus{
			Name:          role,
			ContainerName: containerName,
			Port:          m.cfg.Ports.Targets[role],
		}

		state, health, err := m.inspectContainer(ctx, containerName)
		switch {
		case err != nil:
			status.State = StateStopped
		case state != "running":
			status.State = containerState(state)
		case health == "healthy":
			status.State = StateHealthy
		case health == "unhealthy":
			status.State = StateUnhealthy
		case health == "starting":
			status.State = StateStarting
		default:
			status.State = StateRunning
		}

		statuses = append(statuses, status)
	}

	return statuses
}
