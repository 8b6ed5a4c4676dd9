// Copyright (C) 2025 doom-coding contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/LL4nc33/doom-coding/cmd/doomctl/config"
	"github.com/LL4nc33/doom-coding/pkg/logging"
	"github.com/LL4nc33/doom-coding/pkg/validation"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrActionFailed indicates a migration action failed and the
	// remaining plan was aborted.
	ErrActionFailed = errors.New("migration action failed")

	// ErrNoMigrationData indicates migrate-data found nothing to copy in
	// any of the well-known config locations.
	ErrNoMigrationData = errors.New("no migratable data found")

	// ErrUnknownAction indicates a plan contained an action type this
	// Migrator cannot dispatch.
	ErrUnknownAction = errors.New("unknown migration action type")
)

// =============================================================================
// Migrator
// =============================================================================

// Migrator turns a detection snapshot into a migration plan and executes
// it.
//
// # Description
//
// Exactly one strategy is chosen per analysis, in priority order:
//
//  1. upgrade: a self-managed install already exists
//  2. migrate-external: a same-kind external code-server exists; the plan
//     requires confirmation and preserves extensions and settings
//  3. parallel: unrelated occupiers overlap the target ports; ports are
//     re-resolved to free ones
//  4. fresh: nothing relevant is running
//
// Plans are immutable once produced. Execution stops at the first failed
// action and returns the partial result alongside the error.
//
// # Thread Safety
//
// Migrator holds no mutable state. Safe for concurrent use, though
// executing two plans concurrently against the same stack is not
// meaningful.
type Migrator struct {
	pm       ProcessManager
	cfg      config.Config
	logger   *logging.Logger
	detector *Detector

	// now is replaceable in tests for deterministic timestamps.
	now func() time.Time
}

// NewMigrator creates a Migrator sharing the given Detector's snapshot
// semantics.
func NewMigrator(pm ProcessManager, cfg config.Config, logger *logging.Logger, detector *Detector) *Migrator {
	return &Migrator{pm: pm, cfg: cfg, logger: logger, detector: detector, now: time.Now}
}

// AnalyzeExisting classifies the current host state into a migration plan.
//
// # Inputs
//
//   - ctx: Context for cancellation
//   - targetPorts: Role name to requested host port
//
// # Outputs
//
//   - *MigrationPlan: Never nil; a fresh-install plan when nothing
//     relevant was detected
func (m *Migrator) AnalyzeExisting(ctx context.Context, targetPorts map[string]int) *MigrationPlan {
	detected := m.detector.DetectExistingServices(ctx)

	plan := &MigrationPlan{
		ID:            uuid.New().String(),
		Detected:      detected,
		ResolvedPorts: copyPorts(targetPorts),
		CreatedAt:     m.now(),
	}

	var managed, sameKind []ServiceRecord
	overlap := false
	for _, rec := range detected {
		switch rec.Role {
		case RoleManaged:
			managed = append(managed, rec)
		case RoleExternalSameKind:
			sameKind = append(sameKind, rec)
		case RoleExternalGeneric:
			if rec.IsRunning() && portRequested(targetPorts, rec.Port) {
				overlap = true
			}
		}
	}

	switch {
	case len(managed) > 0:
		plan.Strategy = StrategyUpgrade
		plan.Actions = m.upgradeActions(managed)

	case len(sameKind) > 0:
		plan.Strategy = StrategyMigrateExternal
		plan.Actions = m.migrateExternalActions(sameKind[0])
		plan.RequiresConfirm = true
		plan.Warnings = append(plan.Warnings,
			fmt.Sprintf("existing %s instance %q will be stopped; extensions and settings will be preserved",
				m.cfg.Stack.SameKindSignature, sameKind[0].Name))

	case overlap:
		plan.Strategy = StrategyParallel
		for role, port := range targetPorts {
			if !m.detector.isPortFree(port) {
				resolved := m.detector.suggestPort(port)
				plan.ResolvedPorts[role] = resolved
				plan.Warnings = append(plan.Warnings,
					fmt.Sprintf("port %d for %s is taken; using %d instead", port, role, resolved))
			}
		}
		plan.Actions = m.freshActions()

	default:
		plan.Strategy = StrategyFresh
		plan.Actions = m.freshActions()
	}

	return plan
}

// -----------------------------------------------------------------------------
// Action construction
// -----------------------------------------------------------------------------

// actionList numbers actions sequentially as they are appended.
type actionList []MigrationAction

func (l *actionList) add(t ActionType, target, description string, reversible bool) {
	*l = append(*l, MigrationAction{
		Order:       len(*l) + 1,
		Type:        t,
		Target:      target,
		Description: description,
		Reversible:  reversible,
	})
}

// upgradeActions: backup config, stop each running managed instance, pull
// updated images, start.
func (m *Migrator) upgradeActions(managed []ServiceRecord) []MigrationAction {
	var actions actionList
	actions.add(ActionBackup, "", "back up stack config and volumes", true)
	for _, rec := range managed {
		if rec.IsRunning() {
			actions.add(ActionStop, rec.Name, "stop "+rec.Name, true)
		}
	}
	actions.add(ActionPull, "", "pull updated images", false)
	actions.add(ActionStart, "", "start the stack", true)
	return actions
}

// migrateExternalActions: backup the external instance's data, stop it,
// copy extensions and settings into the managed instance, start the stack.
func (m *Migrator) migrateExternalActions(external ServiceRecord) []MigrationAction {
	var actions actionList
	actions.add(ActionBackup, external.Name, "back up data of "+external.Name, true)
	actions.add(ActionStop, external.Name, "stop "+external.Name, true)
	actions.add(ActionMigrateData, "extensions", "copy extensions into the managed instance", false)
	actions.add(ActionMigrateData, "settings", "copy settings into the managed instance", false)
	actions.add(ActionStart, "", "start the stack", true)
	return actions
}

// freshActions: pull then start. Used for fresh and parallel installs.
func (m *Migrator) freshActions() []MigrationAction {
	var actions actionList
	actions.add(ActionPull, "", "pull images", false)
	actions.add(ActionStart, "", "start the stack", true)
	return actions
}

// =============================================================================
// Execution
// =============================================================================

// Execute runs a plan's actions in order.
//
// # Description
//
// In dry-run mode every action short-circuits to a synthetic "would
// execute" result and nothing touches the host. Real execution dispatches
// by action type; the first failure aborts the remaining actions and the
// partial result is returned together with the wrapped error.
//
// # Outputs
//
//   - *MigrationResult: Never nil; carries every action result produced
//     before a failure
//   - error: Non-nil when an action failed, wrapping ErrActionFailed
func (m *Migrator) Execute(ctx context.Context, plan *MigrationPlan, dryRun bool) (*MigrationResult, error) {
	started := m.now()
	result := &MigrationResult{
		PlanID:   plan.ID,
		Strategy: plan.Strategy,
		DryRun:   dryRun,
	}

	backupDir := filepath.Join(m.cfg.Backup.Dir, started.Format("20060102-150405"))
	// Resolved ports ride along so a parallel plan's compose actions come
	// up on the alternates, not the conflicted defaults.
	env := portEnv(plan.ResolvedPorts)

	for _, action := range plan.Actions {
		if dryRun {
			result.Actions = append(result.Actions, ActionResult{
				Action:  action,
				Success: true,
				Output:  "would execute: " + action.Description,
			})
			continue
		}

		m.logger.Info(action.Description)
		actionStart := m.now()
		output, err := m.dispatch(ctx, action, backupDir, env)
		ar := ActionResult{
			Action:   action,
			Success:  err == nil,
			Output:   output,
			Duration: m.now().Sub(actionStart),
		}
		if err != nil {
			ar.Error = err.Error()
			result.Actions = append(result.Actions, ar)
			result.Duration = m.now().Sub(started)
			return result, fmt.Errorf("%w: step %d (%s): %w", ErrActionFailed, action.Order, action.Type, err)
		}
		result.Actions = append(result.Actions, ar)

		if action.Type == ActionBackup {
			result.BackupPath = backupDir
		}
	}

	result.Success = true
	result.Duration = m.now().Sub(started)
	return result, nil
}

// dispatch routes one action to its implementation.
func (m *Migrator) dispatch(ctx context.Context, action MigrationAction, backupDir string, env []string) (string, error) {
	switch action.Type {
	case ActionBackup:
		return m.runBackup(ctx, backupDir)
	case ActionStop:
		return m.stopContainer(ctx, action.Target)
	case ActionRemove:
		return m.removeContainer(ctx, action.Target)
	case ActionPull:
		return "", m.runCompose(ctx, env, "pull")
	case ActionStart:
		return "", m.runCompose(ctx, env, "up", "-d")
	case ActionMigrateData:
		return m.migrateData(ctx, action.Target)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownAction, action.Type)
	}
}

// runBackup copies the stack's env file and tars each named volume via a
// disposable helper container.
func (m *Migrator) runBackup(ctx context.Context, backupDir string) (string, error) {
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	envFile := filepath.Join(m.cfg.Stack.Dir, ".env")
	if err := copyFile(envFile, filepath.Join(backupDir, ".env")); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("back up env file: %w", err)
	}

	for _, volume := range m.cfg.Stack.Volumes {
		if err := validation.ValidateVolumeName(volume); err != nil {
			return "", err
		}
		// The helper container exists only for the duration of the tar.
		_, err := m.pm.Run(ctx, "podman", "run", "--rm",
			"-v", volume+":/source:ro",
			"-v", backupDir+":/backup",
			"docker.io/library/alpine:latest",
			"tar", "czf", "/backup/"+volume+".tar.gz", "-C", "/source", ".")
		if err != nil {
			return "", fmt.Errorf("back up volume %s: %w", volume, err)
		}
	}

	return backupDir, nil
}

// stopContainer stops a container with the configured grace period.
// Escalation to a kill is the caller's decision, never automatic here.
func (m *Migrator) stopContainer(ctx context.Context, name string) (string, error) {
	// Names originate from `podman ps` output, not from us.
	if err := validation.ValidateContainerName(name); err != nil {
		return "", fmt.Errorf("stop: %w", err)
	}
	grace := strconv.Itoa(int(m.cfg.Timeouts.StopGrace.Seconds()))
	output, err := m.pm.Run(ctx, "podman", "stop", "-t", grace, name)
	if err != nil {
		return "", fmt.Errorf("stop %s: %w", name, err)
	}
	return string(output), nil
}

// removeContainer removes a stopped container.
func (m *Migrator) removeContainer(ctx context.Context, name string) (string, error) {
	if err := validation.ValidateContainerName(name); err != nil {
		return "", fmt.Errorf("remove: %w", err)
	}
	output, err := m.pm.Run(ctx, "podman", "rm", name)
	if err != nil {
		return "", fmt.Errorf("remove %s: %w", name, err)
	}
	return string(output), nil
}

// runCompose shells out to the compose tool in the stack directory, with
// output routed through the stream filter.
func (m *Migrator) runCompose(ctx context.Context, env []string, args ...string) error {
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

// migrationSources lists the well-known host locations searched for
// migratable code-server data, in preference order.
func (m *Migrator) migrationSources(kind string) []string {
	home, _ := os.UserHomeDir()
	switch kind {
	case "extensions":
		return []string{
			filepath.Join(home, ".local", "share", "code-server", "extensions"),
			filepath.Join(home, ".vscode", "extensions"),
		}
	case "settings":
		return []string{
			filepath.Join(home, ".local", "share", "code-server", "User", "settings.json"),
			filepath.Join(home, ".config", "Code", "User", "settings.json"),
		}
	default:
		return nil
	}
}

// migrateData copies the first matching host config path into the managed
// code-server container.
func (m *Migrator) migrateData(ctx context.Context, kind string) (string, error) {
	container := m.cfg.Stack.ContainerNames["code-server"]

	var dest string
	switch kind {
	case "extensions":
		dest = container + ":/home/coder/.local/share/code-server/extensions"
	case "settings":
		dest = container + ":/home/coder/.local/share/code-server/User/settings.json"
	default:
		return "", fmt.Errorf("%w: %q", ErrNoMigrationData, kind)
	}

	for _, source := range m.migrationSources(kind) {
		if _, err := os.Stat(source); err != nil {
			continue
		}
		if _, err := m.pm.Run(ctx, "podman", "cp", source, dest); err != nil {
			return "", fmt.Errorf("copy %s: %w", kind, err)
		}
		return source, nil
	}

	return "", fmt.Errorf("%w: %s", ErrNoMigrationData, kind)
}

// =============================================================================
// Rollback
// =============================================================================

// Rollback walks a result's completed actions in reverse and restarts
// containers that a reversible stop action stopped.
//
// # Limitations
//
//   - remove actions cannot be rolled back without a prior backup; they
//     are skipped, not compensated
//   - pull and migrate-data are one-way by definition
func (m *Migrator) Rollback(ctx context.Context, result *MigrationResult) error {
	var errs []error

	for i := len(result.Actions) - 1; i >= 0; i-- {
		ar := result.Actions[i]
		if !ar.Success || !ar.Action.Reversible {
			continue
		}
		if ar.Action.Type != ActionStop {
			continue
		}

		m.logger.Info("rollback: restarting " + ar.Action.Target)
		if _, err := m.pm.Run(ctx, "podman", "start", ar.Action.Target); err != nil {
			errs = append(errs, fmt.Errorf("restart %s: %w", ar.Action.Target, err))
		}
	}

	return errors.Join(errs...)
}

// =============================================================================
// Helpers
// =============================================================================

// copyPorts clones a target-port map so the plan owns its copy.
func copyPorts(ports map[string]int) map[string]int {
	out := make(map[string]int, len(ports))
	for role, port := range ports {
		out[role] = port
	}
	return out
}

// portRequested reports whether any role requested the given port.
func portRequested(targetPorts map[string]int, port int) bool {
	if port == 0 {
		return false
	}
	for _, p := range targetPorts {
		if p == port {
			return true
		}
	}
	return false
}

// copyFile copies a small regular file, preserving nothing but content.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
