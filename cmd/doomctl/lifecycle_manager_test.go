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
	"strings"
	"testing"
	"time"

	"github.com/LL4nc33/doom-coding/cmd/doomctl/config"
	"github.com/LL4nc33/doom-coding/pkg/logging"
)

// inspectJSON renders a podman inspect response for one container.
func inspectJSON(state, health string) string {
	return fmt.Sprintf(`[{"State":{"Status":%q,"Health":{"Status":%q}}}]`, state, health)
}

// newTestManager builds a ServiceManager over a mock with a real compose
// file on disk, all ports free, and no sleeping.
func newTestManager(t *testing.T, mock *MockProcessManager) (*ServiceManager, config.Config) {
	t.Helper()
	cfg := testConfig()
	cfg.Stack.Dir = t.TempDir()
	cfg.Backup.Dir = t.TempDir()
	cfg.Timeouts.HealthPerService = 50 * time.Millisecond

	composePath := filepath.Join(cfg.Stack.Dir, cfg.Stack.ComposeFile)
	if err := os.WriteFile(composePath, []byte("services: {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewServiceManager(mock, cfg, logging.NewNop())
	m.detector.portProbe = func(port int) bool { return true }
	m.sleep = func(time.Duration) {}
	return m, cfg
}

// stackStub answers the full command surface of a Start/Stop cycle.
// inspectStates maps container name to its inspect response; missing
// names report "no such container".
func stackStub(inspectStates map[string]string) func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		switch name {
		case "podman":
			switch args[0] {
			case "version":
				return []byte(`{"Client":{"Version":"5.0.0"}}`), nil
			case "ps":
				return []byte("[]"), nil
			case "inspect":
				container := args[len(args)-1]
				if state, ok := inspectStates[container]; ok {
					return []byte(state), nil
				}
				return nil, errors.New("no such container " + container)
			case "stop", "start", "exec":
				return []byte("ok"), nil
			}
			return nil, errors.New("unexpected podman args")
		case "ss", "tailscale":
			return nil, errors.New(name + " unavailable")
		default:
			return nil, errors.New("unexpected command: " + name)
		}
	}
}

// =============================================================================
// PreStartCheck Tests
// =============================================================================

func TestPreStartCheck_RuntimeUnavailableIsFatal(t *testing.T) {
	mock := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("cannot connect to podman socket")
		},
	}
	m, _ := newTestManager(t, mock)

	_, err := m.PreStartCheck(context.Background())
	if !errors.Is(err, ErrRuntimeUnavailable) {
		t.Errorf("error = %v, want ErrRuntimeUnavailable", err)
	}
}

func TestPreStartCheck_MissingComposeFileIsFatal(t *testing.T) {
	mock := &MockProcessManager{RunFunc: stackStub(nil)}
	m, cfg := newTestManager(t, mock)
	os.Remove(cfg.ComposePath())

	_, err := m.PreStartCheck(context.Background())
	if !errors.Is(err, ErrComposeFileMissing) {
		t.Errorf("error = %v, want ErrComposeFileMissing", err)
	}
}

func TestPreStartCheck_ReturnsPlan(t *testing.T) {
	mock := &MockProcessManager{RunFunc: stackStub(nil)}
	m, _ := newTestManager(t, mock)

	plan, err := m.PreStartCheck(context.Background())
	if err != nil {
		t.Fatalf("PreStartCheck error: %v", err)
	}
	if plan == nil || plan.Strategy != StrategyFresh {
		t.Errorf("plan = %+v, want a fresh plan", plan)
	}
}

// =============================================================================
// Start Tests
// =============================================================================

func TestStart_HappyPath(t *testing.T) {
	states := map[string]string{
		"doom-code-server": inspectJSON("running", "healthy"),
		"doom-tailscale":   inspectJSON("running", ""),
		"doom-assistant":   inspectJSON("running", "healthy"),
	}
	mock := &MockProcessManager{
		RunFunc:          stackStub(states),
		RunStreamingFunc: okStreaming,
	}
	m, _ := newTestManager(t, mock)

	result := m.Start(context.Background(), nil)

	if !result.Success {
		t.Fatalf("Start failed: errors=%v warnings=%v", result.Errors, result.Warnings)
	}
	if len(result.Services) != 3 {
		t.Fatalf("expected 3 service statuses, got %d", len(result.Services))
	}

	wantStates := map[string]ServiceState{
		"code-server": StateHealthy,
		"vpn":         StateRunning, // no health check defined
		"assistant":   StateHealthy,
	}
	for _, s := range result.Services {
		if s.State != wantStates[s.Name] {
			t.Errorf("%s state = %v, want %v", s.Name, s.State, wantStates[s.Name])
		}
	}
	if len(result.AccessURLs) == 0 {
		t.Error("no access URLs resolved")
	}
}

func TestStart_ComposeFailureIsHardError(t *testing.T) {
	mock := &MockProcessManager{
		RunFunc: stackStub(nil),
		RunStreamingFunc: func(ctx context.Context, dir string, env []string, stdout, stderr io.Writer, name string, args ...string) error {
			return errors.New("compose exploded")
		},
	}
	m, _ := newTestManager(t, mock)

	result := m.Start(context.Background(), nil)

	if result.Success {
		t.Fatal("Start succeeded despite compose failure")
	}
	if len(result.Errors) == 0 {
		t.Error("no errors recorded")
	}
}

func TestStart_MissingContainerDowngradesToWarning(t *testing.T) {
	// Compose succeeds but one container never appears: stopped status
	// plus a warning, not a hard failure.
	states := map[string]string{
		"doom-code-server": inspectJSON("running", "healthy"),
		"doom-tailscale":   inspectJSON("running", ""),
	}
	mock := &MockProcessManager{
		RunFunc:          stackStub(states),
		RunStreamingFunc: okStreaming,
	}
	m, _ := newTestManager(t, mock)

	result := m.Start(context.Background(), nil)

	if !result.Success {
		t.Fatalf("health miss must not fail startup: %v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Error("missing container produced no warning")
	}

	var assistant *ServiceStatus
	for i := range result.Services {
		if result.Services[i].Name == "assistant" {
			assistant = &result.Services[i]
		}
	}
	if assistant == nil || assistant.State != StateStopped {
		t.Errorf("assistant status = %+v, want stopped", assistant)
	}
}

func TestStart_MigrationFailureContinues(t *testing.T) {
	states := map[string]string{
		"doom-code-server": inspectJSON("running", "healthy"),
		"doom-tailscale":   inspectJSON("running", ""),
		"doom-assistant":   inspectJSON("running", ""),
	}
	stub := stackStub(states)
	mock := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			// The migration's stop action fails; everything else works.
			if name == "podman" && args[0] == "stop" {
				return nil, errors.New("stop refused")
			}
			return stub(ctx, name, args...)
		},
		RunStreamingFunc: okStreaming,
	}
	m, _ := newTestManager(t, mock)

	plan := &MigrationPlan{
		ID:            "test-plan",
		Strategy:      StrategyUpgrade,
		ResolvedPorts: map[string]int{"code-server": 8443, "vpn": 41641, "assistant": 8600},
		Actions: []MigrationAction{
			{Order: 1, Type: ActionStop, Target: "doom-code-server", Reversible: true},
		},
	}

	result := m.Start(context.Background(), plan)

	if !result.Success {
		t.Fatalf("migration failure must not abort startup: %v", result.Errors)
	}
	found := false
	for _, w := range result.Warnings {
		if strings.HasPrefix(w, "migration") {
			found = true
		}
	}
	if !found {
		t.Errorf("no migration warning recorded: %v", result.Warnings)
	}
}

func TestStart_SelfPlannedConfirmationPlanIsSkipped(t *testing.T) {
	// Only a foreign code-server is present, so preflight produces a
	// migrate-external plan with RequiresConfirm set. A nil-plan Start
	// (the Restart path) must not execute it: the foreign instance stays
	// untouched and the skip surfaces as a warning.
	states := map[string]string{
		"doom-code-server": inspectJSON("running", "healthy"),
		"doom-tailscale":   inspectJSON("running", ""),
		"doom-assistant":   inspectJSON("running", ""),
	}
	psJSON := `[{"Id":"ext1","Names":["my-ide"],"Image":"codercom/code-server:4.90","State":"running","Ports":[{"host_port":8443,"protocol":"tcp"}]}]`

	var stopped []string
	stub := stackStub(states)
	mock := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if name == "podman" {
				switch args[0] {
				case "ps":
					return []byte(psJSON), nil
				case "stop":
					stopped = append(stopped, args[len(args)-1])
				case "cp":
					t.Fatal("unconfirmed migration copied data")
				}
			}
			return stub(ctx, name, args...)
		},
		RunStreamingFunc: okStreaming,
	}
	m, _ := newTestManager(t, mock)

	result := m.Start(context.Background(), nil)

	for _, name := range stopped {
		if name == "my-ide" {
			t.Error("unconfirmed migration stopped the foreign instance")
		}
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "requires confirmation") {
			found = true
		}
	}
	if !found {
		t.Errorf("skip not surfaced as a warning: %v", result.Warnings)
	}
}

// =============================================================================
// Health Classification Tests
// =============================================================================

func TestWaitForHealth_Classification(t *testing.T) {
	tests := []struct {
		name      string
		inspect   string
		missing   bool
		wantState ServiceState
		wantError bool
	}{
		{"missing container", "", true, StateStopped, true},
		{"exited container", inspectJSON("exited", ""), false, StateStopped, true},
		{"no health check", inspectJSON("running", ""), false, StateRunning, false},
		{"healthy", inspectJSON("running", "healthy"), false, StateHealthy, false},
		{"never healthy", inspectJSON("running", "starting"), false, StateUnhealthy, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := map[string]string{}
			if !tt.missing {
				states["doom-code-server"] = tt.inspect
			}
			mock := &MockProcessManager{RunFunc: stackStub(states)}
			m, _ := newTestManager(t, mock)

			status := m.waitForHealth(context.Background(), "code-server", "doom-code-server", 8443)

			if status.State != tt.wantState {
				t.Errorf("state = %v, want %v", status.State, tt.wantState)
			}
			if (status.Error != "") != tt.wantError {
				t.Errorf("error = %q, wantError = %v", status.Error, tt.wantError)
			}
		})
	}
}

// =============================================================================
// Stop Tests
// =============================================================================

func TestStop_VerifiesAndReportsStopped(t *testing.T) {
	// All containers gone after compose down.
	mock := &MockProcessManager{
		RunFunc:          stackStub(nil),
		RunStreamingFunc: okStreaming,
	}
	m, _ := newTestManager(t, mock)

	result := m.Stop(context.Background())

	if !result.Success {
		t.Fatalf("Stop failed: %v", result.Errors)
	}
	if len(result.Stopped) != 3 {
		t.Errorf("stopped = %v, want all 3 canonical containers", result.Stopped)
	}
}

func TestStop_ForceStopsStragglers(t *testing.T) {
	states := map[string]string{
		"doom-code-server": inspectJSON("running", "healthy"),
	}
	var forceStopped []string
	stub := stackStub(states)
	mock := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if name == "podman" && args[0] == "stop" {
				forceStopped = append(forceStopped, args[len(args)-1])
			}
			return stub(ctx, name, args...)
		},
		RunStreamingFunc: okStreaming,
	}
	m, _ := newTestManager(t, mock)

	result := m.Stop(context.Background())

	if !result.Success {
		t.Fatalf("Stop failed: %v", result.Errors)
	}
	if len(forceStopped) != 1 || forceStopped[0] != "doom-code-server" {
		t.Errorf("force stopped = %v, want [doom-code-server]", forceStopped)
	}
}

func TestStop_CollectsErrorsInsteadOfThrowing(t *testing.T) {
	mock := &MockProcessManager{
		RunFunc: stackStub(nil),
		RunStreamingFunc: func(ctx context.Context, dir string, env []string, stdout, stderr io.Writer, name string, args ...string) error {
			return errors.New("compose down failed")
		},
	}
	m, _ := newTestManager(t, mock)

	result := m.Stop(context.Background())

	if result.Success {
		t.Error("Stop succeeded despite compose failure")
	}
	if len(result.Errors) == 0 {
		t.Error("no errors collected")
	}
	// Verification still ran: the containers are gone either way.
	if len(result.Stopped) != 3 {
		t.Errorf("verification skipped, stopped = %v", result.Stopped)
	}
}

// =============================================================================
// Status Tests
// =============================================================================

func TestStatus_Classification(t *testing.T) {
	states := map[string]string{
		"doom-code-server": inspectJSON("running", "healthy"),
		"doom-tailscale":   inspectJSON("running", "starting"),
		"doom-assistant":   inspectJSON("exited", ""),
	}
	mock := &MockProcessManager{RunFunc: stackStub(states)}
	m, _ := newTestManager(t, mock)

	statuses := m.Status(context.Background())

	want := map[string]ServiceState{
		"code-server": StateHealthy,
		"vpn":         StateStarting,
		"assistant":   StateStopped,
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	for _, s := range statuses {
		if s.State != want[s.Name] {
			t.Errorf("%s state = %v, want %v", s.Name, s.State, want[s.Name])
		}
	}
}

func TestStopThenStatus_AllRolesStopped(t *testing.T) {
	mock := &MockProcessManager{
		RunFunc:          stackStub(nil),
		RunStreamingFunc: okStreaming,
	}
	m, _ := newTestManager(t, mock)

	if down := m.Stop(context.Background()); !down.Success {
		t.Fatalf("Stop failed: %v", down.Errors)
	}

	statuses := m.Status(context.Background())
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	for _, s := range statuses {
		if s.State != StateStopped {
			t.Errorf("%s state = %v, want stopped after shutdown", s.Name, s.State)
		}
	}
}

func TestStatus_AllMissingMeansStopped(t *testing.T) {
	mock := &MockProcessManager{RunFunc: stackStub(nil)}
	m, _ := newTestManager(t, mock)

	for _, s := range m.Status(context.Background()) {
		if s.State != StateStopped {
			t.Errorf("%s state = %v, want stopped", s.Name, s.State)
		}
	}
}

// =============================================================================
// Restart Tests
// =============================================================================

func TestRestart_StopsThenStartsWithFreshPlan(t *testing.T) {
	states := map[string]string{
		"doom-code-server": inspectJSON("running", "healthy"),
		"doom-tailscale":   inspectJSON("running", ""),
		"doom-assistant":   inspectJSON("running", ""),
	}
	var composeCalls []string
	mock := &MockProcessManager{
		RunFunc: stackStub(states),
		RunStreamingFunc: func(ctx context.Context, dir string, env []string, stdout, stderr io.Writer, name string, args ...string) error {
			// The subcommand follows -p <project> -f <file>.
			composeCalls = append(composeCalls, args[4])
			return nil
		},
	}
	m, _ := newTestManager(t, mock)

	result := m.Restart(context.Background())

	if !result.Success {
		t.Fatalf("Restart failed: errors=%v", result.Errors)
	}
	if len(composeCalls) == 0 || composeCalls[0] != "down" {
		t.Errorf("compose calls = %v, want down first", composeCalls)
	}
	sawUp := false
	for _, call := range composeCalls {
		if call == "up" {
			sawUp = true
		}
	}
	if !sawUp {
		t.Error("restart never brought the stack back up")
	}
}

// =============================================================================
// URL Resolution Tests
// =============================================================================

func TestResolveAccessHost_PrefersHostVPN(t *testing.T) {
	mock := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if name == "tailscale" {
				return []byte("100.64.0.7\n"), nil
			}
			return nil, errors.New("unexpected")
		},
	}
	m, _ := newTestManager(t, mock)

	if host := m.resolveAccessHost(context.Background()); host != "100.64.0.7" {
		t.Errorf("host = %q, want the host vpn address", host)
	}
}

func TestResolveAccessHost_FallsBackToSidecar(t *testing.T) {
	mock := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if name == "tailscale" {
				return nil, errors.New("not installed")
			}
			if name == "podman" && args[0] == "exec" {
				return []byte("100.64.0.9\n"), nil
			}
			return nil, errors.New("unexpected")
		},
	}
	m, _ := newTestManager(t, mock)

	if host := m.resolveAccessHost(context.Background()); host != "100.64.0.9" {
		t.Errorf("host = %q, want the sidecar vpn address", host)
	}
}

func TestAccessURLs(t *testing.T) {
	urls := accessURLs("100.64.0.7", map[string]int{"code-server": 8443, "assistant": 8600, "vpn": 41641})

	if len(urls) != 2 {
		t.Fatalf("expected 2 urls, got %v", urls)
	}
	if urls[0] != "https://100.64.0.7:8443" {
		t.Errorf("code-server url = %q", urls[0])
	}
	if urls[1] != "http://100.64.0.7:8600" {
		t.Errorf("assistant url = %q", urls[1])
	}
}
