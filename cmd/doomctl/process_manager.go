// Copyright (C) 2025 doom-coding contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// ProcessManager handles external process operations.
//
// # Description
//
// All subprocess invocations in the engine (podman, podman-compose, tailscale,
// ss, ps) go through this interface so unit tests can mock them. The engine
// has no other way of touching the system.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
//
// # Context Handling
//
// All methods accept a context.Context; long-running processes are killed
// when the context is cancelled.
type ProcessManager interface {
	// Run executes a command synchronously and returns its stdout.
	//
	// # Description
	//
	// Executes the command and waits for completion. Stderr is captured and
	// folded into the returned error on failure.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - name: The executable name or path
	//   - args: Command arguments
	//
	// # Outputs
	//
	//   - []byte: Standard output
	//   - error: Non-nil if the command fails or is cancelled
	//
	// # Examples
	//
	//   out, err := pm.Run(ctx, "podman", "ps", "-a", "--format", "json")
	//
	// # Limitations
	//
	//   - Output is fully buffered; unsuitable for streaming
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunInDir executes a command in a working directory with extra env vars.
	//
	// # Description
	//
	// Like Run but sets the working directory and appends env entries of the
	// form KEY=VALUE to the inherited environment. Used for compose commands
	// that must run from the stack directory.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - dir: Working directory ("" means inherit)
	//   - env: Extra environment entries (may be nil)
	//   - name: The executable name or path
	//   - args: Command arguments
	//
	// # Outputs
	//
	//   - []byte: Standard output
	//   - error: Non-nil if the command fails
	RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)

	// RunStreaming executes a command with live stdout/stderr consumption.
	//
	// # Description
	//
	// Pipes the process's stdout and stderr to the two writers from two
	// concurrent readers, then waits for the process. Both writers may be the
	// same object if it serializes writes itself.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation (kills the process)
	//   - dir: Working directory ("" means inherit)
	//   - env: Extra environment entries (may be nil)
	//   - stdout: Receives the standard output stream
	//   - stderr: Receives the standard error stream
	//   - name: The executable name or path
	//   - args: Command arguments
	//
	// # Outputs
	//
	//   - error: Non-nil if the process fails or a stream copy fails
	//
	// # Limitations
	//
	//   - Exit output is not captured; callers needing output use Run
	RunStreaming(ctx context.Context, dir string, env []string, stdout, stderr io.Writer, name string, args ...string) error

	// LookupProcessName resolves a PID to a process name.
	//
	// # Description
	//
	// Queries the process table for the command name of the given PID.
	// Returns "" (not an error) when the PID is gone.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation
	//   - pid: Process id to resolve
	//
	// # Outputs
	//
	//   - string: Command name, "" if the process no longer exists
	//   - error: Non-nil only when the process table itself cannot be read
	LookupProcessName(ctx context.Context, pid int) (string, error)
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultProcessManager implements ProcessManager using os/exec.
//
// Production implementation; tests use MockProcessManager.
type DefaultProcessManager struct{}

// NewDefaultProcessManager creates a ProcessManager that executes real
// processes.
func NewDefaultProcessManager() *DefaultProcessManager {
	return &DefaultProcessManager{}
}

// Run executes a command synchronously and returns its stdout.
func (pm *DefaultProcessManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return pm.RunInDir(ctx, "", nil, name, args...)
}

// RunInDir executes a command in a working directory with extra env vars.
func (pm *DefaultProcessManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Include stderr in the error for debugging
		if stderr.Len() > 0 {
			return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", name, err)
	}

	return stdout.Bytes(), nil
}

// RunStreaming executes a command with live stdout/stderr consumption.
func (pm *DefaultProcessManager) RunStreaming(ctx context.Context, dir string, env []string, stdout, stderr io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	// One reader per stream. Interleaving order between the two streams is
	// not guaranteed; the writers must serialize their own writes.
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(stdout, outPipe)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(stderr, errPipe)
		return err
	})

	copyErr := g.Wait()
	waitErr := cmd.Wait()

	if waitErr != nil {
		return fmt.Errorf("%s: %w", name, waitErr)
	}
	return copyErr
}

// LookupProcessName resolves a PID to a process name via ps.
func (pm *DefaultProcessManager) LookupProcessName(ctx context.Context, pid int) (string, error) {
	cmd := exec.CommandContext(ctx, "ps", "-p", strconv.Itoa(pid), "-o", "comm=")
	output, err := cmd.Output()
	if err != nil {
		// ps exits 1 when the PID doesn't exist - not an error for us
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return "", nil
		}
		return "", fmt.Errorf("ps failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockProcessManager is a test double for ProcessManager.
//
// Configure the mock by setting function fields before use. A nil function
// field panics when the corresponding method is called.
//
// # Examples
//
//	mock := &MockProcessManager{
//	    RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
//	        if name == "podman" && args[0] == "ps" {
//	            return []byte("[]"), nil
//	        }
//	        return nil, fmt.Errorf("unexpected command: %s", name)
//	    },
//	}
type MockProcessManager struct {
	RunFunc               func(ctx context.Context, name string, args ...string) ([]byte, error)
	RunInDirFunc          func(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error)
	RunStreamingFunc      func(ctx context.Context, dir string, env []string, stdout, stderr io.Writer, name string, args ...string) error
	LookupProcessNameFunc func(ctx context.Context, pid int) (string, error)

	// Calls records all method invocations for verification.
	Calls []ProcessCall

	mu sync.Mutex
}

// ProcessCall records a single method invocation.
type ProcessCall struct {
	Method string
	Name   string
	Args   []string
}

func (m *MockProcessManager) record(method, name string, args []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, ProcessCall{Method: method, Name: name, Args: args})
}

// Run delegates to RunFunc and records the call.
func (m *MockProcessManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record("Run", name, args)
	if m.RunFunc == nil {
		panic("MockProcessManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// RunInDir delegates to RunInDirFunc, falling back to RunFunc.
func (m *MockProcessManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, error) {
	m.record("RunInDir", name, args)
	if m.RunInDirFunc != nil {
		return m.RunInDirFunc(ctx, dir, env, name, args...)
	}
	if m.RunFunc != nil {
		return m.RunFunc(ctx, name, args...)
	}
	panic("MockProcessManager.RunInDirFunc not set")
}

// RunStreaming delegates to RunStreamingFunc and records the call.
func (m *MockProcessManager) RunStreaming(ctx context.Context, dir string, env []string, stdout, stderr io.Writer, name string, args ...string) error {
	m.record("RunStreaming", name, args)
	if m.RunStreamingFunc == nil {
		panic("MockProcessManager.RunStreamingFunc not set")
	}
	return m.RunStreamingFunc(ctx, dir, env, stdout, stderr, name, args...)
}

// LookupProcessName delegates to LookupProcessNameFunc and records the call.
func (m *MockProcessManager) LookupProcessName(ctx context.Context, pid int) (string, error) {
	m.record("LookupProcessName", strconv.Itoa(pid), nil)
	if m.LookupProcessNameFunc == nil {
		panic("MockProcessManager.LookupProcessNameFunc not set")
	}
	return m.LookupProcessNameFunc(ctx, pid)
}

// CallsFor returns recorded calls whose executable matches name.
func (m *MockProcessManager) CallsFor(name string) []ProcessCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ProcessCall
	for _, c := range m.Calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Compile-time interface compliance check.
var (
	_ ProcessManager = (*DefaultProcessManager)(nil)
	_ ProcessManager = (*MockProcessManager)(nil)
)
