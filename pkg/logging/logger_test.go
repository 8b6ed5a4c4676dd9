// Copyright (C) 2025 doom-coding contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := tt.level.String()
			if got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLevel_Ordering(t *testing.T) {
	if LevelDebug >= LevelInfo {
		t.Error("LevelDebug should be < LevelInfo")
	}
	if LevelInfo >= LevelWarn {
		t.Error("LevelInfo should be < LevelWarn")
	}
	if LevelWarn >= LevelError {
		t.Error("LevelWarn should be < LevelError")
	}
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNew_DefaultConfig(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("New() returned nil")
	}
	defer logger.Close()

	if logger.minLevel != LevelInfo {
		t.Errorf("default min level = %v, want %v", logger.minLevel, LevelInfo)
	}
	if logger.durable != nil {
		t.Error("durable sink should be disabled without LogDir")
	}
}

func TestNew_Verbose(t *testing.T) {
	logger := New(Config{Verbose: true, UserOut: &bytes.Buffer{}})
	defer logger.Close()

	if logger.minLevel != LevelDebug {
		t.Errorf("verbose min level = %v, want %v", logger.minLevel, LevelDebug)
	}
	if !logger.Verbose() {
		t.Error("Verbose() = false, want true")
	}
}

func TestNew_Quiet(t *testing.T) {
	logger := New(Config{Quiet: true, UserOut: &bytes.Buffer{}})
	defer logger.Close()

	if logger.minLevel != LevelWarn {
		t.Errorf("quiet min level = %v, want %v", logger.minLevel, LevelWarn)
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "test", UserOut: &bytes.Buffer{}})
	defer logger.Close()

	if logger.durable == nil {
		t.Fatal("durable sink not created")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "test_") {
		t.Errorf("log file name = %q, want test_ prefix", entries[0].Name())
	}
}

func TestNew_InvalidLogDir(t *testing.T) {
	// A file in place of the directory makes MkdirAll fail; the logger
	// must degrade rather than error.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	logger := New(Config{LogDir: blocker, UserOut: &bytes.Buffer{}})
	defer logger.Close()

	if logger.durable != nil {
		t.Error("durable sink should be nil when the log dir is unusable")
	}
}

// =============================================================================
// Dual-Channel Tests
// =============================================================================

func TestLogger_UserSinkReceivesInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{UserOut: &buf, NoColor: true})
	defer logger.Close()

	logger.Info("stack is up")

	if !strings.Contains(buf.String(), "stack is up") {
		t.Errorf("user sink missing message, got %q", buf.String())
	}
}

func TestLogger_DebugHiddenByDefault(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{UserOut: &buf, NoColor: true})
	defer logger.Close()

	logger.Debug("internal detail")

	if buf.Len() != 0 {
		t.Errorf("debug reached user sink: %q", buf.String())
	}
}

func TestLogger_DebugShownInVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{UserOut: &buf, Verbose: true, NoColor: true})
	defer logger.Close()

	logger.Debug("internal detail")

	if !strings.Contains(buf.String(), "internal detail") {
		t.Errorf("verbose debug missing from user sink, got %q", buf.String())
	}
}

func TestLogger_NoiseFilteredFromUserSink(t *testing.T) {
	noisy := []string{
		"Copying blob sha256:abcdef012345",
		"Getting image source signatures",
		"Writing manifest to image destination",
		"Trying to pull docker.io/codercom/code-server:latest",
		"0123456789ab",
		"Digest: sha256:deadbeef",
		"network doomcoding_default created",
		"   ",
	}

	for _, msg := range noisy {
		var buf bytes.Buffer
		logger := New(Config{UserOut: &buf, NoColor: true})
		logger.Info(msg)
		logger.Close()

		if buf.Len() != 0 {
			t.Errorf("noise line %q reached user sink: %q", msg, buf.String())
		}
	}
}

func TestLogger_NoiseStillReachesDurableSink(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{LogDir: dir, Service: "test", UserOut: &buf, NoColor: true})

	logger.Info("Copying blob sha256:abcdef012345")
	logger.Close()

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatal("no durable log file")
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Copying blob") {
		t.Error("noise line missing from durable sink")
	}
	if buf.Len() != 0 {
		t.Errorf("noise line reached user sink: %q", buf.String())
	}
}

func TestLogger_WarningsNeverFiltered(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{UserOut: &buf, NoColor: true})
	defer logger.Close()

	// A warning shaped like noise must still surface.
	logger.Warn("Copying blob sha256:abcdef012345")

	if !strings.Contains(buf.String(), "Copying blob") {
		t.Errorf("warning was noise-filtered: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "warning:") {
		t.Errorf("missing warning prefix: %q", buf.String())
	}
}

func TestLogger_ErrorPrefix(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{UserOut: &buf, NoColor: true})
	defer logger.Close()

	logger.Error("pull failed")

	if !strings.Contains(buf.String(), "error: pull failed") {
		t.Errorf("got %q", buf.String())
	}
}

func TestLogger_VerboseDisablesNoiseFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{UserOut: &buf, Verbose: true, NoColor: true})
	defer logger.Close()

	logger.Info("Copying blob sha256:abcdef012345")

	if !strings.Contains(buf.String(), "Copying blob") {
		t.Errorf("verbose mode filtered noise: %q", buf.String())
	}
}

// =============================================================================
// Transform Tests
// =============================================================================

func TestApplyTransforms(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"started", "Container doom-code-server Started", "started doom-code-server"},
		{"stopped", "Container doom-tailscale Stopped", "stopped doom-tailscale"},
		{"created", "Container doom-assistant Created", "created doom-assistant"},
		{"recreating", "Recreating doom-code-server", "recreating doom-code-server"},
		{"error", "Error: no such image", "error: no such image"},
		{"untouched", "some unrelated line", "some unrelated line"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyTransforms(tt.in, defaultTransforms)
			if got != tt.want {
				t.Errorf("applyTransforms(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogger_TransformAppliedToUserSink(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{UserOut: &buf, NoColor: true})
	defer logger.Close()

	logger.Info("Container doom-code-server Started")

	got := strings.TrimSpace(buf.String())
	if got != "started doom-code-server" {
		t.Errorf("got %q, want %q", got, "started doom-code-server")
	}
}

func TestLogger_VerboseDisablesTransforms(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{UserOut: &buf, Verbose: true, NoColor: true})
	defer logger.Close()

	logger.Info("Container doom-code-server Started")

	if !strings.Contains(buf.String(), "Container doom-code-server Started") {
		t.Errorf("verbose mode transformed the line: %q", buf.String())
	}
}

// =============================================================================
// Noise Pattern Tests
// =============================================================================

func TestIsNoise(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"Copying blob sha256:0123456789ab", true},
		{"Copying config 0123456789ab", true},
		{"Storing signatures", true},
		{"Status: Downloaded newer image", true},
		{"", true},
		{"volume doom-code-server-data exists", true},
		{"Pulling doom-code-server", true},
		{"started doom-code-server", false},
		{"error: something broke", false},
		{"a normal message", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			if got := IsNoise(tt.line); got != tt.want {
				t.Errorf("IsNoise(%q) = %v, want %v", tt.line, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Progress Tests
// =============================================================================

func TestLogger_ProgressNonTTY(t *testing.T) {
	// A bytes.Buffer is not a terminal, so progress falls back to plain
	// lines.
	var buf bytes.Buffer
	logger := New(Config{UserOut: &buf, NoColor: true})
	defer logger.Close()

	logger.Progress("pulling 1 image layer")
	logger.Progress("pulling 2 image layers")
	logger.ProgressDone("pulled 2 image layers")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 plain lines, got %d: %q", len(lines), buf.String())
	}
	if lines[2] != "pulled 2 image layers" {
		t.Errorf("final line = %q", lines[2])
	}
}

func TestLogger_PrintfBypassesFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{UserOut: &buf, Quiet: true, NoColor: true})
	defer logger.Close()

	logger.Printf("access: https://%s:%d", "localhost", 8443)

	if !strings.Contains(buf.String(), "access: https://localhost:8443") {
		t.Errorf("got %q", buf.String())
	}
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestLogger_ConcurrentUse(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{UserOut: &buf, NoColor: true})
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.Info("concurrent message")
				logger.Progress("progress line")
				logger.Warn("concurrent warning")
			}
		}()
	}
	wg.Wait()

	// Every line must be complete: no interleaved partial writes.
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		valid := line == "concurrent message" ||
			line == "warning: concurrent warning" ||
			line == "progress line"
		if !valid {
			t.Fatalf("interleaved or corrupt line: %q", line)
		}
	}
}

// =============================================================================
// Helper Tests
// =============================================================================

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	tests := []struct {
		in   string
		want string
	}{
		{"~/logs", filepath.Join(home, "logs")},
		{"/var/log", "/var/log"},
		{"relative/path", "relative/path"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := expandPath(tt.in); got != tt.want {
				t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatAttrs(t *testing.T) {
	got := formatAttrs([]any{"port", 8443, "role", "code-server"})
	want := "port=8443 role=code-server"
	if got != want {
		t.Errorf("formatAttrs() = %q, want %q", got, want)
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	if logger == nil {
		t.Fatal("Default() returned nil")
	}
	logger.Close()
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	logger.Info("discarded")
	logger.Error("also discarded")
	logger.Close()
}
