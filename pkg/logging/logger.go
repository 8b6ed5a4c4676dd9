// Copyright (C) 2025 doom-coding contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides the dual-channel logger for doom-coding.
//
// Every event travels two independent paths:
//
//	┌────────────────────────────────────────────────────────────┐
//	│                        Logger                              │
//	│  ┌──────────────────────┐  ┌─────────────────────────────┐ │
//	│  │   durable sink       │  │   user sink                 │ │
//	│  │   JSON log file      │  │   console, filtered,        │ │
//	│  │   debug+, unfiltered │  │   transformed, level-gated  │ │
//	│  └──────────────────────┘  └─────────────────────────────┘ │
//	└────────────────────────────────────────────────────────────┘
//
//   - The durable sink is structured JSON written via log/slog at debug
//     level and above, never filtered. It is the forensic record of what
//     the engine actually did.
//   - The user sink is human-readable console output, filtered for
//     container-runtime noise, rewritten for readability, and gated by a
//     minimum level that drops to debug in verbose mode.
//
// Noise filtering and transformation apply to the user sink only. A line
// suppressed on the console is still present, verbatim, in the log file.
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//	    LogDir:  "~/.doom-coding/logs",
//	    Service: "doomctl",
//	})
//	defer logger.Close()
//	logger.Info("starting stack", "services", 3)
//
// # Thread Safety
//
// Logger is safe for concurrent use. A single mutex serializes user sink
// writes so progress-line redraws and concurrent stream output never
// interleave mid-line.
//
// # Failure Policy
//
// Logging failures never propagate: a full disk or unopenable log file
// degrades output but does not fail an operation.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity levels.
//
// Levels follow the slog convention and are ordered by severity:
// Debug < Info < Warn < Error
type Level int

const (
	// LevelDebug is for development troubleshooting and raw subprocess
	// output. Shown on the user sink only in verbose mode.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for recoverable issues (degraded detection, health
	// timeouts, fallback values).
	LevelWarn

	// LevelError is for operation failures. Errors always reach the user
	// sink and are never noise-filtered.
	LevelError
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel converts our Level to slog.Level.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures Logger construction.
//
// A zero-value Config creates a logger with the user sink on stderr at
// Info level and no durable sink.
type Config struct {
	// LogDir enables the durable sink in the given directory.
	//
	// Logs are written to "{Service}_{YYYY-MM-DD}.log" in JSON format at
	// debug level regardless of the user sink level. Supports ~ expansion.
	//
	// Default: "" (durable sink disabled)
	LogDir string

	// Service identifies the component generating logs. Included in every
	// durable record as the "service" attribute.
	Service string

	// Verbose lowers the user sink threshold from Info to Debug and
	// disables both the noise filter and the readability transforms,
	// showing raw subprocess output and attribute details.
	Verbose bool

	// Quiet raises the user sink threshold to Warn.
	Quiet bool

	// UserOut receives user-facing output.
	//
	// Default: os.Stderr
	UserOut io.Writer

	// NoColor disables styling even when UserOut is a terminal.
	NoColor bool
}

// =============================================================================
// Noise Filtering & Transforms
// =============================================================================

// noisePatterns match container-runtime chatter that users never need to
// see: image layer pulls, digest and status trailers, bare content IDs,
// network/volume bookkeeping, blank lines. Matched lines reach the
// durable sink only.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^Copying (blob|config) `),
	regexp.MustCompile(`^Getting image source signatures`),
	regexp.MustCompile(`^Writing manifest to image destination`),
	regexp.MustCompile(`^Storing signatures`),
	regexp.MustCompile(`^(Trying to pull|Pulling) `),
	regexp.MustCompile(`^Resolved ".+" as an alias`),
	regexp.MustCompile(`^[0-9a-f]{12}([0-9a-f]{52})?$`),
	regexp.MustCompile(`(?i)^(digest|status):\s`),
	regexp.MustCompile(`(?i)(network|volume) "?[\w.-]+"? (created|exists|removed)`),
	regexp.MustCompile(`^\s*$`),
	regexp.MustCompile(`^\s*\d+(\.\d+)?\s*[KMG]i?B\s*/\s*\d+`),
}

// TransformRule rewrites a user-sink line whose raw form matches Pattern.
// Rules are applied in order and the first match wins; Replace may use
// $1-style group references.
type TransformRule struct {
	Pattern *regexp.Regexp
	Replace string
}

// defaultTransforms map raw runtime phrasing onto the vocabulary the rest
// of the tool speaks.
var defaultTransforms = []TransformRule{
	{regexp.MustCompile(`(?i)^container ([\w-]+)\s+started`), "started $1"},
	{regexp.MustCompile(`(?i)^container ([\w-]+)\s+stopped`), "stopped $1"},
	{regexp.MustCompile(`(?i)^container ([\w-]+)\s+created`), "created $1"},
	{regexp.MustCompile(`(?i)^container ([\w-]+)\s+removed`), "removed $1"},
	{regexp.MustCompile(`(?i)^recreating ([\w-]+)`), "recreating $1"},
	{regexp.MustCompile(`(?i)^error:?\s+(.+)`), "error: $1"},
}

// IsNoise reports whether a raw line would be suppressed on the user
// sink. Exported for the stream filter in this package.
func IsNoise(line string) bool {
	for _, p := range noisePatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// applyTransforms runs the ordered rewrite rules over a line.
func applyTransforms(line string, rules []TransformRule) string {
	for _, r := range rules {
		if r.Pattern.MatchString(line) {
			return r.Pattern.ReplaceAllString(line, r.Replace)
		}
	}
	return line
}

// =============================================================================
// Logger
// =============================================================================

// Logger provides dual-channel logging with user-sink filtering.
//
// # Resource Management
//
// Always call Close() when done with a logger that has a durable sink:
//
//	logger := logging.New(config)
//	defer logger.Close()
type Logger struct {
	// durable is the structured JSON logger (nil when disabled)
	durable *slog.Logger

	// file is the durable sink file handle (nil when disabled)
	file *os.File

	// userOut receives user-facing output
	userOut io.Writer

	// minLevel gates the user sink
	minLevel Level

	verbose    bool
	transforms []TransformRule

	// isTTY enables \r progress redraws and styling
	isTTY bool

	// progressActive/progressWidth track the transient status line
	progressActive bool
	progressWidth  int

	styleWarn  lipgloss.Style
	styleError lipgloss.Style
	styleDim   lipgloss.Style

	// mu serializes all user sink writes
	mu sync.Mutex
}

// New creates a new Logger with the given configuration.
//
// Failure to open the durable sink is not fatal: the logger degrades to
// user-sink-only and notes the degradation once on stderr.
//
// Parameters:
//   - config: Logger configuration (see Config for options)
//
// Returns:
//   - *Logger: Configured logger, never nil
func New(config Config) *Logger {
	userOut := config.UserOut
	if userOut == nil {
		userOut = os.Stderr
	}

	isTTY := false
	if f, ok := userOut.(*os.File); ok {
		isTTY = isatty.IsTerminal(f.Fd())
	}

	minLevel := LevelInfo
	if config.Verbose {
		minLevel = LevelDebug
	}
	if config.Quiet {
		minLevel = LevelWarn
	}

	l := &Logger{
		userOut:    userOut,
		minLevel:   minLevel,
		verbose:    config.Verbose,
		transforms: defaultTransforms,
		isTTY:      isTTY,
	}

	if isTTY && !config.NoColor {
		l.styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
		l.styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
		l.styleDim = lipgloss.NewStyle().Faint(true)
	} else {
		l.styleWarn = lipgloss.NewStyle()
		l.styleError = lipgloss.NewStyle()
		l.styleDim = lipgloss.NewStyle()
	}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		serviceName := config.Service
		if serviceName == "" {
			serviceName = "doomctl"
		}
		file, err := openLogFile(logDir, serviceName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: file logging disabled: %v\n", err)
		} else {
			l.file = file
			// Durable sink always records at debug, independent of the
			// user sink threshold.
			handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
			handler2 := handler.WithAttrs([]slog.Attr{slog.String("service", serviceName)})
			l.durable = slog.New(handler2)
		}
	}

	return l
}

// Default returns a logger with default settings: user sink on stderr at
// Info level, no durable sink.
func Default() *Logger {
	return New(Config{Service: "doomctl"})
}

// NewNop returns a logger that discards everything. For tests.
func NewNop() *Logger {
	return New(Config{UserOut: io.Discard, Quiet: true, NoColor: true})
}

// openLogFile opens the dated durable sink file in append mode.
func openLogFile(dir, service string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	filename := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// Close flushes and closes the durable sink.
//
// Returns:
//   - error: Non-nil if sync or close of the log file failed
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clearProgressLocked()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			l.file.Close()
			return fmt.Errorf("sync log file: %w", err)
		}
		return l.file.Close()
	}
	return nil
}

// Debug logs a message at Debug level.
//
// Debug messages reach the user sink only in verbose mode; the durable
// sink records them always.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs a message at Info level.
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a message at Warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs a message at Error level.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// Verbose reports whether the logger was built in verbose mode.
func (l *Logger) Verbose() bool {
	return l.verbose
}

// log writes to the durable sink unconditionally, then to the user sink
// when the level passes the gate and the line is not noise.
func (l *Logger) log(level Level, msg string, args ...any) {
	if l.durable != nil {
		switch level {
		case LevelDebug:
			l.durable.Debug(msg, args...)
		case LevelInfo:
			l.durable.Info(msg, args...)
		case LevelWarn:
			l.durable.Warn(msg, args...)
		case LevelError:
			l.durable.Error(msg, args...)
		}
	}

	if level < l.minLevel {
		return
	}

	line := msg
	if l.verbose {
		// Verbose shows everything raw: no noise filter, no transforms.
		if len(args) > 0 {
			line += " " + l.styleDim.Render(formatAttrs(args))
		}
	} else {
		// Warnings and errors are never suppressed as noise.
		if level < LevelWarn && IsNoise(msg) {
			return
		}
		line = applyTransforms(msg, l.transforms)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.clearProgressLocked()
	switch {
	case level >= LevelError:
		fmt.Fprintln(l.userOut, l.styleError.Render("error:")+" "+line)
	case level >= LevelWarn:
		fmt.Fprintln(l.userOut, l.styleWarn.Render("warning:")+" "+line)
	default:
		fmt.Fprintln(l.userOut, line)
	}
}

// Printf writes directly to the user sink, bypassing the noise filter and
// transforms. Used for deliberate output such as access URLs and plan
// summaries. The durable sink still records it.
func (l *Logger) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l.durable != nil {
		l.durable.Info(msg)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clearProgressLocked()
	fmt.Fprintln(l.userOut, msg)
}

// =============================================================================
// Progress Line
// =============================================================================

// Progress draws a transient single-line status overwritten by the next
// Progress call and cleared by any other user-sink output. On non-TTY
// output it falls back to plain lines so piped logs stay readable.
func (l *Logger) Progress(msg string) {
	if l.durable != nil {
		l.durable.Debug(msg, "progress", true)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isTTY {
		fmt.Fprintln(l.userOut, msg)
		return
	}
	// Pad over the previous line's remainder before redrawing.
	pad := ""
	if n := l.progressWidth - len(msg); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprintf(l.userOut, "\r%s%s", l.styleDim.Render(msg), pad)
	l.progressActive = true
	l.progressWidth = len(msg)
}

// ProgressDone finalizes the progress line with msg and a newline.
func (l *Logger) ProgressDone(msg string) {
	if l.durable != nil {
		l.durable.Debug(msg, "progress", true)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isTTY {
		fmt.Fprintln(l.userOut, msg)
		return
	}
	pad := ""
	if n := l.progressWidth - len(msg); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprintf(l.userOut, "\r%s%s\n", msg, pad)
	l.progressActive = false
	l.progressWidth = 0
}

// clearProgressLocked erases an active progress line so normal output
// starts on a clean line. Caller holds l.mu.
func (l *Logger) clearProgressLocked() {
	if !l.progressActive {
		return
	}
	fmt.Fprintf(l.userOut, "\r%s\r", strings.Repeat(" ", l.progressWidth))
	l.progressActive = false
	l.progressWidth = 0
}

// =============================================================================
// Helper Functions
// =============================================================================

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// formatAttrs renders slog-style key/value pairs as k=v tokens for the
// verbose user sink.
func formatAttrs(args []any) string {
	var b strings.Builder
	for i := 0; i+1 < len(args); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", args[i], args[i+1])
	}
	return b.String()
}
