// Copyright (C) 2025 doom-coding contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// =============================================================================
// Subprocess Stream Filtering
// =============================================================================

// StreamFilter classifies and routes live subprocess output through a
// Logger.
//
// # Description
//
// Compose pull/up commands emit a mix of lifecycle events, image layer
// progress, and runtime chatter on stdout and stderr. StreamFilter
// provides one io.Writer per stream; both feed a shared classifier:
//
//   - image layer copy lines are coalesced into a single progress line
//     counting distinct layers, redrawn in place; a pull completion
//     marker ends the counter and prints the final status line, so each
//     image in a multi-image pull gets its own count
//   - lifecycle events (created/started/stopped/removed) log at info
//   - lines containing error/failed/fatal log at error
//   - warning lines log at warning
//   - everything else logs at debug (durable sink, console in verbose)
//
// The Logger's own noise filter then decides what the user sees; the
// durable sink records every line either way.
//
// # Thread Safety
//
// The two writers are written from separate goroutines (one per pipe).
// Each writer keeps its own partial-line buffer; classification state is
// protected by a mutex.
//
// # Examples
//
//	sf := logging.NewStreamFilter(logger)
//	err := pm.RunStreaming(ctx, dir, env, sf.Stdout(), sf.Stderr(), "podman-compose", "up", "-d")
//	sf.Flush()
type StreamFilter struct {
	logger *Logger

	// mu protects layers and the progress counter
	mu     sync.Mutex
	layers map[string]struct{}
}

var (
	layerCopyPattern = regexp.MustCompile(`^Copying blob (?:sha256:)?([0-9a-f]+)`)
	pullDonePattern  = regexp.MustCompile(`^(Writing manifest to image destination|Storing signatures)`)
	lifecyclePattern = regexp.MustCompile(`(?i)^(container [\w-]+\s+(created|started|stopped|removed)|recreating [\w-]+)`)
	errorPattern     = regexp.MustCompile(`(?i)\b(error|failed|fatal)\b`)
	warnPattern      = regexp.MustCompile(`(?i)\bwarn(ing)?\b`)
)

// NewStreamFilter creates a StreamFilter routing into logger.
func NewStreamFilter(logger *Logger) *StreamFilter {
	return &StreamFilter{
		logger: logger,
		layers: make(map[string]struct{}),
	}
}

// Stdout returns the writer for the subprocess's standard output.
func (f *StreamFilter) Stdout() io.Writer {
	return &lineWriter{filter: f, stream: "stdout"}
}

// Stderr returns the writer for the subprocess's standard error.
func (f *StreamFilter) Stderr() io.Writer {
	return &lineWriter{filter: f, stream: "stderr"}
}

// Flush finalizes the layer-pull progress line if one was active.
// Call after the subprocess exits; pulls that ended with a completion
// marker have already been finalized in-stream.
func (f *StreamFilter) Flush() {
	f.finalizePull()
}

// finalizePull ends the current layer counter and prints its status
// line. A no-op when no layers were counted since the last finalize.
func (f *StreamFilter) finalizePull() {
	f.mu.Lock()
	n := len(f.layers)
	f.layers = make(map[string]struct{})
	f.mu.Unlock()
	if n > 0 {
		f.logger.ProgressDone("pulled " + plural(n, "image layer"))
	}
}

// process classifies one complete line from one stream.
func (f *StreamFilter) process(line, stream string) {
	line = strings.TrimRight(line, " \t")
	if line == "" {
		return
	}

	// Layer pulls coalesce into one redrawn counter instead of a line
	// per layer.
	if m := layerCopyPattern.FindStringSubmatch(line); m != nil {
		f.mu.Lock()
		f.layers[m[1]] = struct{}{}
		n := len(f.layers)
		f.mu.Unlock()
		f.logger.Progress("pulling " + plural(n, "image layer"))
		return
	}

	// A completion marker ends the current image's counter so the next
	// image starts a fresh count.
	if pullDonePattern.MatchString(line) {
		f.finalizePull()
		f.logger.Debug(line, "stream", stream)
		return
	}

	switch {
	case errorPattern.MatchString(line):
		f.logger.Error(line, "stream", stream)
	case warnPattern.MatchString(line):
		f.logger.Warn(line, "stream", stream)
	case lifecyclePattern.MatchString(line):
		f.logger.Info(line, "stream", stream)
	default:
		f.logger.Debug(line, "stream", stream)
	}
}

// lineWriter buffers a single stream into complete lines.
//
// Each instance is written from exactly one goroutine, so the partial
// buffer needs no lock.
type lineWriter struct {
	filter *StreamFilter
	stream string
	buf    []byte
}

// Write implements io.Writer. Both \n and \r terminate a line; podman
// uses \r for in-place progress updates.
func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := -1
		for i, b := range w.buf {
			if b == '\n' || b == '\r' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		line := string(w.buf[:idx])
		w.buf = w.buf[idx+1:]
		w.filter.process(line, w.stream)
	}
	return len(p), nil
}

// plural formats "N noun" / "N nouns".
func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}
