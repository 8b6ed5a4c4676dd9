// Copyright (C) 2025 doom-coding contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for externally-sourced strings that end up
// in subprocess calls. Container and volume names reported by the runtime are
// attacker-influenced (anyone can name a container), so they are validated
// before being passed back to podman as arguments.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// namePattern matches valid container and volume names.
// Mirrors the runtime's own naming rules: must start with an alphanumeric,
// then alphanumerics, underscores, dots, and hyphens.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-]*$`)

// maxNameLen is a sanity bound; runtime names are far shorter in practice.
const maxNameLen = 255

// ValidateContainerName validates a container name before it is used as a
// subprocess argument.
//
// Valid names:
//   - 1-255 characters
//   - Start with a letter or digit
//   - Contain only letters, digits, underscores, dots, and hyphens
//
// Returns an error if the name is invalid.
//
// Example:
//
//	if err := validation.ValidateContainerName(name); err != nil {
//	    return fmt.Errorf("refusing to act on %q: %w", name, err)
//	}
//	// Safe to pass to podman
func ValidateContainerName(name string) error {
	if name == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("container name too long: %d chars", len(name))
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid container name: %q (must be alphanumeric with _ . -)", name)
	}
	return nil
}

// ValidateVolumeName validates a named volume. The runtime applies the same
// naming rules to volumes as to containers.
func ValidateVolumeName(name string) error {
	if err := ValidateContainerName(name); err != nil {
		return fmt.Errorf("volume: %w", err)
	}
	return nil
}

// SanitizeContainerName trims and validates a container name.
// Returns the trimmed name if valid, or an error if invalid.
func SanitizeContainerName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if err := ValidateContainerName(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
