// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Personality controls how much decoration the CLI prints.
type Personality string

const (
	// PersonalityFull adds a banner, boxes and token usage lines.
	PersonalityFull Personality = "full"

	// PersonalityStandard uses colors and role labels.
	PersonalityStandard Personality = "standard"

	// PersonalityMinimal uses colors but no labels.
	PersonalityMinimal Personality = "minimal"

	// PersonalityMachine prints plain text suitable for scripts.
	PersonalityMachine Personality = "machine"
)

// ParsePersonality converts a flag or config value. Unknown values map to
// PersonalityStandard.
func ParsePersonality(s string) Personality {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "f":
		return PersonalityFull
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityStandard
	}
}

// Detect returns want, or PersonalityMachine when f is not a terminal.
func Detect(want Personality, f *os.File) Personality {
	if f == nil || !IsTerminal(f) {
		return PersonalityMachine
	}
	return want
}

// IsTerminal reports whether f is a TTY, including Cygwin terminals.
func IsTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Styled reports whether the level uses colors.
func (p Personality) Styled() bool {
	return p != PersonalityMachine
}

// Labels reports whether role labels are printed before messages.
func (p Personality) Labels() bool {
	return p == PersonalityFull || p == PersonalityStandard
}
