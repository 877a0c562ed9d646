// Package cli provides shared terminal output utilities for warden commands.
package cli

import (
	"os"

	"golang.org/x/term"
)

// ANSI style codes.
const (
	Reset = "\033[0m"
	Bold  = "\033[1m"
	Dim   = "\033[2m"

	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
	Gray   = "\033[90m"
)

var colorsEnabled *bool

// ColorsEnabled returns true when stdout is a terminal and NO_COLOR is unset.
func ColorsEnabled() bool {
	if colorsEnabled != nil {
		return *colorsEnabled
	}
	enabled := term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""
	colorsEnabled = &enabled
	return enabled
}

// ForceColors overrides terminal detection.
func ForceColors(enabled bool) {
	colorsEnabled = &enabled
}

// Paint wraps s in the given style when colors are enabled.
func Paint(style, s string) string {
	if !ColorsEnabled() {
		return s
	}
	return style + s + Reset
}

// StatusColor maps a health status to a display style.
func StatusColor(status string) string {
	switch status {
	case "healthy":
		return Green
	case "degraded":
		return Yellow
	default:
		return Red
	}
}
