package ui

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// ShouldUseColor reports whether stdout should get ANSI colors. NO_COLOR
// wins over CLICOLOR_FORCE, which wins over CLICOLOR and TTY detection.
func ShouldUseColor() bool {
	if noColor || os.Getenv("NO_COLOR") != "" {
		return false
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR_FORCE")) == "1" {
		return true
	}
	if strings.TrimSpace(os.Getenv("CLICOLOR")) == "0" {
		return false
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Configure disables color for the process when stdout should not get it.
func Configure() {
	if !ShouldUseColor() {
		ForceNoColor()
	}
}
