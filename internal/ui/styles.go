// Package ui styles plangraph's terminal output.
package ui

import "fmt"

// ANSI 256 palette.
const (
	colorAccent = 74  // blue
	colorCmd    = 250 // light gray
	colorMuted  = 245 // medium gray
	colorOK     = 71  // green
	colorWarn   = 173 // orange
)

var noColor bool

func render(code int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", code, s)
}

// RenderAccent styles section headers and node ids.
func RenderAccent(s string) string { return render(colorAccent, s) }

// RenderMuted styles secondary text such as defaults and node types.
func RenderMuted(s string) string { return render(colorMuted, s) }

// RenderCommand styles command names in help output.
func RenderCommand(s string) string { return render(colorCmd, s) }

// RenderOK styles results within capacity.
func RenderOK(s string) string { return render(colorOK, s) }

// RenderWarn styles over-allocation and inconsistency warnings.
func RenderWarn(s string) string { return render(colorWarn, s) }

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
