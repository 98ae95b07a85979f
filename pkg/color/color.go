// Package color provides terminal color output for lvsnap.
// It respects the NO_COLOR environment variable (https://no-color.org/)
// and stays off when stdout is not a terminal, such as under cron.
package color

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/mattn/go-isatty"
)

var state struct {
	enabled    atomic.Bool
	overridden atomic.Bool
}

// Init decides whether color is used. noColorFlag, NO_COLOR, TERM=dumb
// and a non-terminal stdout all turn it off.
func Init(noColorFlag bool) {
	if state.overridden.Load() {
		return
	}
	state.enabled.Store(detect(noColorFlag, os.Stdout.Fd()))
}

func detect(noColorFlag bool, fd uintptr) bool {
	if noColorFlag {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Enabled returns true if color output is enabled.
func Enabled() bool {
	return state.enabled.Load()
}

// Disable turns off color output.
func Disable() {
	state.overridden.Store(true)
	state.enabled.Store(false)
}

// Enable turns on color output.
func Enable() {
	state.overridden.Store(true)
	state.enabled.Store(true)
}

// ANSI color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	DimCode = "\033[2m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Cyan    = "\033[36m"
)

func wrap(code, s string) string {
	if !Enabled() {
		return s
	}
	return code + s + Reset
}

// Success formats a success message in green.
func Success(s string) string { return wrap(Green, s) }

// Successf formats a success message with printf-style arguments.
func Successf(format string, args ...any) string {
	return Success(fmt.Sprintf(format, args...))
}

// Error formats an error message in red.
func Error(s string) string { return wrap(Red, s) }

// Warning formats a warning message in yellow.
func Warning(s string) string { return wrap(Yellow, s) }

// Info formats an informational message in cyan.
func Info(s string) string { return wrap(Cyan, s) }

// Header formats a header in bold.
func Header(s string) string { return wrap(Bold, s) }

// Dim formats secondary information.
func Dim(s string) string { return wrap(DimCode, s) }

// Severity colors a doctor severity or lock state by how bad it is.
func Severity(s string) string {
	switch s {
	case "critical", "error":
		return Error(s)
	case "warning", "expired":
		return Warning(s)
	case "held":
		return Info(s)
	case "ok", "free":
		return Success(s)
	}
	return s
}
