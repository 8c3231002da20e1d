// File: internal/ui/phase_console.go
// Brief: Internal ui package implementation for 'phase console'.

package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"github.com/example/slipway/pkg/pipeline"
)

type PhaseConsoleOptions struct {
	// Animate draws a spinner for long phases; off it prints plain lines.
	Animate bool
	Width   int
}

// PhaseConsole renders pipeline lifecycle transitions, one line per phase.
// It implements pipeline.PhaseEmitter.
type PhaseConsole struct {
	out  io.Writer
	opts PhaseConsoleOptions

	mu   sync.Mutex
	stop func(success bool)
}

func NewPhaseConsole(out io.Writer, opts PhaseConsoleOptions) *PhaseConsole {
	if opts.Width <= 0 {
		if cols, ok := TerminalWidth(out); ok {
			opts.Width = cols
		} else {
			opts.Width = 120
		}
	}
	return &PhaseConsole{out: out, opts: opts}
}

func (c *PhaseConsole) EmitPhase(state pipeline.State, message string) {
	if c == nil || c.out == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := state == pipeline.StateCrashed
	if c.stop != nil {
		c.stop(!failed)
		c.stop = nil
	}
	line := fmt.Sprintf("%s %s", phaseToken(state), c.clamp(message))
	if c.opts.Animate && spinnerPhase(state) {
		c.stop = StartSpinner(c.out, line)
		return
	}
	fmt.Fprintln(c.out, line)
}

// Done settles any active spinner; callers invoke it once after the
// pipeline returns so an aborted phase still prints its status.
func (c *PhaseConsole) Done(success bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		c.stop(success)
		c.stop = nil
	}
}

func (c *PhaseConsole) clamp(message string) string {
	msg := strings.TrimSpace(message)
	if c.opts.Width < 100 && runewidth.StringWidth(msg) > 72 {
		msg = runewidth.Truncate(msg, 72, "...")
	}
	return msg
}

// spinnerPhase reports whether a phase runs long enough to animate.
func spinnerPhase(state pipeline.State) bool {
	switch state {
	case pipeline.StateInstalling, pipeline.StateStaging:
		return true
	}
	return false
}

func phaseToken(state pipeline.State) string {
	label := fmt.Sprintf("[%s]", strings.ToLower(string(state)))
	switch state {
	case pipeline.StateCrashed:
		return color.New(color.FgHiRed).Sprint(label)
	case pipeline.StateRunning, pipeline.StateExited:
		return color.New(color.FgHiGreen).Sprint(label)
	default:
		return color.New(color.FgHiBlue).Sprint(label)
	}
}

// ApplyColorMode maps the --color value onto the process-wide color switch.
func ApplyColorMode(mode string) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "always":
		color.NoColor = false
	case "never":
		color.NoColor = true
	}
}
