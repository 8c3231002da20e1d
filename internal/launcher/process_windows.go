// File: internal/launcher/process_windows.go
// Brief: Process termination fallbacks for Windows.

//go:build windows

package launcher

import (
	"os"
	"os/exec"
)

func configureProcAttr(cmd *exec.Cmd) {}

// Windows has no process groups in the POSIX sense; termination is a kill
// of the direct child.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return os.ErrProcessDone
	}
	return cmd.Process.Kill()
}

func kill(cmd *exec.Cmd) error {
	return terminate(cmd)
}

func signalOf(_ *exec.ExitError) (int, bool) {
	return 0, false
}
