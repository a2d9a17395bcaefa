//go:build windows

package supervisor

import "os/exec"

// Windows has no process groups in the unix sense; the direct handle
// is the best the platform offers without job objects.
func setProcGroup(cmd *exec.Cmd) {}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}
