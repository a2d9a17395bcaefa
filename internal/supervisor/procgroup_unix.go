//go:build unix

package supervisor

import (
	"os/exec"
	"syscall"
)

// setProcGroup places the child in its own process group so a kill
// reaches grandchildren spawned by the worker script.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		// Group may already be gone; fall back to the direct handle.
		cmd.Process.Kill()
	}
}
