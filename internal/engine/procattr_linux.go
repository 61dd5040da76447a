//go:build linux

package engine

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the engine in its own process group and asks the kernel
// to signal it if the bridge dies first.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
