//go:build linux

package pool

import (
	"os/exec"
	"syscall"
)

// configureSysProcAttr makes the kernel send SIGTERM to a worker when the
// loader dies without running its cleanup.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
	}
}
