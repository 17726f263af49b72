//go:build !linux

package pool

import "os/exec"

// configureSysProcAttr is a no-op, Pdeathsig is Linux only.
func configureSysProcAttr(_ *exec.Cmd) {}
