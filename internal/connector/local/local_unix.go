//go:build !windows

package local

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the command in its own process group so the whole
// pipeline can be signalled at once.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

func signalGroup(pid int, kill bool) {
	sig := syscall.SIGTERM
	if kill {
		sig = syscall.SIGKILL
	}
	_ = syscall.Kill(-pid, sig)
}

func rootSignal(kill bool) os.Signal {
	if kill {
		return syscall.SIGKILL
	}
	return syscall.SIGTERM
}
