//go:build windows

package local

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func signalGroup(pid int, kill bool) {}

// rootSignal is always os.Kill; Windows has no termination request.
func rootSignal(kill bool) os.Signal { return os.Kill }
