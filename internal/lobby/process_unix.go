//go:build !windows

package lobby

import (
	"os"
	"os/exec"
	"syscall"
)

// setPlatformProcessAttrs starts the instance in its own process group with
// output discarded.
func setPlatformProcessAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err == nil {
		cmd.Stdout = devnull
		cmd.Stderr = devnull
	}
}

func interruptProcess(p *os.Process) error {
	return p.Signal(os.Interrupt)
}
