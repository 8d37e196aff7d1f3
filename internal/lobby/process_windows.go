//go:build windows

package lobby

import (
	"os"
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

func setPlatformProcessAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: createNewProcessGroup,
		HideWindow:    true,
	}
}

// interruptProcess kills outright: Windows has no deliverable interrupt for
// a detached console process.
func interruptProcess(p *os.Process) error {
	return p.Kill()
}
