//go:build unix

package toolexecutor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

var errProcessDone = os.ErrProcessDone

func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// signalProcess signals the whole process group so children spawned by a shell die too
func signalProcess(cmd *exec.Cmd, force bool) error {
	if cmd.Process == nil {
		return errProcessDone
	}
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}

	err := syscall.Kill(-cmd.Process.Pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return errProcessDone
	}
	return cmd.Process.Signal(sig)
}
