//go:build !unix

package toolexecutor

import (
	"os"
	"os/exec"
)

var errProcessDone = os.ErrProcessDone

func setProcessGroup(cmd *exec.Cmd) {}

func signalProcess(cmd *exec.Cmd, force bool) error {
	if cmd.Process == nil {
		return errProcessDone
	}
	if !force {
		if err := cmd.Process.Signal(os.Interrupt); err == nil {
			return nil
		}
	}
	return cmd.Process.Kill()
}
