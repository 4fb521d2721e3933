//go:build unix

package local

import (
	"os/exec"
	"syscall"
)

// newCommand starts the interpreter in its own process group so Kill also
// reaches children that inherited the output pipes.
func newCommand(interpreter string, argv []string) *exec.Cmd {
	cmd := exec.Command(interpreter, argv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func kill(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
