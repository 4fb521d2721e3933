//go:build !unix

package local

import "os/exec"

func newCommand(interpreter string, argv []string) *exec.Cmd {
	return exec.Command(interpreter, argv...)
}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
