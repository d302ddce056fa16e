//go:build unix

package runtimectl

import (
	"os/exec"
	"syscall"
)

// detachSysProc puts the child in its own session so it survives the parent's
// terminal closing.
func detachSysProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
