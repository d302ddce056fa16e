//go:build !unix

package runtimectl

import "os/exec"

func detachSysProc(cmd *exec.Cmd) {}
