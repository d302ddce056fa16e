package runtimectl

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Daemonize re-executes the current binary detached from the terminal, with
// stdout/stderr appended to logPath. Returns the child pid.
func Daemonize(args []string, logPath string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locate executable: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), EnvDaemon+"=1")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	detachSysProc(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	// The child owns its own lifecycle from here.
	_ = cmd.Process.Release()
	return pid, nil
}

// IsDaemonChild reports whether this process was spawned by Daemonize.
func IsDaemonChild() bool {
	return os.Getenv(EnvDaemon) == "1"
}
