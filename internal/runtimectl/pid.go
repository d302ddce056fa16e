// Package runtimectl controls the runtime host process: PID file handling,
// daemonization, SIGTERM stop, log tailing, and service install.
package runtimectl

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// EnvDaemon marks a re-executed child that must detach from the terminal.
const EnvDaemon = "MOZI_DAEMON"

// WritePID records the current process id. The parent directory is created
// when missing.
func WritePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(path, []byte(pid), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPID returns the recorded pid, 0 when the file is absent.
func ReadPID(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s is corrupt: %w", path, err)
	}
	return pid, nil
}

// RemovePID deletes the pid file. Missing is fine.
func RemovePID(path string) {
	_ = os.Remove(path)
}

// IsRunning probes whether pid names a live process (signal 0).
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Stop sends SIGTERM to the recorded process and waits for it to exit, up to
// timeout. A stale pid file is cleaned up and reported as not running.
func Stop(pidPath string, timeout time.Duration) error {
	pid, err := ReadPID(pidPath)
	if err != nil {
		return err
	}
	if pid == 0 || !IsRunning(pid) {
		RemovePID(pidPath)
		return fmt.Errorf("runtime is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !IsRunning(pid) {
			RemovePID(pidPath)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("process %d did not exit within %s", pid, timeout)
}

// Status returns the recorded pid and whether it is live.
func Status(pidPath string) (int, bool) {
	pid, err := ReadPID(pidPath)
	if err != nil || pid == 0 {
		return 0, false
	}
	return pid, IsRunning(pid)
}
