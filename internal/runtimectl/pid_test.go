package runtimectl

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "mozi.pid")

	if err := WritePID(path); err != nil {
		t.Fatal(err)
	}
	pid, err := ReadPID(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid != os.Getpid() {
		t.Errorf("ReadPID = %d, want %d", pid, os.Getpid())
	}

	RemovePID(path)
	pid, err = ReadPID(path)
	if err != nil || pid != 0 {
		t.Errorf("after remove: (%d, %v), want (0, nil)", pid, err)
	}
}

func TestReadPIDCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mozi.pid")
	if err := os.WriteFile(path, []byte("not a pid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPID(path); err == nil {
		t.Fatal("corrupt pid file read without error")
	}
}

func TestIsRunning(t *testing.T) {
	if !IsRunning(os.Getpid()) {
		t.Error("own process reported dead")
	}
	if IsRunning(0) || IsRunning(-1) {
		t.Error("non-positive pid reported running")
	}
}

func TestStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mozi.pid")

	if pid, running := Status(path); pid != 0 || running {
		t.Errorf("Status with no file = (%d, %v)", pid, running)
	}

	if err := WritePID(path); err != nil {
		t.Fatal(err)
	}
	pid, running := Status(path)
	if pid != os.Getpid() || !running {
		t.Errorf("Status = (%d, %v)", pid, running)
	}
}
