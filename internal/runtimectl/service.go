package runtimectl

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const systemdUnit = `[Unit]
Description=Mozi runtime host
After=network-online.target

[Service]
ExecStart=%s runtime start --foreground --config %s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key><string>ai.mozi.runtime</string>
	<key>ProgramArguments</key>
	<array>
		<string>%s</string>
		<string>runtime</string>
		<string>start</string>
		<string>--foreground</string>
		<string>--config</string>
		<string>%s</string>
	</array>
	<key>RunAtLoad</key><true/>
	<key>KeepAlive</key><true/>
</dict>
</plist>
`

// ServicePath returns where the user-level service definition lives on this
// platform.
func ServicePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", "ai.mozi.runtime.plist"), nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", "mozi.service"), nil
	default:
		return "", fmt.Errorf("service install is not supported on %s", runtime.GOOS)
	}
}

// InstallService writes a user-level service definition pointing at the
// current binary and config path. Returns the written path.
func InstallService(configPath string) (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate executable: %w", err)
	}
	dest, err := ServicePath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create service dir: %w", err)
	}

	var body string
	if runtime.GOOS == "darwin" {
		body = fmt.Sprintf(launchdPlist, exe, configPath)
	} else {
		body = fmt.Sprintf(systemdUnit, exe, configPath)
	}
	if err := os.WriteFile(dest, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("write service file: %w", err)
	}
	return dest, nil
}

// UninstallService removes the service definition. Missing is fine.
func UninstallService() (string, error) {
	dest, err := ServicePath()
	if err != nil {
		return "", err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove service file: %w", err)
	}
	return dest, nil
}
