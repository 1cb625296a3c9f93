package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var ErrNotRunning = errors.New("PID file does not exist, node is not running")

// PIDManager keeps the PID file of the running node. The file is pid_path,
// relative to data_dir (the app data directory by default).
type PIDManager struct {
	path  string
	grace time.Duration
}

func NewPIDManager(cm *ConfigManager) (*PIDManager, error) {
	dir := cm.GetConfigWithDefault("data_dir", "")
	if dir == "" {
		dir = GetAppPaths("").DataDir
	}

	name := filepath.FromSlash(cm.GetConfigWithDefault("pid_path", AppName+".pid"))
	path := name
	if !filepath.IsAbs(name) {
		path = filepath.Join(dir, name)
	}

	return &PIDManager{
		path:  path,
		grace: cm.GetConfigDuration("pid_stop_grace", 10*time.Second),
	}, nil
}

func (p *PIDManager) Path() string { return p.path }

func (p *PIDManager) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %w", err)
	}
	return os.WriteFile(p.path, []byte(strconv.Itoa(pid)), 0644)
}

func (p *PIDManager) ReadPID() (int, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID format in file: %w", err)
	}
	return pid, nil
}

func (p *PIDManager) RemovePIDFile() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// StopProcess sends SIGTERM and waits up to pid_stop_grace before killing
// the process. On Windows the process is killed right away.
func (p *PIDManager) StopProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process with PID %d: %w", pid, err)
	}

	if runtime.GOOS == "windows" {
		return process.Kill()
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to process %d: %w", pid, err)
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(p.grace)

	for {
		select {
		case <-timeout:
			fmt.Printf("Grace period expired, force killing process %d\n", pid)
			return process.Signal(syscall.SIGKILL)
		case <-ticker.C:
			if !p.IsProcessRunning(pid) {
				return nil
			}
		}
	}
}

func (p *PIDManager) IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess only succeeds for live processes on Windows
	if runtime.GOOS == "windows" {
		return true
	}
	return process.Signal(syscall.Signal(0)) == nil
}
