package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-ps"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/sd-builder/internal/logger"
)

// Filename is the lock file name created inside the build directory.
const Filename = "sd-builder.lock"

// lockFilePermissions restricts the lock file to the owning user.
const lockFilePermissions = 0o600

// Info describes the process holding a lock.
type Info struct {
	// PID is the process ID of the holder.
	PID int `yaml:"pid"`
	// Executable is the holder's process name as reported by the OS.
	Executable string `yaml:"executable"`
	// StartedAt records when the lock was taken.
	StartedAt time.Time `yaml:"started_at"`
}

// HeldError is returned when another live process holds the lock.
type HeldError struct {
	Path       string
	PID        int
	Executable string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %s is held by running process %d (%s)", e.Path, e.PID, e.Executable)
}

// Lock represents an acquired build lock.
type Lock struct {
	path string
}

// Acquire takes the lock at path. A lock file whose recorded process is
// no longer alive is treated as stale and replaced. When the holder is
// still running, a *HeldError is returned.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	err := create(path)
	if err == nil {
		return &Lock{path: path}, nil
	}

	if !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create lock: %w", err)
	}

	info, readErr := read(path)
	if readErr == nil && holderAlive(info) {
		return nil, &HeldError{Path: path, PID: info.PID, Executable: info.Executable}
	}

	logger.WarnKV(ctx, "Removing stale lock",
		"path", path,
		"pid", staleLockPID(info))

	if err = os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale lock: %w", err)
	}

	// Exactly one retry. Losing the race twice means a live competitor.
	if err = create(path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, &HeldError{Path: path}
		}

		return nil, fmt.Errorf("create lock: %w", err)
	}

	return &Lock{path: path}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock: %w", err)
	}

	return nil
}

// create writes the lock file exclusively, failing if it already exists.
func create(path string) error {
	file, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_EXCL, lockFilePermissions)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(selfInfo())
	if err != nil {
		_ = file.Close()
		_ = os.Remove(path)

		return fmt.Errorf("marshal lock info: %w", err)
	}

	if _, err = file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(path)

		return fmt.Errorf("write lock info: %w", err)
	}

	return file.Close()
}

// read parses an existing lock file.
func read(path string) (*Info, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	var info Info
	if err = yaml.Unmarshal(contents, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// selfInfo describes the current process. The executable name is taken
// from the process table so that later liveness checks compare equal
// strings.
func selfInfo() *Info {
	info := &Info{
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
	}

	if self, err := ps.FindProcess(info.PID); err == nil && self != nil {
		info.Executable = self.Executable()
	}

	return info
}

// holderAlive reports whether the recorded process still runs. A PID
// that was recycled by an unrelated program does not count.
func holderAlive(info *Info) bool {
	if info == nil || info.PID <= 0 {
		return false
	}

	process, err := ps.FindProcess(info.PID)
	if err != nil || process == nil {
		return false
	}

	if info.Executable == "" {
		return true
	}

	return process.Executable() == info.Executable
}

func staleLockPID(info *Info) int {
	if info == nil {
		return 0
	}

	return info.PID
}
