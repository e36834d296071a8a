package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

const poolSocketPrefix = "server-"

// DedicatedSocketPath is the socket a session's worker binds.
func DedicatedSocketPath(runDir, sessionID string) string {
	return filepath.Join(runDir, sessionID)
}

// PoolSocketPath is the socket a pool member binds, named after its own pid.
func PoolSocketPath(runDir string, pid int) string {
	return filepath.Join(runDir, poolSocketPrefix+strconv.Itoa(pid))
}

// RemoveSocket unlinks a socket artifact; a missing file is not an error.
func RemoveSocket(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// CleanRunDir creates runDir if needed and removes socket files left behind by
// a previous relay instance. It returns the number of sockets removed.
func CleanRunDir(runDir string) (int, error) {
	if err := os.MkdirAll(runDir, 0o750); err != nil {
		return 0, fmt.Errorf("supervisor: create run dir: %w", err)
	}
	entries, err := os.ReadDir(runDir)
	if err != nil {
		return 0, fmt.Errorf("supervisor: read run dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.Type()&fs.ModeSocket == 0 {
			continue
		}
		if err := RemoveSocket(filepath.Join(runDir, entry.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
