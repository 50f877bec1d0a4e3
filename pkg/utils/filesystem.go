package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateDirName is the per-project directory the proxy reads persisted agent
// documentation from and writes its own state into.
const StateDirName = ".opengemini"

// EnsureStateDir ensures the .opengemini directory exists under basePath.
// If basePath is empty or ".", it resolves to ./.opengemini.
// Returns the full path to the directory.
func EnsureStateDir(basePath string) (string, error) {
	var dir string
	if basePath == "" || basePath == "." {
		dir = StateDirName
	} else {
		dir = filepath.Join(basePath, StateDirName)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory at '%s': %w", StateDirName, dir, err)
	}
	return dir, nil
}
