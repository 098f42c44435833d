package sshrunner

import (
	"os"
	"path/filepath"

	"github.com/jobcore/jobcore/internal/coreerr"
)

// writeLocalFile writes data to destDir/name, creating destDir if needed.
func writeLocalFile(destDir, name string, data []byte) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return coreerr.NewStorageError("ssh_fetch_outputs_mkdir", err)
	}
	if err := os.WriteFile(filepath.Join(destDir, name), data, 0o644); err != nil {
		return coreerr.NewStorageError("ssh_fetch_outputs_write", err)
	}
	return nil
}
