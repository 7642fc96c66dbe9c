// Package atomicfile writes a file by first writing to a ".tmp" sibling
// and renaming it into place, so a reader never observes a partially
// written worker.json or status.json — ported from the teacher's
// internal/session/store.go write-then-rename helper.
package atomicfile

import (
	"fmt"
	"os"
)

// Write writes data to path via a temporary sibling file and os.Rename.
func Write(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("atomicfile: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("atomicfile: rename into place: %w", err)
	}
	return nil
}
