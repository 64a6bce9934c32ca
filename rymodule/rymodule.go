// Package rymodule resolves `use` import paths to an absolute file on
// disk. spec.md §6 leaves "search order is the helper's responsibility"
// to an external collaborator; this repo resolves relative to the
// importing file's directory first, then the process's working
// directory, using path/filepath.
package rymodule

import (
	"fmt"
	"os"
	"path/filepath"
)

// Resolve returns the absolute, cleaned path a `use` statement's string
// literal refers to. baseDir is the directory of the file doing the
// importing (empty for the top-level script run from the CLI).
func Resolve(path, baseDir string) (string, error) {
	if filepath.IsAbs(path) {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("could not open script file '%s'", path)
		}
		return filepath.Clean(path), nil
	}

	if baseDir != "" {
		if candidate, err := filepath.Abs(filepath.Join(baseDir, path)); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}

	if cwd, err := os.Getwd(); err == nil {
		candidate := filepath.Clean(filepath.Join(cwd, path))
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("could not open script file '%s'", path)
}
