// Package security holds the checks applied to file names and paths that
// come from flags or request data.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideDirectory is returned when a path resolves outside every
// allowed directory.
var ErrOutsideDirectory = errors.New("path outside allowed directory")

// canonical resolves symlinks in the longest existing prefix of path, so a
// file that does not exist yet is judged by where its parent really is.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	rest := ""
	for dir := abs; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
	}
}

// ValidatePathWithinDirectory rejects paths that escape dir, including
// through .. components or symlinks.
func ValidatePathWithinDirectory(path, dir string) error {
	p, err := canonical(path)
	if err != nil {
		return err
	}
	d, err := canonical(dir)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(d, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%s escapes %s: %w", path, dir, ErrOutsideDirectory)
	}
	return nil
}

// ValidatePathWithinAllowedDirs accepts path if it lies within any of dirs.
func ValidatePathWithinAllowedDirs(path string, dirs []string) error {
	if len(dirs) == 0 {
		return fmt.Errorf("no allowed directories: %w", ErrOutsideDirectory)
	}
	for _, dir := range dirs {
		if ValidatePathWithinDirectory(path, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("%s must be within one of %v: %w", path, dirs, ErrOutsideDirectory)
}

// ValidateExportPath allows output files under the working directory or
// the system temp directory.
func ValidateExportPath(path string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	return ValidatePathWithinAllowedDirs(path, []string{cwd, os.TempDir()})
}

// SanitizeFilename maps s to a name made of ASCII letters, digits, dot,
// underscore and dash. Runs of other characters become one underscore.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	pending := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			r == '.' || r == '_' || r == '-'
		if !ok {
			if !pending {
				b.WriteByte('_')
				pending = true
			}
			continue
		}
		b.WriteRune(r)
		pending = false
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
