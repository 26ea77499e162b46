// Package archive implements the controller's archive-directory naming and
// scanning interface (spec.md §6): each round's output and config entries
// are renamed to a run-numbered archive name (__<name>_<run>__) so the next
// round starts clean, and already-archived or dotfile/tilde-file entries
// are skipped by future scans.
package archive

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"
)

// namePattern matches an archive directory: __<name>_<run>__.
var namePattern = regexp.MustCompile(`^__(.+)_(\d+)__$`)

// Name renders the archive directory name for basename at run.
func Name(basename string, run int) string {
	return fmt.Sprintf("__%s_%d__", basename, run)
}

// IsArchived reports whether entry (a base name, not a full path) matches
// the archive naming pattern and should be skipped by directory scans.
func IsArchived(entry string) bool {
	return namePattern.MatchString(entry)
}

// IsSkippable reports whether entry should be ignored by a directory scan:
// already-archived directories, dotfiles, and tilde-suffixed backup files.
func IsSkippable(entry string) bool {
	if IsArchived(entry) {
		return true
	}
	if strings.HasPrefix(entry, ".") {
		return true
	}
	if strings.HasSuffix(entry, "~") {
		return true
	}
	return false
}

// Archive moves src (a directory) to dir/Name(basename, run), creating dir
// if necessary. afero.Fs has no atomic rename across all backends, so this
// is a best-effort move: callers should treat failure as fatal to the round
// rather than retry automatically, per spec.md §7's Local error taxonomy.
func Archive(fs afero.Fs, dir, basename string, run int, src string) (string, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("archive: mkdir %s: %w", dir, err)
	}
	dst := filepath.Join(dir, Name(basename, run))
	if err := fs.Rename(src, dst); err != nil {
		return "", fmt.Errorf("archive: move %s to %s: %w", src, dst, err)
	}
	return dst, nil
}

// ScanActive lists the non-skippable entries (directories) under dir: the
// targets a controller round should still operate on.
func ScanActive(fs afero.Fs, dir string) ([]string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, fmt.Errorf("archive: scan %s: %w", dir, err)
	}
	var active []string
	for _, e := range entries {
		if IsSkippable(e.Name()) {
			continue
		}
		active = append(active, e.Name())
	}
	return active, nil
}
