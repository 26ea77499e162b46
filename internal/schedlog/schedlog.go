// Package schedlog implements the scheduler's per-test result log: one
// tab-delimited row per (target, command), mirroring NetJobs.py's
// logResults, written to a file named after a caller-supplied label and a
// timestamp. Rows are optionally gzip-compressed.
package schedlog

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
)

// OpenFile creates the log file for one test's results under dir, named
// "<label>_<timestamp>.log" (or ".log.gz" when gzip is enabled). The
// returned WriteCloser closes both the gzip layer (if any) and the
// underlying file.
func OpenFile(fs afero.Fs, dir, label string, gzipEnabled bool, now time.Time) (io.WriteCloser, error) {
	name := fmt.Sprintf("%s_%s.log", sanitize(label), now.UTC().Format("20060102T150405Z"))
	if gzipEnabled {
		name += ".gz"
	}
	path := filepath.Join(dir, name)

	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("schedlog: create %s: %w", path, err)
	}
	if !gzipEnabled {
		return f, nil
	}
	return &gzipFile{gz: kgzip.NewWriter(f), f: f}, nil
}

type gzipFile struct {
	gz *kgzip.Writer
	f  afero.File
}

func (g *gzipFile) Write(p []byte) (int, error) { return g.gz.Write(p) }

func (g *gzipFile) Close() error {
	if err := g.gz.Close(); err != nil {
		_ = g.f.Close()
		return fmt.Errorf("schedlog: close gzip writer: %w", err)
	}
	return g.f.Close()
}

func sanitize(label string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == ' ' {
			return '_'
		}
		return r
	}, label)
}

// RowWriter writes the tab-delimited result rows spec.md §7 requires: the
// same "target<TAB>command<TAB>status<TAB>output" schema as the user
// stream.
type RowWriter struct {
	w io.Writer
}

// NewRowWriter wraps w (typically the WriteCloser from OpenFile).
func NewRowWriter(w io.Writer) *RowWriter {
	return &RowWriter{w: w}
}

// WriteRow appends one result row.
func (r *RowWriter) WriteRow(target, command, status, output string) error {
	output = strings.ReplaceAll(output, "\n", " ")
	line := strings.Join([]string{target, command, status, output}, "\t") + "\n"
	if _, err := io.WriteString(r.w, line); err != nil {
		return fmt.Errorf("schedlog: write row: %w", err)
	}
	return nil
}
