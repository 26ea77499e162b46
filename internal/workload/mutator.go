// Package workload implements the two thin, spec-mandated interfaces the
// adaptive controller drives between rounds: rewriting a workload-config
// file's requested IO rate (mutator.go) and parsing a benchmark run's
// flatfile.html results (flatfile.go).
package workload

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

const iorateKey = "iorate"

// MutateIORate rewrites src into dst with every line's "iorate=" token
// replaced by newRate, per spec.md §6's workload file mutation interface:
// lines beginning with /, #, or * pass through unchanged; other lines are
// split on "," respecting parenthesis nesting, then each token split on the
// first "="; only the iorate token's value changes.
func MutateIORate(fs afero.Fs, src, dst string, newRate int) error {
	in, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("workload: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := fs.Create(dst)
	if err != nil {
		return fmt.Errorf("workload: create %s: %w", dst, err)
	}
	defer out.Close()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		rewritten := rewriteLine(line, newRate)
		if _, err := fmt.Fprintln(out, rewritten); err != nil {
			return fmt.Errorf("workload: write %s: %w", dst, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("workload: read %s: %w", src, err)
	}
	return nil
}

// CurrentIORate scans path for its first "iorate=" token and returns its
// integer value. Lines beginning with /, #, or * are skipped, matching
// MutateIORate's notion of a data line.
func CurrentIORate(fs afero.Fs, path string) (int, error) {
	f, err := fs.Open(path)
	if err != nil {
		return 0, fmt.Errorf("workload: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			continue
		}
		switch trimmed[0] {
		case '/', '#', '*':
			continue
		}
		for _, tok := range splitRespectingParens(line) {
			key, value, ok := strings.Cut(tok, "=")
			if !ok {
				continue
			}
			if strings.TrimSpace(key) != iorateKey {
				continue
			}
			rate, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return 0, fmt.Errorf("workload: %s: invalid iorate %q: %w", path, value, err)
			}
			return int(rate), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("workload: read %s: %w", path, err)
	}
	return 0, fmt.Errorf("workload: %s: no iorate found", path)
}

func rewriteLine(line string, newRate int) string {
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" {
		return line
	}
	switch trimmed[0] {
	case '/', '#', '*':
		return line
	}

	tokens := splitRespectingParens(line)
	for i, tok := range tokens {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(key) == iorateKey {
			tokens[i] = key + "=" + strconv.Itoa(newRate)
			_ = value
		}
	}
	return strings.Join(tokens, ",")
}

// splitRespectingParens splits s on "," except where the comma falls inside
// a parenthesized group, preserving every other byte verbatim.
func splitRespectingParens(s string) []string {
	var tokens []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				tokens = append(tokens, s[start:i])
				start = i + 1
			}
		}
	}
	tokens = append(tokens, s[start:])
	return tokens
}
