package workload

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// FlatfileRecord is the keyed last-row result from one target's
// flatfile.html, per spec.md §6's benchmark output interface.
type FlatfileRecord map[string]string

// RequiredKeys must be present in every parsed flatfile.html.
var RequiredKeys = []string{"rate", "resp"}

// ParseFlatfile reads path and returns the keyed last value row: the first
// non-comment ("*"), non-tag ("<"), non-blank line is the whitespace-split
// header; the last non-blank line is the value row, zipped against it.
func ParseFlatfile(fs afero.Fs, path string) (FlatfileRecord, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("workload: open %s: %w", path, err)
	}
	defer f.Close()

	var header []string
	var lastValueLine string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if header == nil {
			if strings.HasPrefix(line, "*") || strings.HasPrefix(line, "<") {
				continue
			}
			header = strings.Fields(line)
			continue
		}
		lastValueLine = line
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("workload: read %s: %w", path, err)
	}
	if header == nil {
		return nil, fmt.Errorf("workload: %s: no header row found", path)
	}
	if lastValueLine == "" {
		return nil, fmt.Errorf("workload: %s: no value row found", path)
	}

	values := strings.Fields(lastValueLine)
	record := make(FlatfileRecord, len(header))
	for i, key := range header {
		if i < len(values) {
			record[key] = values[i]
		}
	}

	for _, key := range RequiredKeys {
		if _, ok := record[key]; !ok {
			return nil, fmt.Errorf("workload: %s: missing required key %q", path, key)
		}
	}
	return record, nil
}

// AchievedIOPS parses the "rate" field as a float64.
func (r FlatfileRecord) AchievedIOPS() (float64, error) {
	return strconv.ParseFloat(r["rate"], 64)
}

// LatencyMS parses the "resp" field as a float64.
func (r FlatfileRecord) LatencyMS() (float64, error) {
	return strconv.ParseFloat(r["resp"], 64)
}
