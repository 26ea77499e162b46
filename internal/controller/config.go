package controller

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

// Config is the parsed controller-plan: the targets to drive and the
// command to run on each, per spec.md §4.4's "Inputs per round". Grounded
// on vdbtest.py's readConfig: a "targets:" sentinel line switches the state
// machine from key:value pairs to one bare target per line.
type Config struct {
	Targets []string
	Command string
}

// ParseConfig reads the controller-plan at path through fs.
func ParseConfig(fs afero.Fs, path string) (Config, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("controller: open config %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	targetsReached := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		key := strings.ToLower(strings.TrimSpace(parts[0]))

		if !targetsReached {
			if key == "targets" {
				targetsReached = true
				continue
			}
			if len(parts) < 2 {
				return Config{}, fmt.Errorf("controller: config %s: unrecognized line %q", path, line)
			}
		}

		if targetsReached {
			cfg.Targets = append(cfg.Targets, line)
			continue
		}

		value := strings.TrimSpace(parts[1])
		switch key {
		case "command":
			cfg.Command = value
		default:
			return Config{}, fmt.Errorf("controller: config %s: unrecognized line %q", path, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return Config{}, fmt.Errorf("controller: read config %s: %w", path, err)
	}

	if len(cfg.Targets) == 0 {
		return Config{}, fmt.Errorf("controller: config %s: no targets specified", path)
	}
	if cfg.Command == "" {
		return Config{}, fmt.Errorf("controller: config %s: no command specified", path)
	}
	return cfg, nil
}
