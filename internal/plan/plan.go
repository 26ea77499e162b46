// Package plan parses the scheduler's declarative plan file and holds the
// resulting in-memory representation: an ordered sequence of Tests, each
// binding target hosts to shell commands and per-command timeouts.
package plan

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// MinHosts expresses the minHosts directive: either a positive count or the
// ALL sentinel (every target must succeed). The zero value means "unset" --
// no host-count gating at all, distinct from ALL per the preserved original
// behavior (spec.md §9, Open Questions).
type MinHosts int

// MinHostsAll is the sentinel meaning "every target must succeed".
const MinHostsAll MinHosts = -1

// IsAll reports whether m is the ALL sentinel.
func (m MinHosts) IsAll() bool { return m == MinHostsAll }

// Gating reports whether m imposes a numeric host-count requirement at all.
// Zero (unset) does not gate.
func (m MinHosts) Gating() bool { return !m.IsAll() && m > 0 }

// InitialTimeoutsRemaining returns the counter NetJobs' Session tracks
// across a test: nil when minHosts is ALL or unset (0), otherwise m.
func (m MinHosts) InitialTimeoutsRemaining() *int {
	if !m.Gating() {
		return nil
	}
	v := int(m)
	return &v
}

func (m MinHosts) String() string {
	if m.IsAll() {
		return "all"
	}
	return strconv.Itoa(int(m))
}

// CommandSpec is one command bound to a target, with its resolved timeout
// (0 meaning none). Commands are kept as an ordered slice per target rather
// than keyed by command text, so that a target repeating the same command
// string twice with different -timeout overrides is represented correctly.
type CommandSpec struct {
	Command string
	Timeout time.Duration
}

// Test is one labelled block from the plan file.
type Test struct {
	ID              uuid.UUID
	Label           string
	GeneralTimeout  time.Duration
	MinHosts        MinHosts
	Targets         []string // declaration order
	Specs           map[string][]CommandSpec
}

// ListenerTimeout returns the deadline a scheduler Listener for target
// should use: the max of all per-command timeouts, or 0 (none) if any
// command has no timeout.
func (t Test) ListenerTimeout(target string) time.Duration {
	var max time.Duration
	for _, cs := range t.Specs[target] {
		if cs.Timeout == 0 {
			return 0
		}
		if cs.Timeout > max {
			max = cs.Timeout
		}
	}
	return max
}

// Plan is an ordered sequence of Tests.
type Plan struct {
	Tests []Test
}

// parser line shapes, kept as plain regexes since plan-file lexing is an
// explicitly out-of-scope, thin-interface concern (spec.md §1).
var (
	reTestLabel       = regexp.MustCompile(`^[^:]+ *:\s*$`)
	reGeneralTimeout  = regexp.MustCompile(`(?i)^-generaltimeout\s*:\s*((\d+\s*[hms])|(none))\s*$`)
	reMinHosts        = regexp.MustCompile(`(?i)^-minhosts\s*:\s*(\d+|all)\s*$`)
	reTimeout         = regexp.MustCompile(`(?i)^-timeout\s*:\s*((\d+\s*[hms])|(none))\s*$`)
	reEnd             = regexp.MustCompile(`(?i)^end\s*$`)
	reTargetSpec      = regexp.MustCompile(`^(\w|\.)+\s*:.*$`)
)

type parseState int

const (
	stateOutside parseState = iota
	stateInTestNoTarget
	stateInTestWithTarget
)

// Parse reads a plan file's text per the grammar in spec.md §6.
func Parse(r io.Reader) (Plan, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return Plan{}, fmt.Errorf("plan: read: %w", err)
	}

	var plan Plan
	state := stateOutside

	var (
		label          string
		generalTimeout time.Duration
		minHosts       MinHosts
		targets        []string
		specs          map[string][]CommandSpec
		lastTarget     string
	)

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		tokens := strings.SplitN(line, ":", 2)

		switch state {
		case stateOutside:
			if !reTestLabel.MatchString(line) {
				return Plan{}, fmt.Errorf("plan: expected test label but found %q", line)
			}
			label = strings.TrimSpace(tokens[0])
			generalTimeout = 0
			minHosts = 0
			targets = nil
			specs = map[string][]CommandSpec{}
			lastTarget = ""
			state = stateInTestNoTarget

		case stateInTestNoTarget:
			switch {
			case reGeneralTimeout.MatchString(line):
				d, err := ParseDuration(strings.TrimSpace(tokens[1]))
				if err != nil {
					return Plan{}, fmt.Errorf("plan: test %s: %w", label, err)
				}
				generalTimeout = d

			case reMinHosts.MatchString(line):
				val := strings.TrimSpace(tokens[1])
				if strings.EqualFold(val, "all") {
					minHosts = MinHostsAll
				} else {
					n, err := strconv.Atoi(val)
					if err != nil || n < 0 {
						return Plan{}, fmt.Errorf("plan: test %s: minhosts must be \"all\" or a non-negative integer", label)
					}
					minHosts = MinHosts(n)
				}

			case reEnd.MatchString(line):
				return Plan{}, fmt.Errorf("plan: test %s contains no targets", label)

			case reTimeout.MatchString(line):
				return Plan{}, fmt.Errorf("plan: test %s: -timeout specified but no current target", label)

			case reTargetSpec.MatchString(line):
				state = stateInTestWithTarget
				i-- // reprocess this line in the new state, mirroring the
				// original parser's deliberate fall-through.
				continue

			default:
				return Plan{}, fmt.Errorf("plan: test %s: unable to interpret line %q", label, line)
			}

		case stateInTestWithTarget:
			switch {
			case reTargetSpec.MatchString(line):
				target := strings.TrimSpace(tokens[0])
				command := strings.TrimSpace(tokens[1])
				command = unquote(command)

				if _, ok := specs[target]; !ok {
					targets = append(targets, target)
				}
				specs[target] = append(specs[target], CommandSpec{Command: command, Timeout: generalTimeout})
				lastTarget = target

			case reTimeout.MatchString(line):
				d, err := ParseDuration(strings.TrimSpace(tokens[1]))
				if err != nil {
					return Plan{}, fmt.Errorf("plan: test %s: %w", label, err)
				}
				cmds := specs[lastTarget]
				if len(cmds) == 0 {
					return Plan{}, fmt.Errorf("plan: test %s: -timeout with no preceding target/command", label)
				}
				cmds[len(cmds)-1].Timeout = d

			case reEnd.MatchString(line):
				state = stateOutside
				plan.Tests = append(plan.Tests, Test{
					ID:             uuid.New(),
					Label:          label,
					GeneralTimeout: generalTimeout,
					MinHosts:       minHosts,
					Targets:        targets,
					Specs:          specs,
				})

			case reGeneralTimeout.MatchString(line) || reMinHosts.MatchString(line):
				return Plan{}, fmt.Errorf("plan: test %s: -generaltimeout and -minhosts must precede all target specifications", label)

			default:
				return Plan{}, fmt.Errorf("plan: test %s: unable to interpret line %q", label, line)
			}
		}
	}

	if state != stateOutside {
		return Plan{}, fmt.Errorf("plan: test %s: missing \"end\"", label)
	}

	if err := validate(plan); err != nil {
		return Plan{}, err
	}

	return plan, nil
}

// ParseFile reads and parses a plan file through fs, the afero filesystem
// abstraction used throughout jobsync so tests can substitute an in-memory
// filesystem instead of touching disk.
func ParseFile(fs afero.Fs, path string) (Plan, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Plan{}, fmt.Errorf("plan: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

func validate(p Plan) error {
	labels := map[string]bool{}
	for _, t := range p.Tests {
		if t.Label == "" {
			return fmt.Errorf("plan: empty test label")
		}
		if labels[t.Label] {
			return fmt.Errorf("plan: duplicate test label %q", t.Label)
		}
		labels[t.Label] = true

		if len(t.Targets) == 0 {
			return fmt.Errorf("plan: test %s: no targets", t.Label)
		}
		for _, target := range t.Targets {
			if len(t.Specs[target]) == 0 {
				return fmt.Errorf("plan: test %s: target %s has no commands", t.Label, target)
			}
		}
		if t.MinHosts.Gating() && int(t.MinHosts) > len(t.Targets) {
			return fmt.Errorf("plan: test %s: minhosts (%d) exceeds target count (%d)", t.Label, t.MinHosts, len(t.Targets))
		}
	}
	return nil
}

func unquote(command string) string {
	if len(command) > 1 && strings.HasPrefix(command, `"`) && strings.HasSuffix(command, `"`) {
		return command[1 : len(command)-1]
	}
	return command
}
