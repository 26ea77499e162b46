// Package controller drives the adaptive workload-rate loop described in
// spec.md §4.4: regenerate each target's workload config between rounds to
// steer achieved latency toward a target, either by simple multiplicative
// adjustment or, once the pass/fail outcome has flipped once, by binary
// search over the aggregate requested IOPS. It is the Go-native
// restatement of vdbtest.py's run() loop, wired to schedulerengine instead
// of shelling out to NetJobs, and to internal/history instead of a CSV log.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/deepstorage/jobsync/internal/archive"
	"github.com/deepstorage/jobsync/internal/history"
	"github.com/deepstorage/jobsync/internal/plan"
	"github.com/deepstorage/jobsync/internal/schedulerengine"
	"github.com/deepstorage/jobsync/internal/workload"
)

// flatfileName is the fixed basename the benchmark tool deposits its result
// row under, inside each target's output subdirectory.
const flatfileName = "flatfile.html"

// Controller owns one adaptive run across however many rounds it takes to
// converge, fail, or exhaust its round budget.
type Controller struct {
	Args    Args
	Config  Config
	Fs      afero.Fs
	Engine  *schedulerengine.Engine
	History *history.Store
	Logger  *slog.Logger
}

// Outcome summarizes why a Run stopped.
type Outcome struct {
	Rounds int
	Reason string
}

// targetState tracks one active target's most recent rate/response values
// across rounds, the slice-backed history vdbtest.py's TestInfo class kept
// per target.
type targetState struct {
	requestedIOPS float64
	achievedIOPS  float64
	latencyMS     float64
}

// Run executes rounds until a termination condition from spec.md §4.4 §7
// fires.
func (c *Controller) Run(ctx context.Context) (Outcome, error) {
	active := make(map[string]bool, len(c.Config.Targets))
	for _, t := range c.Config.Targets {
		active[t] = true
	}

	consecutiveFailures := 0
	bsStarted := false
	bsRun := 0
	var lower, upper float64
	var prevAllPassed *bool
	var prevTotalRequested float64

	run := 0
	for {
		run++
		if err := ctx.Err(); err != nil {
			return Outcome{Rounds: run - 1, Reason: "cancelled"}, err
		}
		if len(active) == 0 {
			return Outcome{Rounds: run - 1, Reason: "no targets remain"}, nil
		}

		finished := false
		if (!c.Args.BinarySearch || !bsStarted) && run >= c.Args.MaxRuns {
			finished = true
		}
		if c.Args.BinarySearch && bsStarted {
			bsRun++
			if bsRun >= c.Args.BinarySearchIterations {
				finished = true
			}
		}

		states, err := c.snapshotRequested(active)
		if err != nil {
			return Outcome{}, err
		}
		if len(active) == 0 {
			return Outcome{Rounds: run - 1, Reason: "no targets remain"}, nil
		}

		report, err := c.runRound(ctx, run, active)
		if err != nil {
			return Outcome{}, fmt.Errorf("controller: round %d: %w", run, err)
		}
		c.logRoundResults(run, report)

		c.collectResults(active, states)

		allPassed, done := compareLatencies(states, c.Args.TargetLatency, c.Args.Fuzziness)
		sufficientIOPS := testAchievedIOPS(states, c.Args.IOPSTolerance)

		totalRequested, totalAchieved := totals(states)
		c.Logger.Info("round complete",
			"run", run,
			"total_requested_iops", totalRequested,
			"total_achieved_iops", totalAchieved,
			"all_passed", allPassed,
			"sufficient_iops", sufficientIOPS,
		)

		if err := c.saveRound(run, states, allPassed, bsStarted, lower, upper); err != nil {
			c.Logger.Warn("failed to persist round history", "run", run, "err", err)
		}

		if allPassed {
			consecutiveFailures = 0
		} else if !bsStarted {
			consecutiveFailures++
			if consecutiveFailures >= c.Args.ConsecutiveFailures {
				c.Logger.Warn("consecutive failure limit reached, aborting", "count", consecutiveFailures)
				finished = true
			}
		}

		if !sufficientIOPS {
			c.Logger.Warn("requested IOPS unachievable within tolerance, aborting", "tolerance", c.Args.IOPSTolerance)
			finished = true
		}

		if err := c.archiveOutputs(active, run); err != nil {
			return Outcome{}, err
		}

		if finished {
			if err := c.archiveConfigs(active, run); err != nil {
				return Outcome{}, err
			}
		} else if c.Args.BinarySearch {
			switch {
			case !bsStarted && prevAllPassed != nil && *prevAllPassed != allPassed:
				bsStarted = true
				if totalRequested < prevTotalRequested {
					lower, upper = totalRequested, prevTotalRequested
				} else {
					lower, upper = prevTotalRequested, totalRequested
				}
				lower, upper, err = c.updateBinarySearch(active, states, run, lower, upper, false, allPassed)
				if err != nil {
					return Outcome{}, err
				}
			case bsStarted:
				lower, upper, err = c.updateBinarySearch(active, states, run, lower, upper, true, allPassed)
				if err != nil {
					return Outcome{}, err
				}
				if lower >= upper {
					if err := c.archiveConfigs(active, run); err != nil {
						return Outcome{}, err
					}
					c.Logger.Info("binary search converged", "iops", lower)
					finished = true
				}
			default:
				if err := c.updateMultiplicative(active, states, run, allPassed); err != nil {
					return Outcome{}, err
				}
			}
		} else {
			if err := c.updateMultiplicative(active, states, run, allPassed); err != nil {
				return Outcome{}, err
			}
		}

		passedCopy := allPassed
		prevAllPassed = &passedCopy
		prevTotalRequested = totalRequested

		if done {
			c.Logger.Info("target latency band reached, run complete", "run", run)
			return Outcome{Rounds: run, Reason: "done"}, nil
		}
		if finished {
			return Outcome{Rounds: run, Reason: terminationReason(consecutiveFailures, c.Args.ConsecutiveFailures, sufficientIOPS, bsStarted, lower, upper, run, c.Args.MaxRuns)}, nil
		}
	}
}

func terminationReason(consecutiveFailures, limit int, sufficientIOPS, bsStarted bool, lower, upper float64, run, maxRuns int) string {
	switch {
	case consecutiveFailures >= limit:
		return "consecutive failures"
	case !sufficientIOPS:
		return "insufficient IOPS"
	case bsStarted && lower >= upper:
		return "binary search converged"
	default:
		return "max runs reached"
	}
}

func (c *Controller) snapshotRequested(active map[string]bool) (map[string]*targetState, error) {
	states := make(map[string]*targetState, len(active))
	for target := range active {
		path := filepath.Join(c.Args.ConfigDir, target)
		rate, err := workload.CurrentIORate(c.Fs, path)
		if err != nil {
			c.Logger.Warn("blacklisting target: unreadable workload config", "target", target, "err", err)
			delete(active, target)
			continue
		}
		states[target] = &targetState{requestedIOPS: float64(rate)}
	}
	return states, nil
}

func (c *Controller) runRound(ctx context.Context, run int, active map[string]bool) (*schedulerengine.TestReport, error) {
	specs := make(map[string][]plan.CommandSpec, len(active))
	targets := make([]string, 0, len(active))
	for target := range active {
		targets = append(targets, target)
		specs[target] = []plan.CommandSpec{{Command: c.Config.Command, Timeout: c.Args.Timeout}}
	}
	sort.Strings(targets)

	test := plan.Test{
		ID:             uuid.New(),
		Label:          fmt.Sprintf("round-%d", run),
		GeneralTimeout: c.Args.Timeout,
		MinHosts:       plan.MinHostsAll,
		Targets:        targets,
		Specs:          specs,
	}
	return c.Engine.RunTest(ctx, test)
}

func (c *Controller) logRoundResults(run int, report *schedulerengine.TestReport) {
	if report.Aborted {
		c.Logger.Warn("round aborted by scheduler", "run", run, "reason", report.Reason)
	}
}

// collectResults parses each active target's flatfile.html, blacklisting
// targets whose output is missing or unparseable per spec.md §4.4's
// Failure isolation clause.
func (c *Controller) collectResults(active map[string]bool, states map[string]*targetState) {
	for target := range active {
		dir := filepath.Join(c.Args.OutputParent, target)
		path := filepath.Join(dir, flatfileName)
		rec, err := workload.ParseFlatfile(c.Fs, path)
		if err != nil {
			c.Logger.Warn("blacklisting target: unparseable output", "target", target, "err", err)
			delete(active, target)
			delete(states, target)
			continue
		}
		achieved, err := rec.AchievedIOPS()
		if err != nil {
			c.Logger.Warn("blacklisting target: bad rate field", "target", target, "err", err)
			delete(active, target)
			delete(states, target)
			continue
		}
		latency, err := rec.LatencyMS()
		if err != nil {
			c.Logger.Warn("blacklisting target: bad resp field", "target", target, "err", err)
			delete(active, target)
			delete(states, target)
			continue
		}
		states[target].achievedIOPS = achieved
		states[target].latencyMS = latency
	}
}

// compareLatencies mirrors vdbtest.py's compareResultLatencies: with zero
// fuzziness, any target over target latency immediately fails the round. A
// non-zero fuzziness instead requires every target to sit within the band
// for isDone to report true.
func compareLatencies(states map[string]*targetState, targetLatency, fuzziness float64) (allPassed, done bool) {
	minLat := targetLatency * (1.0 - fuzziness)
	maxLat := targetLatency * (1.0 + fuzziness)
	allPassed = true
	done = true
	for _, s := range states {
		if fuzziness == 0.0 && s.latencyMS > targetLatency {
			return false, false
		}
		if s.latencyMS < minLat || s.latencyMS > maxLat {
			done = false
		}
	}
	return allPassed, done
}

func testAchievedIOPS(states map[string]*targetState, tolerance float64) bool {
	for _, s := range states {
		if s.achievedIOPS*tolerance < s.requestedIOPS {
			return false
		}
	}
	return true
}

func totals(states map[string]*targetState) (requested, achieved float64) {
	for _, s := range states {
		requested += s.requestedIOPS
		achieved += s.achievedIOPS
	}
	return requested, achieved
}

func (c *Controller) archiveOutputs(active map[string]bool, run int) error {
	for target := range active {
		src := filepath.Join(c.Args.OutputParent, target)
		if _, err := archive.Archive(c.Fs, c.Args.OutputParent, target, run, src); err != nil {
			return fmt.Errorf("controller: archive output for %s: %w", target, err)
		}
	}
	return nil
}

func (c *Controller) archiveConfigs(active map[string]bool, run int) error {
	for target := range active {
		src := filepath.Join(c.Args.ConfigDir, target)
		if _, err := archive.Archive(c.Fs, c.Args.ConfigDir, target, run, src); err != nil {
			return fmt.Errorf("controller: archive config for %s: %w", target, err)
		}
	}
	return nil
}

// updateMultiplicative regenerates every active target's workload config at
// round run, scaling its prior rate by SuccessMultiplier or
// FailureMultiplier depending on allPassed.
func (c *Controller) updateMultiplicative(active map[string]bool, states map[string]*targetState, run int, allPassed bool) error {
	mult := c.Args.FailureMultiplier
	if allPassed {
		mult = c.Args.SuccessMultiplier
	}
	for target := range active {
		dst := filepath.Join(c.Args.ConfigDir, target)
		src, err := archive.Archive(c.Fs, c.Args.ConfigDir, target, run, dst)
		if err != nil {
			return fmt.Errorf("controller: archive config for %s: %w", target, err)
		}
		newRate := int(math.Round(states[target].requestedIOPS * mult))
		if err := workload.MutateIORate(c.Fs, src, dst, newRate); err != nil {
			return fmt.Errorf("controller: update config for %s: %w", target, err)
		}
	}
	return nil
}

// updateBinarySearch narrows [lower, upper] around the aggregate requested
// IOPS using the prior round's pass/fail outcome, then rewrites every
// active target's rate proportionally so the new aggregate equals the
// midpoint, per spec.md §4.4 step 6's binary-search mode.
func (c *Controller) updateBinarySearch(active map[string]bool, states map[string]*targetState, run int, lower, upper float64, narrow, allPassed bool) (float64, float64, error) {
	totalRequested, _ := totals(states)

	if narrow {
		if allPassed {
			lower = math.Max(lower, totalRequested)
		} else {
			upper = math.Min(upper, totalRequested)
		}
	}

	if lower >= upper {
		return lower, upper, nil
	}

	newTotal := lower + (upper-lower)/2
	ratio := newTotal / totalRequested

	for target := range active {
		dst := filepath.Join(c.Args.ConfigDir, target)
		src, err := archive.Archive(c.Fs, c.Args.ConfigDir, target, run, dst)
		if err != nil {
			return lower, upper, fmt.Errorf("controller: archive config for %s: %w", target, err)
		}
		newRate := int(math.Round(states[target].requestedIOPS * ratio))
		if err := workload.MutateIORate(c.Fs, src, dst, newRate); err != nil {
			return lower, upper, fmt.Errorf("controller: update binary-search config for %s: %w", target, err)
		}
	}
	return lower, upper, nil
}

func (c *Controller) saveRound(run int, states map[string]*targetState, allPassed, binarySearch bool, lower, upper float64) error {
	if c.History == nil {
		return nil
	}
	samples := make(map[string]history.TargetSample, len(states))
	for target, s := range states {
		samples[target] = history.TargetSample{
			RequestedIOPS: s.requestedIOPS,
			AchievedIOPS:  s.achievedIOPS,
			LatencyMS:     s.latencyMS,
		}
	}
	_, err := c.History.SaveRound(history.Round{
		Number:       run,
		Targets:      samples,
		AllPassed:    allPassed,
		BinarySearch: binarySearch,
		BracketLower: lower,
		BracketUpper: upper,
		Timestamp:    time.Now(),
	})
	return err
}
