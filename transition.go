package klp

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// awaitTransition drives the bounded polling/escalation protocol after an
// enabled-flag write or binary insertion. It resolves immediately when
// the transition flag is already clear, polls once per interval for the
// primary window, and on exhaustion diagnoses stalled processes, issues
// the one-shot remediation signal where the contract supports it, and
// polls for the second window. Exhausting that too fails with a
// *[TransitionError] carrying the stalled set.
func (m *Manager) awaitTransition(abi KernelABI, name string, target bool) (*TransitionReport, error) {
	report := &TransitionReport{Module: name, Target: target}
	start := m.clock.Now()

	if !m.transitioning(abi, name) {
		report.State = TransitionIdle
		return report, nil
	}

	report.State = TransitionPolling
	if m.pollTransition(abi, name, start.Add(m.timeouts.Transition)) {
		report.State = TransitionResolved
		report.Elapsed = m.clock.Now().Sub(start)
		return report, nil
	}

	report.State = TransitionStalled
	report.Stalled = m.stalledProcesses(abi, name)
	m.log.Warn("transition stalled",
		zap.String("module", name),
		zap.Bool("target", target),
		zap.Duration("window", m.timeouts.Transition),
		zap.Int("stalledProcesses", len(report.Stalled)),
	)
	for _, p := range report.Stalled {
		m.log.Warn("stalled process",
			zap.Int("pid", p.PID),
			zap.String("comm", p.Comm),
			zap.Int("patchState", p.PatchState),
			zap.Int("expected", p.Expected),
		)
	}

	m.signalTransition(abi, name)
	report.State = TransitionSignaled

	if m.pollTransition(abi, name, m.clock.Now().Add(m.timeouts.StalledTransition)) {
		report.State = TransitionResolved
		report.Elapsed = m.clock.Now().Sub(start)
		return report, nil
	}

	report.State = TransitionFailed
	report.Elapsed = m.clock.Now().Sub(start)
	return report, &TransitionError{
		Module:  name,
		Target:  target,
		Elapsed: report.Elapsed,
		Stalled: report.Stalled,
	}
}

// pollTransition samples the transition flag until it clears or the
// deadline passes. Any single clear sample resolves the wait.
func (m *Manager) pollTransition(abi KernelABI, name string, deadline time.Time) bool {
	for {
		if !m.transitioning(abi, name) {
			return true
		}
		if !m.clock.Now().Before(deadline) {
			return false
		}
		m.clock.Sleep(m.timeouts.Poll)
	}
}

// signalTransition issues the one-shot kernel-side task nudge. It is best
// effort: it may not itself resolve anything, and contracts without the
// control get a warning, never an error.
func (m *Manager) signalTransition(abi KernelABI, name string) {
	if !abi.SupportsSignal() {
		m.log.Warn("kernel does not expose a transition signal control, cannot nudge stalled tasks",
			zap.String("module", name),
			zap.Stringer("abi", abi.Kind),
		)
		return
	}
	if err := writeState(abi.signalPath(name), "1"); err != nil {
		m.log.Warn("signal write failed",
			zap.String("module", name),
			zap.Error(err),
		)
		return
	}
	m.log.Info("signaled stalled tasks", zap.String("module", name))
}

// stalledProcesses scans the process table for tasks holding up the
// module's transition.
//
// Per-process rule: patch_state of -1 means the task is outside the
// current transition; an unreadable patch_state or module enabled flag is
// insufficient evidence and reads as not stalled; otherwise the task is
// stalled iff its patch_state differs numerically from the module's
// current enabled value.
func (m *Manager) stalledProcesses(abi KernelABI, name string) []StalledProcess {
	expected, err := readStateInt(abi.enabledPath(name))
	if err != nil {
		return nil
	}

	entries, err := os.ReadDir(m.procRoot)
	if err != nil {
		return nil
	}

	var stalled []StalledProcess
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		procDir := filepath.Join(m.procRoot, e.Name())

		state, err := readStateInt(filepath.Join(procDir, "patch_state"))
		if err != nil || state == -1 || state == expected {
			continue
		}

		p := StalledProcess{PID: pid, PatchState: state, Expected: expected}
		if comm, err := readState(filepath.Join(procDir, "comm")); err == nil {
			p.Comm = comm
		}
		if stack, err := os.ReadFile(filepath.Join(procDir, "stack")); err == nil {
			p.Stack = string(stack)
		}
		stalled = append(stalled, p)
	}

	sort.Slice(stalled, func(i, j int) bool { return stalled[i].PID < stalled[j].PID })
	return stalled
}
