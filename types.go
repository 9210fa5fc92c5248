package klp

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sentinel errors for the failure modes callers are expected to branch on.
var (
	// ErrNotFound means a module name or binary could not be resolved.
	ErrNotFound = errors.New("patch module not found")
	// ErrChecksumMismatch means a resident module's checksum differs from
	// the requested binary. Re-enabling is never allowed past this.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrRefcountTimeout means a module's external reference count did not
	// reach zero within the removal window.
	ErrRefcountTimeout = errors.New("refcount timeout")
	// ErrNoPatchCore means no patch state root is exposed by the kernel
	// and the core could not be activated.
	ErrNoPatchCore = errors.New("patch core not active")
	// ErrUnsupportedPlatform is returned on non-Linux platforms.
	ErrUnsupportedPlatform = errors.New("unsupported platform (requires Linux)")
)

// PatchModule describes one hot-patch module, on disk and (optionally) as
// resident in the kernel namespace.
type PatchModule struct {
	// Name is the canonical module name: binary basename with the .ko
	// suffix stripped and separators normalized to underscores.
	Name string `json:"name"`
	// Path is the on-disk binary, empty when only kernel state is known.
	Path string `json:"path,omitempty"`
	// KernelVersion is the target kernel release embedded in the binary.
	KernelVersion string `json:"kernelVersion,omitempty"`
	// Checksum is the build checksum embedded in the binary.
	Checksum string `json:"checksum,omitempty"`

	// Live kernel state, only meaningful when Loaded is true.
	Loaded        bool `json:"loaded"`
	Enabled       bool `json:"enabled"`
	Transitioning bool `json:"transitioning"`
	// StackOrder is the stacking precedence, 0 when the ABI doesn't expose it.
	StackOrder int `json:"stackOrder,omitempty"`
}

// ABIKind identifies which kernel state-exposure contract is active.
type ABIKind int

const (
	// ABIUnknown means no patch state root exists (core not active).
	ABIUnknown ABIKind = iota
	// ABINativeLivepatch is the upstream livepatch sysfs contract.
	ABINativeLivepatch
	// ABILegacyPatches is the out-of-tree core with a patches/ sub-root.
	ABILegacyPatches
	// ABILegacyCore is the oldest out-of-tree core, per-module state
	// directly under the core root.
	ABILegacyCore
)

func (k ABIKind) String() string {
	switch k {
	case ABINativeLivepatch:
		return "livepatch"
	case ABILegacyPatches:
		return "legacy-patches"
	case ABILegacyCore:
		return "legacy-core"
	default:
		return fmt.Sprintf("ABIKind(%d)", k)
	}
}

// KernelABI is a resolved state-exposure contract: the kind plus the
// directory holding per-module state.
type KernelABI struct {
	Kind ABIKind
	// Root is the directory containing one subdirectory per resident patch.
	Root string
}

// SupportsSignal reports whether the ABI exposes the per-module one-shot
// remediation control for stalled transitions.
func (a KernelABI) SupportsSignal() bool {
	return a.Kind == ABINativeLivepatch
}

// TransitionState is the monitor's position in the bounded
// polling/escalation protocol.
type TransitionState int

const (
	// TransitionIdle means the flag was already clear on entry.
	TransitionIdle TransitionState = iota
	// TransitionPolling means the monitor is sampling the flag.
	TransitionPolling
	// TransitionStalled means the primary window expired with the flag set.
	TransitionStalled
	// TransitionSignaled means the one-shot remediation nudge was issued.
	TransitionSignaled
	// TransitionResolved means the flag cleared within a window.
	TransitionResolved
	// TransitionFailed means both windows expired with the flag still set.
	TransitionFailed
)

func (s TransitionState) String() string {
	switch s {
	case TransitionIdle:
		return "idle"
	case TransitionPolling:
		return "polling"
	case TransitionStalled:
		return "stalled"
	case TransitionSignaled:
		return "signaled"
	case TransitionResolved:
		return "resolved"
	case TransitionFailed:
		return "failed"
	default:
		return fmt.Sprintf("TransitionState(%d)", s)
	}
}

// StalledProcess describes one task holding up a transition.
type StalledProcess struct {
	PID int `json:"pid"`
	// Comm is the process command name.
	Comm string `json:"comm"`
	// Stack is the kernel stack text at observation time.
	Stack string `json:"stack,omitempty"`
	// PatchState is the task's instantaneous patch state.
	PatchState int `json:"patchState"`
	// Expected is the state the task must reach for the transition to end.
	Expected int `json:"expected"`
}

// TransitionReport is the outcome of awaiting one transition.
type TransitionReport struct {
	Module string
	State  TransitionState
	// Target is the enabled value the transition was driving toward.
	Target bool
	// Elapsed is the total time spent awaiting resolution.
	Elapsed time.Duration
	// Stalled holds the processes diagnosed when the primary window expired.
	Stalled []StalledProcess
}

// TransitionError is returned when a transition exhausts both polling
// windows without settling.
type TransitionError struct {
	Module  string
	Target  bool
	Elapsed time.Duration
	Stalled []StalledProcess
}

func (e *TransitionError) Error() string {
	verb := "disable"
	if e.Target {
		verb = "enable"
	}
	msg := fmt.Sprintf("module %s: %s transition did not complete after %s", e.Module, verb, e.Elapsed)
	if len(e.Stalled) > 0 {
		names := make([]string, 0, len(e.Stalled))
		for _, p := range e.Stalled {
			names = append(names, fmt.Sprintf("%s(%d)", p.Comm, p.PID))
		}
		msg += fmt.Sprintf("; stalled: %s", strings.Join(names, ", "))
	}
	return msg
}

// UnloadAllError accumulates the modules UnloadAll could not settle,
// keyed by canonical name.
type UnloadAllError struct {
	Failures map[string]error
}

func (e *UnloadAllError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	// Stable message regardless of map iteration order.
	sort.Strings(names)
	return fmt.Sprintf("failed to unload %d module(s): %s", len(names), strings.Join(names, ", "))
}

// FunctionKey identifies one patch site: the patched object and the
// function name, including its occurrence index when a symbol is patched
// at multiple sites.
type FunctionKey struct {
	Object   string `json:"object"`
	Function string `json:"function"`
}

// FunctionRecord is the currently winning patch for one function key.
type FunctionRecord struct {
	Module        string `json:"module"`
	StackOrder    int    `json:"stackOrder"`
	Transitioning bool   `json:"transitioning"`
}
