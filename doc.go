// Package klp manages the lifecycle of hot-patch (livepatch) kernel
// modules on a running machine: inserting and removing patch binaries,
// enabling and disabling them safely, waiting out the kernel's gradual
// patch transition, recovering from stalled transitions, and reporting
// which patch currently owns each patched function.
//
// The kernel-exposed state files under /sys and /proc are the single
// source of truth. Every external wait is time-bounded; no operation
// blocks indefinitely, and every failure path leaves the module in a
// well-defined state (a failed enable rolls back to disabled, a failed
// fresh insert is unloaded again).
//
// # State contracts
//
// Three state-exposure contracts are recognized, probed in priority
// order and re-resolved whenever the patch core is freshly activated:
//   - the native livepatch root (/sys/kernel/livepatch)
//   - the legacy core's patches sub-root (/sys/kernel/klp/patches)
//   - the legacy core root itself (/sys/kernel/klp)
//
// # Lifecycle
//
// Construct a [Manager] and drive it:
//
//	mgr := klp.New(klp.WithLogger(log))
//	if err := mgr.Load("foo"); err != nil {
//	    var te *klp.TransitionError
//	    if errors.As(err, &te) {
//	        log.Fatal("transition never settled", zap.Any("stalled", te.Stalled))
//	    }
//	    log.Fatal(err.Error())
//	}
//
// [Manager.Load] activates the patch core when needed, inserts or
// re-enables the module, and awaits transition completion through a
// two-window protocol: a primary polling window, then a stall diagnosis
// with a one-shot kernel-side task nudge, then a second window. A
// disabled resident module is only re-enabled when its resident checksum
// matches the requested binary.
//
// [Manager.Unload] disables the module, awaits the transition, waits for
// the external reference count to reach zero, then removes the binary.
// [Manager.UnloadAll] sweeps the resident set to a fixpoint, honoring the
// last-enabled-first-disabled constraint of the legacy contracts.
//
// # Concurrency
//
// Execution is strictly sequential: one command is one linear chain of
// blocking steps, suspended only through bounded polling sleeps. The tool
// performs no locking of its own; two racing invocations, or a race with
// the kernel's own transition machinery, are an accepted documented
// limitation.
//
// # Testing
//
// The polling loops take their time from an injectable [Clock], module
// insertion/removal goes through an injectable [ModuleLoader], and every
// kernel path can be rebased with options such as [WithSysfsPrefix] and
// [WithProcRoot], so the whole state machine runs deterministically
// against a fixture tree.
package klp
