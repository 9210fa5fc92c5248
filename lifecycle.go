package klp

import (
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
)

// Load makes a patch module resident and enabled, activating the patch
// core first when needed.
//
// A module already enabled is a reported no-op. A disabled resident
// module is re-enabled only when its resident checksum matches the
// requested binary's; a mismatch is fatal and never bypassed. A failed
// enable transition is rolled back: the module is deliberately left
// disabled, never force-enabled. A fresh insert whose transition fails is
// fully unloaded again.
//
// On success the module is present, enabled, and not transitioning.
func (m *Manager) Load(nameOrPath string) error {
	mod, err := m.Find(nameOrPath)
	if err != nil {
		return err
	}

	abi, err := m.ensureCore()
	if err != nil {
		return err
	}

	if fileExists(abi.enabledPath(mod.Name)) {
		return m.reenable(abi, mod)
	}
	return m.insertFresh(abi, mod)
}

// reenable handles a module already present in the kernel patch namespace.
func (m *Manager) reenable(abi KernelABI, mod *PatchModule) error {
	enabled, err := readStateBool(abi.enabledPath(mod.Name))
	if err != nil {
		return fmt.Errorf("module %s: read enabled: %w", mod.Name, err)
	}
	if enabled {
		m.log.Info("module already enabled", zap.String("module", mod.Name))
		return nil
	}

	// Checksum gate: never re-enable resident code that differs from the
	// requested binary.
	resident, err := readState(abi.checksumPath(mod.Name))
	if err != nil {
		return fmt.Errorf("module %s: read resident checksum: %w", mod.Name, err)
	}
	want, err := moduleChecksum(mod.Path)
	if err != nil {
		return fmt.Errorf("module %s: %w", mod.Name, err)
	}
	if resident != want {
		return fmt.Errorf("module %s: resident %s vs binary %s: %w",
			mod.Name, resident, want, ErrChecksumMismatch)
	}

	if err := m.setEnabled(abi, mod.Name, true); err != nil {
		return err
	}
	m.log.Info("re-enabling module", zap.String("module", mod.Name))
	if _, err := m.awaitTransition(abi, mod.Name, true); err != nil {
		// Roll back to disabled and await that transition too; the
		// module stays resident but disabled.
		if derr := m.setEnabled(abi, mod.Name, false); derr == nil {
			m.awaitTransition(abi, mod.Name, false)
		} else {
			m.log.Warn("rollback disable failed",
				zap.String("module", mod.Name), zap.Error(derr))
		}
		return fmt.Errorf("enable %s: %w", mod.Name, err)
	}
	m.log.Info("module enabled", zap.String("module", mod.Name))
	return nil
}

// insertFresh inserts a binary not currently in the kernel patch namespace.
func (m *Manager) insertFresh(abi KernelABI, mod *PatchModule) error {
	// Stale disabled residue under the same canonical name blocks a fresh
	// insert; clean it up quietly. Removal failure here surfaces on the
	// insert itself.
	if m.resident(mod.Name) {
		m.log.Info("removing stale module residue", zap.String("module", mod.Name))
		if err := m.loader.Remove(mod.Name); err != nil {
			m.log.Warn("stale residue removal failed",
				zap.String("module", mod.Name), zap.Error(err))
		}
	}

	if err := m.insertBinary(mod.Path); err != nil {
		return err
	}
	m.log.Info("module inserted",
		zap.String("module", mod.Name), zap.String("path", mod.Path))

	if _, err := m.awaitTransition(abi, mod.Name, true); err != nil {
		// The insert cannot be left half-applied: unload it fully.
		if uerr := m.unloadResident(abi, mod.Name); uerr != nil {
			m.log.Warn("unload after failed transition also failed",
				zap.String("module", mod.Name), zap.Error(uerr))
		}
		return fmt.Errorf("load %s: %w", mod.Name, err)
	}
	m.log.Info("module enabled", zap.String("module", mod.Name))
	return nil
}

// Unload disables a resident patch module, waits out its transition and
// external references, then removes the binary from the kernel.
func (m *Manager) Unload(nameOrPath string) error {
	name := CanonicalName(nameOrPath)

	abi, ok := m.ResolveABI()
	if !ok {
		return fmt.Errorf("unload %s: %w", name, ErrNoPatchCore)
	}
	return m.unloadResident(abi, name)
}

// unloadResident is DISABLE_STRICT followed by REMOVE.
func (m *Manager) unloadResident(abi KernelABI, name string) error {
	if err := m.disableStrict(abi, name); err != nil {
		return err
	}
	return m.remove(abi, name)
}

// disableStrict drives a module's enabled flag to 0 and awaits the
// transition. A missing state file succeeds only when the module binary
// is nonetheless resident (already disabled); otherwise the module is
// simply not there. A failed disable transition is fatal: the module
// stays resident and disabled.
func (m *Manager) disableStrict(abi KernelABI, name string) error {
	enabledPath := abi.enabledPath(name)
	if !fileExists(enabledPath) {
		if m.resident(name) {
			return nil
		}
		return fmt.Errorf("module %s: %w", name, ErrNotFound)
	}

	enabled, err := readStateBool(enabledPath)
	if err != nil {
		return fmt.Errorf("module %s: read enabled: %w", name, err)
	}
	if !enabled {
		return nil
	}

	if err := m.setEnabled(abi, name, false); err != nil {
		return err
	}
	m.log.Info("disabling module", zap.String("module", name))
	if _, err := m.awaitTransition(abi, name, false); err != nil {
		return fmt.Errorf("disable %s: %w", name, err)
	}
	return nil
}

// remove waits for the module's external reference count and deletes the
// binary from the kernel. The final removal call is best effort: a
// force-unsafe core can legitimately refuse it, and that refusal is the
// one error this tool swallows.
func (m *Manager) remove(abi KernelABI, name string) error {
	if err := m.awaitZeroRefcount(abi, name); err != nil {
		return err
	}
	if err := m.loader.Remove(name); err != nil {
		m.log.Warn("module removal refused, leaving binary resident",
			zap.String("module", name), zap.Error(err))
		return nil
	}
	m.log.Info("module removed", zap.String("module", name))
	return nil
}

// LoadAll loads every binary installed for the running kernel, one at a
// time. The first fatal failure aborts the batch.
func (m *Manager) LoadAll() error {
	binaries, err := m.installedBinaries("")
	if err != nil {
		return err
	}
	for _, path := range binaries {
		if err := m.Load(path); err != nil {
			return err
		}
	}
	return nil
}

// UnloadAll unloads every resident patch module. Kernels with the legacy
// contracts require strict last-enabled-first-disabled ordering, so it
// sweeps the resident set repeatedly: modules still transitioning are
// skipped for the sweep, and sweeping stops at the fixpoint where a full
// pass disables nothing. Modules still resident at that point are
// reported together in an *[UnloadAllError]; the operation never aborts
// mid-sweep.
func (m *Manager) UnloadAll() error {
	abi, ok := m.ResolveABI()
	if !ok {
		// Nothing exposed means nothing loaded.
		return nil
	}

	failures := make(map[string]error)
	for {
		names, err := abi.patchNames()
		if err != nil {
			return err
		}
		disabled := 0
		for _, name := range names {
			if m.transitioning(abi, name) {
				m.log.Info("module still transitioning, skipping this sweep",
					zap.String("module", name))
				continue
			}
			wasEnabled, _ := readStateBool(abi.enabledPath(name))
			if err := m.unloadResident(abi, name); err != nil {
				failures[name] = err
				m.log.Warn("unload failed",
					zap.String("module", name), zap.Error(err))
				continue
			}
			delete(failures, name)
			if wasEnabled {
				disabled++
			}
		}
		// Fixpoint: a full sweep that disables nothing cannot make
		// further progress against the LIFO-disable constraint.
		if disabled == 0 {
			break
		}
	}

	remaining, _ := abi.patchNames()
	for _, name := range remaining {
		if _, ok := failures[name]; !ok {
			failures[name] = errors.New("still resident after final sweep")
		}
	}
	if len(failures) > 0 {
		return &UnloadAllError{Failures: failures}
	}
	return nil
}

// ensureCore resolves the active ABI, activating the patch core first
// when no state root exists. Activation tries the generic system-wide
// path, then falls back to inserting a core binary from the fixed
// candidate locations. The ABI is always re-resolved after activation
// since the state roots appear at that moment.
func (m *Manager) ensureCore() (KernelABI, error) {
	if abi, ok := m.ResolveABI(); ok {
		return abi, nil
	}

	if err := m.modprobe(coreModule); err != nil {
		m.log.Debug("generic core activation failed, trying candidate binaries",
			zap.Error(err))
		path, err := m.findCoreBinary()
		if err != nil {
			return KernelABI{}, err
		}
		if err := m.insertBinary(path); err != nil {
			return KernelABI{}, fmt.Errorf("activate patch core: %w", err)
		}
	}

	abi, ok := m.ResolveABI()
	if !ok {
		return KernelABI{}, fmt.Errorf("core activated but no state root appeared: %w", ErrNoPatchCore)
	}
	m.log.Info("patch core active",
		zap.Stringer("abi", abi.Kind), zap.String("root", abi.Root))
	return abi, nil
}

// findCoreBinary returns the first existing candidate location of the
// core binary.
func (m *Manager) findCoreBinary() (string, error) {
	candidates := m.coreCandidates
	if candidates == nil {
		release, err := m.KernelRelease()
		if err != nil {
			return "", err
		}
		candidates = []string{
			filepath.Join("/usr/lib/modules", release, "extra/klp", coreModule+moduleSuffix),
			filepath.Join("/usr/lib/modules", release, "klp", coreModule+moduleSuffix),
			filepath.Join("/usr/local/lib/klp", coreModule+moduleSuffix),
		}
	}
	for _, path := range candidates {
		if fileExists(path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no core binary in candidate locations: %w", ErrNoPatchCore)
}
