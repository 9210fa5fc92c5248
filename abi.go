package klp

import (
	"fmt"
	"os"
	"path/filepath"
)

// State roots probed in priority order, relative to the sysfs prefix.
const (
	nativeRoot      = "kernel/livepatch"
	legacyCoreRoot  = "kernel/klp"
	legacyPatchesIn = "patches" // sub-root under legacyCoreRoot
)

// ResolveABI probes for the active state-exposure contract: the native
// livepatch root first, then the legacy patches sub-root, then the legacy
// core root. The second return is false when none exists.
//
// The result must be re-resolved after the patch core is activated within
// the same operation, since the roots appear at that moment.
func (m *Manager) ResolveABI() (KernelABI, bool) {
	candidates := []KernelABI{
		{Kind: ABINativeLivepatch, Root: filepath.Join(m.sysfsPrefix, nativeRoot)},
		{Kind: ABILegacyPatches, Root: filepath.Join(m.sysfsPrefix, legacyCoreRoot, legacyPatchesIn)},
		{Kind: ABILegacyCore, Root: filepath.Join(m.sysfsPrefix, legacyCoreRoot)},
	}
	for _, abi := range candidates {
		if info, err := os.Stat(abi.Root); err == nil && info.IsDir() {
			return abi, true
		}
	}
	return KernelABI{}, false
}

// coreHasForceCapability reports whether the active patch core declares
// the force-unsafe capability. Cores with it pin an extra reference on
// every patch module, so the external reference count can never be
// trusted to reach zero and the removal wait is skipped.
func (m *Manager) coreHasForceCapability(abi KernelABI) bool {
	var coreRoot string
	switch abi.Kind {
	case ABILegacyPatches:
		coreRoot = filepath.Dir(abi.Root)
	case ABILegacyCore:
		coreRoot = abi.Root
	default:
		// The native contract exposes no core-level force control.
		return false
	}
	_, err := os.Stat(filepath.Join(coreRoot, "force"))
	return err == nil
}

// stateDir returns the per-module state directory under the resolved root.
func (abi KernelABI) stateDir(name string) string {
	return filepath.Join(abi.Root, name)
}

// enabledPath is the module's enable/disable control file.
func (abi KernelABI) enabledPath(name string) string {
	return filepath.Join(abi.Root, name, "enabled")
}

// transitionPath is the module's read-only transition flag. Roots of the
// legacy contracts may not expose it; absence reads as "not transitioning".
func (abi KernelABI) transitionPath(name string) string {
	return filepath.Join(abi.Root, name, "transition")
}

// checksumPath is the checksum of the module's resident code.
func (abi KernelABI) checksumPath(name string) string {
	return filepath.Join(abi.Root, name, "checksum")
}

// signalPath is the one-shot remediation control, native contract only.
func (abi KernelABI) signalPath(name string) string {
	return filepath.Join(abi.Root, name, "signal")
}

// stackOrderPath is the stacking precedence, stacking contracts only.
func (abi KernelABI) stackOrderPath(name string) string {
	return filepath.Join(abi.Root, name, "stack_order")
}

// patchNames lists the resident patch modules under the root in sorted
// directory order.
func (abi KernelABI) patchNames() ([]string, error) {
	entries, err := os.ReadDir(abi.Root)
	if err != nil {
		return nil, fmt.Errorf("list patch state root %s: %w", abi.Root, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// transitioning reads the module's transition flag; a missing flag file
// means the contract predates transitions and reads as clear.
func (m *Manager) transitioning(abi KernelABI, name string) bool {
	set, err := readStateBool(abi.transitionPath(name))
	if err != nil {
		return false
	}
	return set
}
