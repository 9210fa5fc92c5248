package klp

import (
	"fmt"
	"sort"
)

// Status is a point-in-time snapshot of the patch landscape: what is
// resident in the kernel, what is installed on disk for the running
// kernel, and which patch owns each patched function. It is recomputed
// per call and never persisted.
type Status struct {
	Kernel    string        `json:"kernel"`
	ABI       string        `json:"abi,omitempty"`
	Loaded    []PatchModule `json:"loaded"`
	Installed []PatchModule `json:"installed"`
	Functions []OwnedFunc   `json:"functions,omitempty"`
}

// OwnedFunc is one function-ownership row, flattened for stable output.
type OwnedFunc struct {
	Object        string `json:"object"`
	Function      string `json:"function"`
	Module        string `json:"module"`
	StackOrder    int    `json:"stackOrder"`
	Transitioning bool   `json:"transitioning"`
}

// Status gathers the full snapshot. An inactive patch core is not an
// error: the loaded section is simply empty.
func (m *Manager) Status() (*Status, error) {
	release, err := m.KernelRelease()
	if err != nil {
		return nil, err
	}
	st := &Status{Kernel: release}

	if abi, ok := m.ResolveABI(); ok {
		st.ABI = abi.Kind.String()
		loaded, err := m.loadedModules(abi)
		if err != nil {
			return nil, err
		}
		st.Loaded = loaded

		owners, err := m.AggregateOwnership(abi)
		if err != nil {
			return nil, err
		}
		st.Functions = flattenOwners(owners)
	}

	installed, err := m.installedBinaries("")
	if err != nil {
		return nil, err
	}
	for _, path := range installed {
		mod := PatchModule{Name: CanonicalName(path), Path: path}
		if kver, err := moduleTargetKernel(path); err == nil {
			mod.KernelVersion = kver
		}
		st.Installed = append(st.Installed, mod)
	}
	return st, nil
}

// loadedModules reads the live state of every resident patch module.
func (m *Manager) loadedModules(abi KernelABI) ([]PatchModule, error) {
	names, err := abi.patchNames()
	if err != nil {
		return nil, err
	}
	mods := make([]PatchModule, 0, len(names))
	for _, name := range names {
		mod := PatchModule{Name: name, Loaded: true}
		if enabled, err := readStateBool(abi.enabledPath(name)); err == nil {
			mod.Enabled = enabled
		}
		mod.Transitioning = m.transitioning(abi, name)
		if sum, err := readState(abi.checksumPath(name)); err == nil {
			mod.Checksum = sum
		}
		if order, err := readStateInt(abi.stackOrderPath(name)); err == nil {
			mod.StackOrder = order
		}
		mods = append(mods, mod)
	}
	return mods, nil
}

// Info resolves a module to its binary metadata, augmented with live
// kernel state when the module is resident.
func (m *Manager) Info(nameOrPath string) (*PatchModule, error) {
	mod, err := m.Find(nameOrPath)
	if err != nil {
		return nil, err
	}
	abi, ok := m.ResolveABI()
	if !ok {
		return mod, nil
	}
	if !fileExists(abi.enabledPath(mod.Name)) {
		mod.Loaded = m.resident(mod.Name)
		return mod, nil
	}
	mod.Loaded = true
	if enabled, err := readStateBool(abi.enabledPath(mod.Name)); err == nil {
		mod.Enabled = enabled
	}
	mod.Transitioning = m.transitioning(abi, mod.Name)
	if order, err := readStateInt(abi.stackOrderPath(mod.Name)); err == nil {
		mod.StackOrder = order
	}
	return mod, nil
}

// SignalStalled issues the one-shot remediation nudge for every resident
// module currently mid-transition. Contracts without the signal control
// get the documented warning, never an error.
func (m *Manager) SignalStalled() error {
	abi, ok := m.ResolveABI()
	if !ok {
		return fmt.Errorf("signal: %w", ErrNoPatchCore)
	}
	names, err := abi.patchNames()
	if err != nil {
		return err
	}
	signaled := 0
	for _, name := range names {
		if !m.transitioning(abi, name) {
			continue
		}
		m.signalTransition(abi, name)
		signaled++
	}
	if signaled == 0 {
		m.log.Info("no module is transitioning, nothing to signal")
	}
	return nil
}

func flattenOwners(owners map[FunctionKey]FunctionRecord) []OwnedFunc {
	if len(owners) == 0 {
		return nil
	}
	rows := make([]OwnedFunc, 0, len(owners))
	for key, rec := range owners {
		rows = append(rows, OwnedFunc{
			Object:        key.Object,
			Function:      key.Function,
			Module:        rec.Module,
			StackOrder:    rec.StackOrder,
			Transitioning: rec.Transitioning,
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Object != rows[j].Object {
			return rows[i].Object < rows[j].Object
		}
		return rows[i].Function < rows[j].Function
	})
	return rows
}
