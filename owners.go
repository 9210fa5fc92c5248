package klp

import (
	"fmt"
	"os"
	"path/filepath"
)

// AggregateOwnership builds the per-function "currently winning patch"
// report: for every resident module exposing stacking metadata, each
// patched (object, function) key maps to the module with the highest
// stack order. Entries whose owning module is mid-transition carry the
// transition flag. The result is empty when no resident module exposes
// stacking metadata (older contracts).
//
// Modules reporting identical stack order for the same key resolve by
// scan order: modules are visited in sorted name order and the later one
// wins. The kernel does not document this case.
func (m *Manager) AggregateOwnership(abi KernelABI) (map[FunctionKey]FunctionRecord, error) {
	names, err := abi.patchNames()
	if err != nil {
		return nil, err
	}

	owners := make(map[FunctionKey]FunctionRecord)
	for _, name := range names {
		order, err := readStateInt(abi.stackOrderPath(name))
		if err != nil {
			// No stacking metadata for this module.
			continue
		}
		record := FunctionRecord{
			Module:        name,
			StackOrder:    order,
			Transitioning: m.transitioning(abi, name),
		}

		keys, err := m.patchedFunctions(abi, name)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", name, err)
		}
		for _, key := range keys {
			if prev, ok := owners[key]; ok && prev.StackOrder > record.StackOrder {
				continue
			}
			owners[key] = record
		}
	}
	return owners, nil
}

// patchedFunctions enumerates a module's (object, function) keys from its
// state directory: one subdirectory per patched object, one entry per
// patched function. Function entries keep their occurrence suffix, since
// one symbol can carry multiple independent patch sites.
func (m *Manager) patchedFunctions(abi KernelABI, name string) ([]FunctionKey, error) {
	entries, err := os.ReadDir(abi.stateDir(name))
	if err != nil {
		return nil, err
	}

	var keys []FunctionKey
	for _, obj := range entries {
		if !obj.IsDir() {
			continue
		}
		funcs, err := os.ReadDir(filepath.Join(abi.stateDir(name), obj.Name()))
		if err != nil {
			return nil, err
		}
		for _, fn := range funcs {
			keys = append(keys, FunctionKey{Object: obj.Name(), Function: fn.Name()})
		}
	}
	return keys, nil
}
