package klp

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// awaitZeroRefcount waits, bounded, for a module's external reference
// count to drop to zero before removal. Cores declaring the force
// capability pin an extra reference themselves, so the count is not
// trustworthy and the wait is skipped.
func (m *Manager) awaitZeroRefcount(abi KernelABI, name string) error {
	if m.coreHasForceCapability(abi) {
		m.log.Debug("core holds force reference, skipping refcount wait",
			zap.String("module", name))
		return nil
	}

	deadline := m.clock.Now().Add(m.timeouts.Refcount)
	for {
		count, err := m.refcount(name)
		if err != nil {
			if os.IsNotExist(err) {
				// Module already gone from the kernel namespace.
				return nil
			}
			return fmt.Errorf("module %s: read refcount: %w", name, err)
		}
		if count == 0 {
			return nil
		}
		if !m.clock.Now().Before(deadline) {
			return fmt.Errorf("module %s: refcount still %d after %s: %w",
				name, count, m.timeouts.Refcount, ErrRefcountTimeout)
		}
		m.clock.Sleep(m.timeouts.Poll)
	}
}

// refcount reads a module's external reference count.
func (m *Manager) refcount(name string) (int, error) {
	return readStateInt(filepath.Join(m.modulesRoot, name, "refcnt"))
}
