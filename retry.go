package klp

import (
	"fmt"

	"go.uber.org/zap"
)

// withRetry executes an operation that can race the kernel's activeness
// safety check: binary insertion and enabled-flag writes. Contention
// (busy) is retried at a fixed interval up to the attempt ceiling; any
// other failure is fatal immediately.
func (m *Manager) withRetry(op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= m.retry.Attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		if attempt == m.retry.Attempts {
			break
		}
		m.log.Warn("kernel busy, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", m.retry.Attempts),
			zap.Duration("interval", m.retry.Interval),
		)
		m.clock.Sleep(m.retry.Interval)
	}
	return fmt.Errorf("%s: still busy after %d attempts: %w", op, m.retry.Attempts, err)
}

// insertBinary loads a patch binary through the retry executor.
func (m *Manager) insertBinary(path string) error {
	return m.withRetry("insert "+path, func() error {
		return m.loader.Insert(path)
	})
}

// setEnabled drives a module's enabled flag through the retry executor.
func (m *Manager) setEnabled(abi KernelABI, name string, enabled bool) error {
	value := "0"
	if enabled {
		value = "1"
	}
	return m.withRetry(fmt.Sprintf("set %s enabled=%s", name, value), func() error {
		return writeState(abi.enabledPath(name), value)
	})
}
