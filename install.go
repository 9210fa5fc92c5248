package klp

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Install copies a patch binary into the version-keyed store, making it
// resolvable by bare name for that kernel. An empty release targets the
// running kernel. The binary's embedded target kernel must match the
// requested release; a disagreement means the patch was built for a
// different kernel and is refused.
func (m *Manager) Install(path, release string) error {
	if !fileExists(path) {
		return fmt.Errorf("%q: %w", path, ErrNotFound)
	}

	if release == "" {
		var err error
		release, err = m.KernelRelease()
		if err != nil {
			return err
		}
	}
	target, err := moduleTargetKernel(path)
	if err != nil {
		return err
	}
	if target != release {
		return fmt.Errorf("install %s: built for kernel %s, not %s", filepath.Base(path), target, release)
	}

	dir := filepath.Join(m.installRoot, release)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create install dir: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := copyFile(path, dst); err != nil {
		return fmt.Errorf("install %s: %w", filepath.Base(path), err)
	}
	m.log.Info("installed patch binary",
		zap.String("module", CanonicalName(path)),
		zap.String("kernel", release),
		zap.String("path", dst),
	)
	return nil
}

// Uninstall removes an installed binary from the version-keyed store.
func (m *Manager) Uninstall(name, release string) error {
	binaries, err := m.installedBinaries(release)
	if err != nil {
		return err
	}
	want := CanonicalName(name)
	for _, path := range binaries {
		if CanonicalName(path) != want {
			continue
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("uninstall %s: %w", want, err)
		}
		m.log.Info("uninstalled patch binary",
			zap.String("module", want), zap.String("path", path))
		return nil
	}
	return fmt.Errorf("%q: %w", name, ErrNotFound)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
