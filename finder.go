package klp

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// moduleSuffix is the compiled patch binary extension.
const moduleSuffix = ".ko"

// CanonicalName derives a module's canonical name from a binary path or
// bare name: basename, suffix stripped, separators normalized to
// underscore. This matches how the kernel names resident modules.
func CanonicalName(nameOrPath string) string {
	name := filepath.Base(nameOrPath)
	name = strings.TrimSuffix(name, moduleSuffix)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, ".", "_")
	return name
}

// Find resolves a user-given bare name or binary path to a canonical
// module identity with its on-disk binary and embedded metadata.
//
// Paths are accepted directly or relative to the installed-binaries
// directory for the running kernel; bare names are matched against the
// canonical names of every installed binary. Returns [ErrNotFound] when
// nothing matches.
func (m *Manager) Find(nameOrPath string) (*PatchModule, error) {
	path, err := m.resolveBinary(nameOrPath)
	if err != nil {
		return nil, err
	}

	mod := &PatchModule{
		Name: CanonicalName(path),
		Path: path,
	}
	// Embedded metadata is best effort here: commands that need the
	// checksum gate fail loudly at the point of comparison instead.
	// The embedded name wins over the filename-derived one, since the
	// kernel registers the module under it.
	if name, err := moduleEmbeddedName(path); err == nil {
		mod.Name = CanonicalName(name)
	}
	if sum, err := moduleChecksum(path); err == nil {
		mod.Checksum = sum
	}
	if kver, err := moduleTargetKernel(path); err == nil {
		mod.KernelVersion = kver
	}
	return mod, nil
}

func (m *Manager) resolveBinary(nameOrPath string) (string, error) {
	isPath := strings.ContainsRune(nameOrPath, os.PathSeparator) || strings.HasSuffix(nameOrPath, moduleSuffix)
	if isPath {
		if fileExists(nameOrPath) {
			return nameOrPath, nil
		}
		dir, err := m.installDir("")
		if err != nil {
			return "", err
		}
		installed := filepath.Join(dir, filepath.Base(nameOrPath))
		if fileExists(installed) {
			return installed, nil
		}
		return "", fmt.Errorf("%q: %w", nameOrPath, ErrNotFound)
	}

	// Bare name: first exact canonical-name match among installed binaries.
	installed, err := m.installedBinaries("")
	if err != nil {
		return "", err
	}
	want := CanonicalName(nameOrPath)
	for _, path := range installed {
		if CanonicalName(path) == want {
			return path, nil
		}
	}
	return "", fmt.Errorf("%q: %w", nameOrPath, ErrNotFound)
}

// installedBinaries lists the patch binaries installed for a kernel
// release (default: running), sorted by filename. A missing directory
// means nothing is installed.
func (m *Manager) installedBinaries(release string) ([]string, error) {
	dir, err := m.installDir(release)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list installed binaries: %w", err)
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), moduleSuffix) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
