package klp

import (
	"debug/elf"
	"fmt"
	"strings"
)

// ELF sections the patch build embeds its metadata in.
const (
	nameSection     = ".klp.name"
	checksumSection = ".klp.checksum"
	modinfoSection  = ".modinfo"
)

// elfSectionString extracts a single embedded string from a named linker
// section of a module binary. This is the only place in the codebase that
// parses native binary format.
func elfSectionString(path, section string) (string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open ELF %q: %w", path, err)
	}
	defer f.Close()

	s := f.Section(section)
	if s == nil {
		return "", fmt.Errorf("ELF %q: no %s section", path, section)
	}
	data, err := s.Data()
	if err != nil {
		return "", fmt.Errorf("ELF %q: read %s: %w", path, section, err)
	}

	value := strings.TrimRight(string(data), "\x00")
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("ELF %q: empty %s section", path, section)
	}
	return value, nil
}

// moduleEmbeddedName extracts the module name the patch build embedded in
// the binary. Binaries built without it fall back to the filename-derived
// canonical name.
func moduleEmbeddedName(path string) (string, error) {
	return elfSectionString(path, nameSection)
}

// moduleChecksum extracts the build checksum embedded in a patch binary.
func moduleChecksum(path string) (string, error) {
	return elfSectionString(path, checksumSection)
}

// moduleTargetKernel extracts the kernel release a module was built for
// from the vermagic entry of its .modinfo section. Entries are
// NUL-separated key=value pairs; vermagic's value leads with the release.
func moduleTargetKernel(path string) (string, error) {
	info, err := elfSectionString(path, modinfoSection)
	if err != nil {
		return "", err
	}
	for _, entry := range strings.Split(info, "\x00") {
		value, ok := strings.CutPrefix(entry, "vermagic=")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			return "", fmt.Errorf("ELF %q: empty vermagic", path)
		}
		return fields[0], nil
	}
	return "", fmt.Errorf("ELF %q: no vermagic in %s", path, modinfoSection)
}
