//go:build !linux

package klp

import "strings"

// sysLoader is the production [ModuleLoader]. On non-Linux platforms the
// module syscalls don't exist, so every operation fails.
type sysLoader struct{}

func (sysLoader) Insert(_ string) error { return ErrUnsupportedPlatform }
func (sysLoader) Remove(_ string) error { return ErrUnsupportedPlatform }

// kernelRelease returns the running kernel release string.
// On non-Linux platforms there is no Linux kernel to ask.
func kernelRelease() (string, error) {
	return "", ErrUnsupportedPlatform
}

// isBusy classifies contention from the kernel's activeness safety check.
// Without the syscall layer only diagnostic text is available.
func isBusy(err error) bool {
	return err != nil && strings.Contains(err.Error(), "resource busy")
}
