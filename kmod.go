//go:build linux

package klp

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// sysLoader is the production [ModuleLoader], issuing the module syscalls
// directly instead of shelling out to insmod/rmmod.
type sysLoader struct{}

// Insert loads a module binary via finit_module(2).
func (sysLoader) Insert(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open module binary: %w", err)
	}
	defer f.Close()

	if err := unix.FinitModule(int(f.Fd()), "", 0); err != nil {
		return fmt.Errorf("insert %s: %w", path, err)
	}
	return nil
}

// Remove unloads a module via delete_module(2). O_NONBLOCK keeps the
// kernel from sleeping on busy modules; busy surfaces as EBUSY/EAGAIN.
func (sysLoader) Remove(name string) error {
	if err := unix.DeleteModule(name, unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

// kernelRelease returns the running kernel release string via uname.
func kernelRelease() (string, error) {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "", err
	}
	return unix.ByteSliceToString(uname.Release[:]), nil
}

// isBusy classifies contention from the kernel's activeness safety check.
// Syscall and sysfs-write paths surface EBUSY structurally; the modprobe
// path only has stderr text to go by.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, unix.EBUSY) {
		return true
	}
	return strings.Contains(err.Error(), "resource busy")
}
