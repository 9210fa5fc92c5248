package klp

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Default locations of the kernel-exposed state this tool drives.
const (
	defaultSysfsPrefix = "/sys"
	defaultProcRoot    = "/proc"
	defaultModulesRoot = "/sys/module"
	defaultInstallRoot = "/var/lib/klp"

	// coreModule is the out-of-tree patch core activated when the running
	// kernel exposes no patch state root of its own.
	coreModule = "klp_core"
)

// Timeouts bounds every external wait the lifecycle performs.
// All polling loops sample once per Poll.
type Timeouts struct {
	// Transition is the primary window awaiting transition completion.
	Transition time.Duration
	// StalledTransition is the second window granted after the stall
	// diagnosis and remediation signal.
	StalledTransition time.Duration
	// Refcount bounds the wait for a zero external reference count.
	Refcount time.Duration
	// Poll is the sampling interval of every polling loop.
	Poll time.Duration
}

// RetryPolicy bounds the contention retries around binary insertion and
// enabled-flag writes.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

// ModuleLoader inserts and removes kernel module binaries. The production
// implementation issues the module syscalls directly; tests substitute a
// fake operating on the same sysfs fixture tree.
type ModuleLoader interface {
	// Insert loads the binary at path into the kernel.
	Insert(path string) error
	// Remove unloads the named module.
	Remove(name string) error
}

// Manager orchestrates the patch module lifecycle: load/unload, transition
// monitoring, and status aggregation. A Manager is cheap to construct and
// performs no I/O until an operation is invoked.
//
// Operations are strictly sequential. The kernel state files are the only
// source of truth and the only synchronization; two racing invocations of
// this tool are not protected against.
type Manager struct {
	sysfsPrefix string
	procRoot    string
	modulesRoot string
	installRoot string

	// coreCandidates are the fixed locations probed for the core binary
	// when generic activation fails; empty means derive from the running
	// kernel release.
	coreCandidates []string

	release string // cached kernel release, resolved lazily

	clock    Clock
	log      *zap.Logger
	loader   ModuleLoader
	timeouts Timeouts
	retry    RetryPolicy

	// modprobe is the generic system-wide activation path. Overridable
	// in tests; production shells out since module dependency resolution
	// is inherently an external tool's job.
	modprobe func(name string) error
}

// Option configures a [Manager].
type Option func(*Manager)

// WithSysfsPrefix rebases all /sys paths. Primarily for testing.
func WithSysfsPrefix(prefix string) Option {
	return func(m *Manager) {
		m.sysfsPrefix = prefix
		if m.modulesRoot == defaultModulesRoot {
			m.modulesRoot = filepath.Join(prefix, "module")
		}
	}
}

// WithProcRoot rebases /proc. Primarily for testing.
func WithProcRoot(root string) Option {
	return func(m *Manager) { m.procRoot = root }
}

// WithModulesRoot rebases /sys/module. Primarily for testing.
func WithModulesRoot(root string) Option {
	return func(m *Manager) { m.modulesRoot = root }
}

// WithInstallRoot sets the version-keyed directory patch binaries are
// installed under (default /var/lib/klp).
func WithInstallRoot(root string) Option {
	return func(m *Manager) { m.installRoot = root }
}

// WithCoreCandidates sets the ordered candidate locations of the core
// binary used for direct activation.
func WithCoreCandidates(paths ...string) Option {
	return func(m *Manager) { m.coreCandidates = paths }
}

// WithKernelRelease pins the running kernel release instead of resolving
// it via uname. Primarily for testing.
func WithKernelRelease(release string) Option {
	return func(m *Manager) { m.release = release }
}

// WithClock substitutes the time source driving polling loops.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger for progress and warning events.
// The default is a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithModuleLoader substitutes the module insertion/removal backend.
func WithModuleLoader(l ModuleLoader) Option {
	return func(m *Manager) { m.loader = l }
}

// WithTimeouts overrides the wait bounds.
func WithTimeouts(t Timeouts) Option {
	return func(m *Manager) { m.timeouts = t }
}

// WithRetryPolicy overrides the contention retry bounds.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

// New creates a Manager with production defaults.
func New(opts ...Option) *Manager {
	m := &Manager{
		sysfsPrefix: defaultSysfsPrefix,
		procRoot:    defaultProcRoot,
		modulesRoot: defaultModulesRoot,
		installRoot: defaultInstallRoot,
		clock:       realClock{},
		log:         zap.NewNop(),
		loader:      sysLoader{},
		timeouts: Timeouts{
			Transition:        15 * time.Second,
			StalledTransition: 60 * time.Second,
			Refcount:          15 * time.Second,
			Poll:              time.Second,
		},
		retry: RetryPolicy{Attempts: 5, Interval: 2 * time.Second},
	}
	m.modprobe = runModprobe
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// KernelRelease returns the running kernel release (e.g. "5.10.0"),
// resolved once via uname and cached.
func (m *Manager) KernelRelease() (string, error) {
	if m.release != "" {
		return m.release, nil
	}
	release, err := kernelRelease()
	if err != nil {
		return "", fmt.Errorf("kernel release: %w", err)
	}
	m.release = release
	return release, nil
}

// installDir returns the installed-binaries directory for a kernel
// release, defaulting to the running one.
func (m *Manager) installDir(release string) (string, error) {
	if release == "" {
		var err error
		release, err = m.KernelRelease()
		if err != nil {
			return "", err
		}
	}
	return filepath.Join(m.installRoot, release), nil
}

// runModprobe attempts generic module activation through modprobe.
func runModprobe(name string) error {
	out, err := exec.Command("modprobe", name).CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("modprobe %s: %s", name, msg)
		}
		return fmt.Errorf("modprobe %s: %w", name, err)
	}
	return nil
}

// resident reports whether a module is present in the kernel namespace,
// enabled or not.
func (m *Manager) resident(name string) bool {
	info, err := os.Stat(filepath.Join(m.modulesRoot, name))
	return err == nil && info.IsDir()
}

// readState reads and trims one kernel state file.
func readState(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readStateBool reads a "0"/"1" kernel state file.
func readStateBool(path string) (bool, error) {
	s, err := readState(path)
	if err != nil {
		return false, err
	}
	return s == "1", nil
}

// readStateInt reads an integer kernel state file.
func readStateInt(path string) (int, error) {
	s, err := readState(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}

// writeState writes one kernel control file.
func writeState(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}
