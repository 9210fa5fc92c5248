package klp

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"
	"time"
)

// fakeClock drives the polling loops in virtual time: every Sleep
// advances the clock by the requested duration.
type fakeClock struct {
	now     time.Time
	sleeps  []time.Duration
	onSleep func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	if c.onSleep != nil {
		c.onSleep()
	}
}

// fakeLoader records module insertions/removals and lets tests emulate
// the kernel-side effects through hooks.
type fakeLoader struct {
	inserts []string
	removes []string

	insertFn func(path string) error
	removeFn func(name string) error
}

func (l *fakeLoader) Insert(path string) error {
	l.inserts = append(l.inserts, path)
	if l.insertFn != nil {
		return l.insertFn(path)
	}
	return nil
}

func (l *fakeLoader) Remove(name string) error {
	l.removes = append(l.removes, name)
	if l.removeFn != nil {
		return l.removeFn(name)
	}
	return nil
}

// testEnv is a fake kernel: a sysfs/procfs fixture tree plus fake clock
// and loader wired into a Manager.
type testEnv struct {
	t *testing.T

	sysfs   string
	proc    string
	modules string
	install string

	clock  *fakeClock
	loader *fakeLoader
	mgr    *Manager
}

const testKernel = "5.10.0"

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()

	e := &testEnv{
		t:       t,
		sysfs:   filepath.Join(root, "sys"),
		proc:    filepath.Join(root, "proc"),
		modules: filepath.Join(root, "sys", "module"),
		install: filepath.Join(root, "lib"),
		clock:   newFakeClock(),
		loader:  &fakeLoader{},
	}
	for _, dir := range []string{e.sysfs, e.proc, e.modules, e.install} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	e.mgr = New(
		WithSysfsPrefix(e.sysfs),
		WithProcRoot(e.proc),
		WithInstallRoot(e.install),
		WithKernelRelease(testKernel),
		WithClock(e.clock),
		WithModuleLoader(e.loader),
	)
	e.mgr.modprobe = func(string) error {
		return errors.New("modprobe: module not found")
	}
	return e
}

// mkABI creates the state root for a contract and returns it resolved.
func (e *testEnv) mkABI(kind ABIKind) KernelABI {
	e.t.Helper()
	var rel string
	switch kind {
	case ABINativeLivepatch:
		rel = nativeRoot
	case ABILegacyPatches:
		rel = filepath.Join(legacyCoreRoot, legacyPatchesIn)
	case ABILegacyCore:
		rel = legacyCoreRoot
	default:
		e.t.Fatalf("mkABI(%v)", kind)
	}
	root := filepath.Join(e.sysfs, rel)
	if err := os.MkdirAll(root, 0o755); err != nil {
		e.t.Fatal(err)
	}
	abi, ok := e.mgr.ResolveABI()
	if !ok {
		e.t.Fatal("ResolveABI() after mkABI: no root")
	}
	return abi
}

// addPatchState creates the kernel-side state of a resident patch module:
// its state directory, its enabled/transition flags, its /sys/module
// entry, and a zero refcount.
func (e *testEnv) addPatchState(abi KernelABI, name string, enabled, transitioning bool) {
	e.t.Helper()
	if err := os.MkdirAll(abi.stateDir(name), 0o755); err != nil {
		e.t.Fatal(err)
	}
	e.writeFile(abi.enabledPath(name), boolState(enabled))
	e.writeFile(abi.transitionPath(name), boolState(transitioning))
	e.addResident(name, 0)
}

// removePatchState emulates the kernel dropping a module: both the patch
// state directory and the /sys/module entry disappear.
func (e *testEnv) removePatchState(abi KernelABI, name string) {
	e.t.Helper()
	if err := os.RemoveAll(abi.stateDir(name)); err != nil {
		e.t.Fatal(err)
	}
	if err := os.RemoveAll(filepath.Join(e.modules, name)); err != nil {
		e.t.Fatal(err)
	}
}

// addResident creates the /sys/module entry with a refcount.
func (e *testEnv) addResident(name string, refcnt int) {
	e.t.Helper()
	dir := filepath.Join(e.modules, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.t.Fatal(err)
	}
	e.writeFile(filepath.Join(dir, "refcnt"), strconv.Itoa(refcnt)+"\n")
}

// addProc creates a /proc/<pid> entry with patch_state, comm, and stack.
func (e *testEnv) addProc(pid int, patchState string, comm string) {
	e.t.Helper()
	dir := filepath.Join(e.proc, strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.t.Fatal(err)
	}
	if patchState != "" {
		e.writeFile(filepath.Join(dir, "patch_state"), patchState+"\n")
	}
	e.writeFile(filepath.Join(dir, "comm"), comm+"\n")
	e.writeFile(filepath.Join(dir, "stack"), "[<0>] klp_try_complete\n")
}

func (e *testEnv) writeFile(path, content string) {
	e.t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		e.t.Fatal(err)
	}
}

func (e *testEnv) readFile(path string) string {
	e.t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		e.t.Fatal(err)
	}
	return string(data)
}

func boolState(v bool) string {
	if v {
		return "1\n"
	}
	return "0\n"
}

// writeModuleELF writes a minimal relocatable ELF carrying the given
// sections, enough for the metadata extractor to parse.
func writeModuleELF(t *testing.T, path string, sections map[string][]byte) {
	t.Helper()

	names := make([]string, 0, len(sections))
	for name := range sections {
		names = append(names, name)
	}
	sort.Strings(names)

	// Layout: ELF header | section data | .shstrtab | section headers.
	shstrtab := []byte{0}
	nameOff := make(map[string]uint32, len(names))
	for _, name := range names {
		nameOff[name] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, name...)
		shstrtab = append(shstrtab, 0)
	}
	shstrtabNameOff := uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)

	const ehsize = 64
	off := uint64(ehsize)
	dataOff := make(map[string]uint64, len(names))
	for _, name := range names {
		dataOff[name] = off
		off += uint64(len(sections[name]))
	}
	shstrtabOff := off
	off += uint64(len(shstrtab))
	shoff := off

	shnum := uint16(len(names) + 2) // NULL + sections + .shstrtab

	var buf bytes.Buffer
	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   1,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Shentsize: 64,
		Shnum:     shnum,
		Shstrndx:  shnum - 1,
	}
	ident := [16]byte{0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	hdr.Ident = ident
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		t.Fatal(err)
	}

	for _, name := range names {
		buf.Write(sections[name])
	}
	buf.Write(shstrtab)

	// NULL section header.
	if err := binary.Write(&buf, binary.LittleEndian, &elf.Section64{}); err != nil {
		t.Fatal(err)
	}
	for _, name := range names {
		sh := elf.Section64{
			Name:      nameOff[name],
			Type:      uint32(elf.SHT_PROGBITS),
			Off:       dataOff[name],
			Size:      uint64(len(sections[name])),
			Addralign: 1,
		}
		if err := binary.Write(&buf, binary.LittleEndian, &sh); err != nil {
			t.Fatal(err)
		}
	}
	strhdr := elf.Section64{
		Name:      shstrtabNameOff,
		Type:      uint32(elf.SHT_STRTAB),
		Off:       shstrtabOff,
		Size:      uint64(len(shstrtab)),
		Addralign: 1,
	}
	if err := binary.Write(&buf, binary.LittleEndian, &strhdr); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

// installModule writes a patch binary with metadata into the env's
// install store for the test kernel and returns its path.
func (e *testEnv) installModule(filename, checksum, kver string) string {
	e.t.Helper()
	dir := filepath.Join(e.install, testKernel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.t.Fatal(err)
	}
	path := filepath.Join(dir, filename)
	sections := map[string][]byte{}
	if checksum != "" {
		sections[checksumSection] = []byte(checksum + "\x00")
	}
	if kver != "" {
		sections[modinfoSection] = []byte("license=GPL\x00vermagic=" + kver + " SMP mod_unload \x00")
	}
	writeModuleELF(e.t, path, sections)
	return path
}
