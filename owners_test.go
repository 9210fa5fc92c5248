package klp

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
)

// addPatchedFunction creates one <object>/<function> entry under a
// module's state directory.
func (e *testEnv) addPatchedFunction(abi KernelABI, module, object, function string) {
	e.t.Helper()
	dir := filepath.Join(abi.stateDir(module), object)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, function), 0o755); err != nil {
		e.t.Fatal(err)
	}
}

func (e *testEnv) setStackOrder(abi KernelABI, module string, order int) {
	e.t.Helper()
	e.writeFile(abi.stackOrderPath(module), strconv.Itoa(order)+"\n")
}

func TestAggregateOwnership(t *testing.T) {
	t.Run("higher stack order wins", func(t *testing.T) {
		e := newTestEnv(t)
		abi := e.mkABI(ABINativeLivepatch)
		e.addPatchState(abi, "patch_v1", true, false)
		e.addPatchState(abi, "patch_v2", true, false)
		e.setStackOrder(abi, "patch_v1", 1)
		e.setStackOrder(abi, "patch_v2", 2)
		e.addPatchedFunction(abi, "patch_v1", "vmlinux", "meminfo_proc_show")
		e.addPatchedFunction(abi, "patch_v2", "vmlinux", "meminfo_proc_show")
		e.addPatchedFunction(abi, "patch_v1", "vmlinux", "cmdline_proc_show")

		owners, err := e.mgr.AggregateOwnership(abi)
		if err != nil {
			t.Fatalf("AggregateOwnership() error = %v", err)
		}
		want := map[FunctionKey]FunctionRecord{
			{Object: "vmlinux", Function: "meminfo_proc_show"}: {Module: "patch_v2", StackOrder: 2},
			{Object: "vmlinux", Function: "cmdline_proc_show"}: {Module: "patch_v1", StackOrder: 1},
		}
		if !reflect.DeepEqual(owners, want) {
			t.Errorf("owners = %v, want %v", owners, want)
		}
	})

	t.Run("equal stack order resolves to the later module", func(t *testing.T) {
		e := newTestEnv(t)
		abi := e.mkABI(ABINativeLivepatch)
		e.addPatchState(abi, "patch_a", true, false)
		e.addPatchState(abi, "patch_b", true, false)
		e.setStackOrder(abi, "patch_a", 3)
		e.setStackOrder(abi, "patch_b", 3)
		e.addPatchedFunction(abi, "patch_a", "ext4", "ext4_file_open")
		e.addPatchedFunction(abi, "patch_b", "ext4", "ext4_file_open")

		owners, err := e.mgr.AggregateOwnership(abi)
		if err != nil {
			t.Fatalf("AggregateOwnership() error = %v", err)
		}
		rec := owners[FunctionKey{Object: "ext4", Function: "ext4_file_open"}]
		if rec.Module != "patch_b" {
			t.Errorf("owner = %q, want later module %q", rec.Module, "patch_b")
		}
	})

	t.Run("transitioning owner carries the flag", func(t *testing.T) {
		e := newTestEnv(t)
		abi := e.mkABI(ABINativeLivepatch)
		e.addPatchState(abi, "patch_a", true, true)
		e.setStackOrder(abi, "patch_a", 1)
		e.addPatchedFunction(abi, "patch_a", "vmlinux", "do_sys_open")

		owners, err := e.mgr.AggregateOwnership(abi)
		if err != nil {
			t.Fatalf("AggregateOwnership() error = %v", err)
		}
		rec := owners[FunctionKey{Object: "vmlinux", Function: "do_sys_open"}]
		if !rec.Transitioning {
			t.Error("Transitioning = false, want true")
		}
	})

	t.Run("modules without stacking metadata are skipped", func(t *testing.T) {
		e := newTestEnv(t)
		abi := e.mkABI(ABILegacyCore)
		e.addPatchState(abi, "patch_a", true, false)
		e.addPatchedFunction(abi, "patch_a", "vmlinux", "do_sys_open")

		owners, err := e.mgr.AggregateOwnership(abi)
		if err != nil {
			t.Fatalf("AggregateOwnership() error = %v", err)
		}
		if len(owners) != 0 {
			t.Errorf("owners = %v, want empty without stack_order files", owners)
		}
	})

	t.Run("occurrence suffixes stay distinct keys", func(t *testing.T) {
		e := newTestEnv(t)
		abi := e.mkABI(ABINativeLivepatch)
		e.addPatchState(abi, "patch_a", true, false)
		e.setStackOrder(abi, "patch_a", 1)
		e.addPatchedFunction(abi, "patch_a", "vmlinux", "irq_handler,1")
		e.addPatchedFunction(abi, "patch_a", "vmlinux", "irq_handler,2")

		owners, err := e.mgr.AggregateOwnership(abi)
		if err != nil {
			t.Fatalf("AggregateOwnership() error = %v", err)
		}
		if len(owners) != 2 {
			t.Errorf("len(owners) = %d, want one key per occurrence", len(owners))
		}
	})
}

func TestFlattenOwners(t *testing.T) {
	owners := map[FunctionKey]FunctionRecord{
		{Object: "vmlinux", Function: "bbb"}: {Module: "p1", StackOrder: 1},
		{Object: "ext4", Function: "zzz"}:    {Module: "p2", StackOrder: 2},
		{Object: "vmlinux", Function: "aaa"}: {Module: "p1", StackOrder: 1, Transitioning: true},
	}
	rows := flattenOwners(owners)
	got := make([]string, len(rows))
	for i, r := range rows {
		got[i] = r.Object + "/" + r.Function
	}
	want := []string{"ext4/zzz", "vmlinux/aaa", "vmlinux/bbb"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if flattenOwners(nil) != nil {
		t.Error("flattenOwners(nil) != nil")
	}
}
