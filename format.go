package klp

import (
	"fmt"
	"strings"
)

// String renders the snapshot the way the list command prints it.
func (st *Status) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Kernel: %s\n", st.Kernel)
	b.WriteString("\n")

	b.WriteString("Loaded patch modules:\n")
	if len(st.Loaded) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, mod := range st.Loaded {
		fmt.Fprintf(&b, "  %s [%s]\n", mod.Name, moduleState(mod))
	}
	b.WriteString("\n")

	b.WriteString("Installed patch modules:\n")
	if len(st.Installed) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, mod := range st.Installed {
		if mod.KernelVersion != "" {
			fmt.Fprintf(&b, "  %s (%s)\n", mod.Name, mod.KernelVersion)
		} else {
			fmt.Fprintf(&b, "  %s\n", mod.Name)
		}
	}

	if len(st.Functions) > 0 {
		b.WriteString("\n")
		b.WriteString("Patched functions:\n")
		for _, fn := range st.Functions {
			fmt.Fprintf(&b, "  %s %s: %s (order %d)", fn.Object, fn.Function, fn.Module, fn.StackOrder)
			if fn.Transitioning {
				b.WriteString(" [in transition]")
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}

// String renders one module the way the info command prints it.
func (mod *PatchModule) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Name: %s\n", mod.Name)
	if mod.Path != "" {
		fmt.Fprintf(&b, "Path: %s\n", mod.Path)
	}
	if mod.KernelVersion != "" {
		fmt.Fprintf(&b, "Target kernel: %s\n", mod.KernelVersion)
	}
	if mod.Checksum != "" {
		fmt.Fprintf(&b, "Checksum: %s\n", mod.Checksum)
	}
	fmt.Fprintf(&b, "State: %s\n", moduleState(*mod))
	if mod.StackOrder != 0 {
		fmt.Fprintf(&b, "Stack order: %d\n", mod.StackOrder)
	}
	return b.String()
}

func moduleState(mod PatchModule) string {
	switch {
	case !mod.Loaded:
		return "not loaded"
	case mod.Transitioning:
		return "in transition"
	case mod.Enabled:
		return "enabled"
	default:
		return "disabled"
	}
}
