package main

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/leodido/klp"
	"github.com/leodido/structcli"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build metadata injected via ldflags. When built without ldflags these
// remain at their zero values and the version command omits them.
var (
	version = ""
	commit  = ""
	date    = ""
)

var verbose bool

func main() {
	root := &cobra.Command{
		Use:   "klp",
		Short: "Livepatch kernel module lifecycle manager",
		Long: `klp loads, unloads, and reports on hot-patch kernel modules.

It drives the kernel's patch-transition machinery through its sysfs state
files: enabling and disabling patches, waiting out transitions, nudging
stalled tasks, and listing which patch currently owns each patched function.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(loadCmd())
	root.AddCommand(unloadCmd())
	root.AddCommand(installCmd())
	root.AddCommand(uninstallCmd())
	root.AddCommand(listCmd())
	root.AddCommand(infoCmd())
	root.AddCommand(signalCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newManager builds the manager every command drives, with a console
// logger on stderr.
func newManager() *klp.Manager {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.DisableCaller = true
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		log = zap.NewNop()
	}
	return klp.New(klp.WithLogger(log))
}

// LoadOptions defines flags for the load subcommand.
type LoadOptions struct {
	All bool `flag:"all" flagshort:"a" flagdescr:"Load every patch module installed for the running kernel"`
}

func (o *LoadOptions) Attach(c *cobra.Command) error {
	return structcli.Define(c, o)
}

func loadCmd() *cobra.Command {
	opts := &LoadOptions{}

	cmd := &cobra.Command{
		Use:   "load [--all | <module>]",
		Short: "Load and enable a patch module",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(c *cobra.Command, args []string) error {
			return structcli.Unmarshal(c, opts)
		},
		RunE: func(c *cobra.Command, args []string) error {
			mgr := newManager()
			if opts.All {
				if len(args) != 0 {
					return fmt.Errorf("--all takes no module argument")
				}
				return mgr.LoadAll()
			}
			if len(args) != 1 {
				return fmt.Errorf("module name or path required (or --all)")
			}
			return mgr.Load(args[0])
		},
	}

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

// UnloadOptions defines flags for the unload subcommand.
type UnloadOptions struct {
	All bool `flag:"all" flagshort:"a" flagdescr:"Unload every resident patch module"`
}

func (o *UnloadOptions) Attach(c *cobra.Command) error {
	return structcli.Define(c, o)
}

func unloadCmd() *cobra.Command {
	opts := &UnloadOptions{}

	cmd := &cobra.Command{
		Use:   "unload [--all | <module>]",
		Short: "Disable and remove a patch module",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(c *cobra.Command, args []string) error {
			return structcli.Unmarshal(c, opts)
		},
		RunE: func(c *cobra.Command, args []string) error {
			mgr := newManager()
			if opts.All {
				if len(args) != 0 {
					return fmt.Errorf("--all takes no module argument")
				}
				return mgr.UnloadAll()
			}
			if len(args) != 1 {
				return fmt.Errorf("module name or path required (or --all)")
			}
			return mgr.Unload(args[0])
		},
	}

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

// InstallOptions defines flags for the install and uninstall subcommands.
type InstallOptions struct {
	Kernel string `flag:"kernel" flagshort:"k" flagdescr:"Target kernel version (default: running kernel)"`
}

func (o *InstallOptions) Attach(c *cobra.Command) error {
	return structcli.Define(c, o)
}

func installCmd() *cobra.Command {
	opts := &InstallOptions{}

	cmd := &cobra.Command{
		Use:   "install [-k <version>] <module.ko>",
		Short: "Install a patch binary into the version-keyed store",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(c *cobra.Command, args []string) error {
			return structcli.Unmarshal(c, opts)
		},
		RunE: func(c *cobra.Command, args []string) error {
			return newManager().Install(args[0], opts.Kernel)
		},
	}

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

func uninstallCmd() *cobra.Command {
	opts := &InstallOptions{}

	cmd := &cobra.Command{
		Use:   "uninstall [-k <version>] <module>",
		Short: "Remove a patch binary from the version-keyed store",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(c *cobra.Command, args []string) error {
			return structcli.Unmarshal(c, opts)
		},
		RunE: func(c *cobra.Command, args []string) error {
			return newManager().Uninstall(args[0], opts.Kernel)
		},
	}

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

// outputFormat selects the rendering of list and info results.
type outputFormat enumflag.Flag

const (
	outputText outputFormat = iota
	outputJSON
)

var outputIdentifiers = map[outputFormat][]string{
	outputText: {"text"},
	outputJSON: {"json"},
}

// OutputOptions defines flags for the list and info subcommands.
type OutputOptions struct {
	Output outputFormat `flag:"output" flagshort:"o" flagdescr:"Output format (text, json)" flagcustom:"true"`
}

func (o *OutputOptions) Attach(c *cobra.Command) error {
	return structcli.Define(c, o)
}

func (o *OutputOptions) DefineOutput(name, short, descr string, structField reflect.StructField, fieldValue reflect.Value) (pflag.Value, string) {
	fieldPtr := fieldValue.Addr().Interface().(*outputFormat)
	*fieldPtr = outputText
	return enumflag.New(fieldPtr, "format", outputIdentifiers, enumflag.EnumCaseInsensitive), descr
}

func (o *OutputOptions) DecodeOutput(input any) (any, error) {
	s, ok := input.(string)
	if !ok {
		return input, nil
	}
	return parseOutputFormat(s)
}

func parseOutputFormat(input string) (outputFormat, error) {
	var format outputFormat
	enumValue := enumflag.New(&format, "format", outputIdentifiers, enumflag.EnumCaseInsensitive)
	if err := enumValue.Set(strings.TrimSpace(input)); err != nil {
		return outputText, fmt.Errorf("unknown output format: %q (available: text, json)", input)
	}
	return format, nil
}

func listCmd() *cobra.Command {
	opts := &OutputOptions{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded and installed patch modules",
		PreRunE: func(c *cobra.Command, args []string) error {
			return structcli.Unmarshal(c, opts)
		},
		RunE: func(c *cobra.Command, args []string) error {
			st, err := newManager().Status()
			if err != nil {
				return err
			}
			if opts.Output == outputJSON {
				return printJSON(st)
			}
			fmt.Print(st)
			return nil
		},
	}

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

func infoCmd() *cobra.Command {
	opts := &OutputOptions{}

	cmd := &cobra.Command{
		Use:   "info <module>",
		Short: "Show metadata and live state of a patch module",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(c *cobra.Command, args []string) error {
			return structcli.Unmarshal(c, opts)
		},
		RunE: func(c *cobra.Command, args []string) error {
			mod, err := newManager().Info(args[0])
			if err != nil {
				return err
			}
			if opts.Output == outputJSON {
				return printJSON(mod)
			}
			fmt.Print(mod)
			return nil
		},
	}

	if err := opts.Attach(cmd); err != nil {
		panic(err)
	}
	return cmd
}

func signalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal",
		Short: "Nudge tasks stalling an in-progress transition",
		RunE: func(c *cobra.Command, args []string) error {
			return newManager().SignalStalled()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show tool and kernel version",
		RunE: func(c *cobra.Command, args []string) error {
			if version != "" {
				fmt.Printf("klp %s", version)
				if commit != "" {
					fmt.Printf(" (%s)", commit)
				}
				if date != "" {
					fmt.Printf(" built %s", date)
				}
				fmt.Println()
			} else {
				fmt.Println("klp (dev)")
			}

			release, err := klp.New().KernelRelease()
			if err != nil {
				return err
			}
			fmt.Printf("Kernel: %s\n", release)
			return nil
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
