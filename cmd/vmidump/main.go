package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ja7ad/vmidump/pkg/classify"
	"github.com/ja7ad/vmidump/pkg/monitor"
	"github.com/ja7ad/vmidump/pkg/profile"
	"github.com/ja7ad/vmidump/pkg/vmi"
)

// exit codes
const (
	exitConfig     = 1
	exitProfile    = 2
	exitConnection = 3
)

type opts struct {
	// session
	vmName      string
	profilePath string
	outputDir   string

	// target (exactly one)
	pid      uint32
	procName string

	// scope
	followChildren bool
	includeLibrary bool
	includeHeap    bool
	includeStack   bool

	// tuning
	queueDepth int
	segCap     int
	verbose    bool
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "vmidump --vm NAME --profile FILE --output DIR (--pid N | --name IMAGE)",
		Short: "Hypervisor-assisted generic unpacker",
		Long: `vmidump watches an untrusted process inside a virtual machine and, each
time the process writes new code into memory and then executes it, captures
a snapshot of its user-mode address space to disk. Packed and self-modifying
binaries expose their decrypted payload without any cooperation from, or
instrumentation inside, the guest.

Detection runs on second-level (guest-physical) page-fault events; the
dump is directed by the guest's own VAD tree, so every snapshot carries the
full segment map at the moment of the write-then-execute transition.

Examples:
  vmidump --vm win10-sandbox --profile win10.yaml --output ./dumps --name packer.exe
  vmidump --vm win10-sandbox --profile win10.yaml --output ./dumps --pid 1234 --follow-children
  vmidump --vm win10-sandbox --profile win10.yaml --output ./dumps --pid 1234 --include-heap --include-stack`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o)
		},
	}

	root.Flags().StringVar(&o.vmName, "vm", "", "name of the virtual machine to introspect")
	root.Flags().StringVar(&o.profilePath, "profile", "", "kernel-structure profile (YAML)")
	root.Flags().StringVarP(&o.outputDir, "output", "o", "", "directory receiving dump and map artifacts")
	root.Flags().Uint32Var(&o.pid, "pid", 0, "target process id")
	root.Flags().StringVar(&o.procName, "name", "", "target process image name")
	root.Flags().BoolVar(&o.followChildren, "follow-children", false, "also monitor children of the target")
	root.Flags().BoolVar(&o.includeLibrary, "include-library", false, "instrument library pages too")
	root.Flags().BoolVar(&o.includeHeap, "include-heap", false, "instrument heap pages too")
	root.Flags().BoolVar(&o.includeStack, "include-stack", false, "instrument stack pages too")
	root.Flags().IntVar(&o.queueDepth, "queue-depth", 0, "dump queue bound (0 = default)")
	root.Flags().IntVar(&o.segCap, "seg-cap", 0, "max segments per dump (0 = default)")
	root.Flags().BoolVarP(&o.verbose, "verbose", "v", false, "debug logging of every transition and trap")

	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, vmi.ErrNotConnected), errors.Is(err, vmi.ErrClosed):
		return exitConnection
	case errors.Is(err, profile.ErrLoad),
		errors.Is(err, profile.ErrMissingField),
		errors.Is(err, profile.ErrBadRange):
		return exitProfile
	default:
		return exitConfig
	}
}

func run(ctx context.Context, o opts) error {
	if o.vmName == "" || o.profilePath == "" || o.outputDir == "" {
		return fmt.Errorf("--vm, --profile and --output are required")
	}
	if (o.pid == 0) == (o.procName == "") {
		return fmt.Errorf("exactly one of --pid or --name is required")
	}

	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	prof, err := profile.Load(o.profilePath)
	if err != nil {
		return err
	}

	vm, err := vmi.Connect(o.vmName)
	if err != nil {
		return err
	}
	defer vm.Close()

	target := o.procName
	if o.pid != 0 {
		target = fmt.Sprintf("pid %d", o.pid)
	}
	fmt.Printf(_console, o.vmName, o.profilePath, o.outputDir, target,
		time.Now().Format("2006-01-02 15:04:05"))

	cfg := monitor.Config{
		OutputDir:      o.outputDir,
		FollowChildren: o.followChildren,
		Policy: classify.Policy{
			Library: o.includeLibrary,
			Heap:    o.includeHeap,
			Stack:   o.includeStack,
		},
		QueueDepth: o.queueDepth,
		SegmentCap: o.segCap,
	}
	mon, err := monitor.New(vm, prof, cfg, log)
	if err != nil {
		return err
	}

	// Ctrl-C handling
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := mon.Run(ctx, monitor.Target{PID: o.pid, Name: o.procName})

	c := mon.Stats()
	fmt.Println()
	fmt.Printf("vmidump summary:\n")
	fmt.Printf("- events (r/w/x):   %d / %d / %d\n", c.Reads, c.Writes, c.Execs)
	fmt.Printf("- demand paging:    %d\n", c.DemandPaging)
	fmt.Printf("- dumps emitted:    %d\n", c.Dumps)
	fmt.Printf("- segments written: %d (%d truncated)\n", c.Segments, c.Truncated)
	fmt.Printf("- bytes captured:   %s\n", c.BytesCaptured.Humanized())
	for cat, n := range c.Suppressed {
		fmt.Printf("- suppressed (%s): %d\n", cat, n)
	}
	fmt.Println()

	return runErr
}

const _console = `vmidump - Hypervisor-Assisted Generic Unpacker

       VM:      %s
       Profile: %s
       Output:  %s
       Target:  %s

Monitoring started at %s

`
