package cmds

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/go-delve/machtask/cmd/machctl/cmds/helphelpers"
	"github.com/go-delve/machtask/pkg/config"
	"github.com/go-delve/machtask/pkg/logflags"
	"github.com/go-delve/machtask/pkg/mach"
	"github.com/go-delve/machtask/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// configFile overrides the default configuration file.
	configFile string

	// attach flags
	stopCount   int
	nonblocking bool
	halt        bool

	verbose bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	// newKernel opens the kernel commands talk to.
	newKernel = mach.NativeKernel
)

const machctlCommandLongDesc = `machctl attaches to a running process on macOS through its Mach task port
and reports the exceptions and the death of the process.

Breakpoint traps and the signals selected in the configuration file are
reported as stops; every other signal is passed through to the process.
Attaching requires the privilege to call task_for_pid on the target.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	rootCommand = &cobra.Command{
		Use:           "machctl",
		Short:         "machctl controls processes through their Mach task port.",
		Long:          machctlCommandLongDesc,
		SilenceUsage:  true,
		SilenceErrors: docCall,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'machctl help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'machctl help log').")
	rootCommand.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file, defaults to $XDG_CONFIG_HOME/machtask/config.yml.")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to a running process and report its events.",
		Long: `Attach to an already running process and report its events.

Every stopped thread is printed and resumed. machctl detaches, handing the
exceptions of the process back to the system, on SIGINT, when the process
exits or after --count stops.`,
		Args: cobra.ExactArgs(1),
		RunE: attachCmd,
	}
	attachCommand.Flags().IntVarP(&stopCount, "count", "n", 0, "Detach after this many stops, 0 waits until the process exits.")
	attachCommand.Flags().BoolVar(&nonblocking, "nonblocking", false, "Poll for events instead of blocking (overrides the configuration).")
	attachCommand.Flags().BoolVar(&halt, "halt", false, "Stop the process right after attaching.")
	rootCommand.AddCommand(attachCommand)

	// 'threads' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "threads pid",
		Short: "Print the threads of a process.",
		Args:  cobra.ExactArgs(1),
		RunE:  threadsCmd,
	})

	// 'path' subcommand.
	rootCommand.AddCommand(&cobra.Command{
		Use:   "path pid",
		Short: "Print the executable path of a process.",
		Args:  cobra.ExactArgs(1),
		RunE:  pathCmd,
	})

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "machctl\n%s\n", version.MachtaskVersion)
			if verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolVarP(&verbose, "verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	mach		Log task acquisition, port registration and the wait loop (default)
	machmsg		Log every mach message received and sent
	session		Log attach sessions

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func parsePid(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 || pid > math.MaxInt32 {
		return 0, fmt.Errorf("invalid pid: %q", s)
	}
	return pid, nil
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	conf, err := config.LoadConfig(configFile)
	if err != nil {
		if configFile != "" {
			return nil, err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v, using defaults\n", err)
		conf = &config.Config{}
	}
	return conf, nil
}

// newController sets up logging and returns a controller configured from
// the configuration file. The returned function must be called when done.
func newController(cmd *cobra.Command) (*mach.Controller, *config.Config, func(), error) {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		return nil, nil, nil, err
	}
	conf, err := loadConfig(cmd)
	if err != nil {
		logflags.Close()
		return nil, nil, nil, err
	}
	opts, err := conf.Options()
	if err != nil {
		logflags.Close()
		return nil, nil, nil, fmt.Errorf("invalid configuration: %v", err)
	}
	k, err := newKernel()
	if err != nil {
		logflags.Close()
		return nil, nil, nil, err
	}
	ctl, err := mach.NewController(k, opts)
	if err != nil {
		logflags.Close()
		return nil, nil, nil, err
	}
	return ctl, conf, logflags.Close, nil
}

func attachCmd(cmd *cobra.Command, args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	ctl, conf, done, err := newController(cmd)
	if err != nil {
		return err
	}
	defer done()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()

	s, err := mach.Attach(ctl, pid)
	if err != nil {
		return err
	}
	s.Nonblocking = conf.Nonblocking
	if cmd.Flags().Changed("nonblocking") {
		s.Nonblocking = nonblocking
	}
	return run(ctx, s, newEventWriter(cmd.OutOrStdout()))
}

// run reports the events of s until the process exits, ctx is done or
// enough stops were seen, then detaches.
func run(ctx context.Context, s *mach.Session, out *eventWriter) (err error) {
	path, perr := s.ExecutablePath()
	if perr != nil && !errors.Is(perr, mach.ErrPathTruncated) {
		path = "unknown executable"
	}
	out.attached(s, path)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		if derr := s.Detach(); derr != nil && err == nil {
			err = derr
		}
		out.detached(s.Task.Pid)
	}()

	if halt {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Halt(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "could not halt pid %d: %v\n", s.Task.Pid, err)
			}
		}()
	}

	stops := 0
	for {
		ev, err := s.Wait(ctx)
		if err != nil {
			return err
		}
		switch ev.Kind {
		case mach.EventStopped:
			out.event(ev)
			stops++
			if err := s.Resume(ev.Thread); err != nil {
				return err
			}
			if stopCount > 0 && stops >= stopCount {
				return nil
			}
		case mach.EventDied:
			out.event(ev)
			return nil
		case mach.EventInterrupted:
			if ctx.Err() != nil {
				return nil
			}
		case mach.EventTimeout:
			// polling
		default:
			out.event(ev)
		}
	}
}

func threadsCmd(cmd *cobra.Command, args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	ctl, _, done, err := newController(cmd)
	if err != nil {
		return err
	}
	defer done()

	task, err := ctl.Acquire(pid)
	if err != nil {
		return err
	}
	defer ctl.Release(task)

	var threads []mach.ThreadHandle
	for i := 0; ; i++ {
		n, err := ctl.ThreadCount(task.Handle)
		if err != nil {
			return err
		}
		threads, err = ctl.ListThreads(task.Handle, n)
		if err == nil {
			break
		}
		if !errors.Is(err, mach.ErrBufferTooSmall) || i >= 3 {
			return err
		}
	}
	defer ctl.ReleaseThreads(threads)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d threads\n", len(threads))
	for _, th := range threads {
		fmt.Fprintf(out, "  thread %#x\n", th)
	}
	return nil
}

func pathCmd(cmd *cobra.Command, args []string) error {
	pid, err := parsePid(args[0])
	if err != nil {
		return err
	}
	ctl, _, done, err := newController(cmd)
	if err != nil {
		return err
	}
	defer done()

	path, err := ctl.ExecutablePath(pid)
	if errors.Is(err, mach.ErrPathTruncated) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %v\n", err)
		err = nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
