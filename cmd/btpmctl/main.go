// Command btpmctl talks to a running btpmd: it lists and configures CSC
// sensors and drives the 3D sync broadcast.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/lcx/btpm/log"
)

type globalOptions struct {
	addr    string
	unix    bool
	consul  string
	service string
	timeout time.Duration
	wait    time.Duration
	verbose bool
}

var errUsage = errors.New("usage")

func usage(out io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(out, "usage: btpmctl [flags] <command> [args]")
	fmt.Fprintln(out, "\ncommands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(out, "\nflags:")
	fmt.Fprint(out, fs.FlagUsages())
}

// run parses args and executes one command against the daemon.
func run(ctx context.Context, args []string, out io.Writer) error {
	g := &globalOptions{}
	fs := pflag.NewFlagSet("btpmctl", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)
	fs.StringVarP(&g.addr, "addr", "a", "", "btpmd ipc address, skips discovery")
	fs.BoolVar(&g.unix, "unix", false, "addr is a unix socket path")
	fs.StringVar(&g.consul, "consul", "", "consul agent used to find btpmd")
	fs.StringVar(&g.service, "service", "btpmd", "consul service name of btpmd")
	fs.DurationVarP(&g.timeout, "timeout", "t", 5*time.Second, "per request timeout")
	fs.DurationVar(&g.wait, "wait", 30*time.Second, "how long a command waits for its result event")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "log manager activity")
	if err := fs.Parse(args); err != nil {
		usage(out, fs)
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() == 0 {
		usage(out, fs)
		return errUsage
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		usage(out, fs)
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}

	cfs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cfs.SetOutput(io.Discard)
	act := cmd.flags(cfs)
	if err := cfs.Parse(fs.Args()[1:]); err != nil {
		return fmt.Errorf("%w: %s: %v", errUsage, cmd.usage, err)
	}
	if cfs.NArg() != cmd.args {
		return fmt.Errorf("%w: %s", errUsage, cmd.usage)
	}

	level := log.ErrorLevel
	if g.verbose {
		level = log.DebugLevel
	}
	cfg := log.DefaultCfg()
	cfg.LogLevel = level
	log.SetDefaultLogger(log.NewLogger(cfg))

	s, err := dial(ctx, g)
	if err != nil {
		return err
	}
	defer s.close()
	if name != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.wait)
		defer cancel()
	}
	return act(ctx, s, cfs.Args(), out)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "btpmctl:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
