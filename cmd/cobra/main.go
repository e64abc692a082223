package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/cobra-client-platform/internal/sink"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var errUsage = errors.New("usage error")

type command struct {
	summary string
	run     func(ctx context.Context, args []string, stdout, stderr io.Writer) error
}

var commands = map[string]command{
	"publish":         {"publish JSON messages to a channel", runPublish},
	"metrics_publish": {"publish process metrics, or stress a connection with --stress", runMetricsPublish},
	"subscribe":       {"print the messages of a channel", botCommand(sink.TargetStdout)},
	"to_statsd":       {"forward messages to statsd", botCommand(sink.TargetStatsd)},
	"to_sentry":       {"forward messages to sentry", botCommand(sink.TargetSentry)},
	"to_python":       {"run a script on every message", botCommand(sink.TargetPython)},
	"to_cobra":        {"republish messages on another channel", botCommand(sink.TargetCobra)},
	"to_kv":           {"count messages in a NATS key-value bucket", botCommand(sink.TargetKV)},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	case errors.Is(err, errUsage):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "cobra: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		usage(stderr)
		return errUsage
	}

	switch args[0] {
	case "--version", "-version", "version":
		fmt.Fprintf(stdout, "cobra %s\n", version)
		return nil
	case "-h", "--help", "help":
		usage(stdout)
		return nil
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "cobra: unknown command %q\n\n", args[0])
		usage(stderr)
		return errUsage
	}
	return cmd.run(ctx, args[1:], stdout, stderr)
}

func usage(w io.Writer) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "Usage: cobra <command> [flags]\n\nCommands:\n")
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, "\nRun 'cobra <command> -h' for the flags of a command.\n")
}
