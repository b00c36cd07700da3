// Command watchdemo registers one or more paths with the watch engine and
// prints normalized events as they arrive, until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pathnotify/engine/internal/logging"
	"github.com/pathnotify/engine/pkg/watch"
)

// terminationSignals are the signals watchdemo treats as a request to stop
// watching and exit cleanly.
var terminationSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
}

// demoSink adapts printed output to the watch.Sink interface. Each sink
// instance is tagged with a random session id purely so that output from
// concurrent manual test runs against the same terminal is distinguishable.
type demoSink struct {
	session string
}

func (s *demoSink) PathChanged(kind watch.EventKind, path string) {
	fmt.Printf("[%s] %-10s %s\n", s.session, kind, path)
}

func (s *demoSink) ReportError(message string) {
	fmt.Fprintf(os.Stderr, "[%s] error: %s\n", s.session, message)
}

var rootConfiguration struct {
	bufferSize     int
	latencyMillis  int
	maximumWatches int
	logLevel       string
}

func rootMain(command *cobra.Command, arguments []string) error {
	if len(arguments) == 0 {
		command.Help()
		return nil
	}

	level, ok := logging.NameToLevel(rootConfiguration.logLevel)
	if !ok {
		return fmt.Errorf("invalid log level: %s", rootConfiguration.logLevel)
	}
	logging.DebugEnabled = level >= logging.LevelDebug

	sink := &demoSink{session: uuid.NewString()[:8]}
	server, err := watch.New(sink, watch.Options{
		BufferSize:     rootConfiguration.bufferSize,
		LatencyMillis:  rootConfiguration.latencyMillis,
		MaximumWatches: rootConfiguration.maximumWatches,
	})
	if err != nil {
		return fmt.Errorf("unable to start watch engine: %w", err)
	}
	defer server.Close()

	if err := server.RegisterPaths(arguments...); err != nil {
		return fmt.Errorf("unable to register paths: %w", err)
	}
	for _, path := range arguments {
		fmt.Printf("[%s] watching %s\n", sink.session, path)
	}

	signalTermination := make(chan os.Signal, 1)
	signal.Notify(signalTermination, terminationSignals...)
	<-signalTermination
	fmt.Printf("[%s] received termination signal, stopping\n", sink.session)

	return nil
}

var rootCommand = &cobra.Command{
	Use:          "watchdemo <path>...",
	Short:        "Watch one or more paths and print normalized change events",
	RunE:         rootMain,
	SilenceUsage: true,
}

func init() {
	cobra.EnableCommandSorting = false

	flags := rootCommand.Flags()
	flags.SortFlags = false
	flags.IntVar(&rootConfiguration.bufferSize, "buffer-size", 0, "Windows completion buffer size in bytes (0 selects the default)")
	flags.IntVar(&rootConfiguration.latencyMillis, "latency", 0, "macOS FSEvents coalescing latency in milliseconds (0 selects the finest available)")
	flags.IntVar(&rootConfiguration.maximumWatches, "max-watches", 0, "Linux inotify watch ceiling (0 selects the default)")
	flags.StringVar(&rootConfiguration.logLevel, "log-level", "info", "Log level (disabled|error|warn|info|debug)")
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
