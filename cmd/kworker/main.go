package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mtzanidakis/kypseli/internal/capability"
	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/nats-io/nats.go"
)

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

// toolDefinition resolves the command a worker runs for its tool: the
// --command flag if given, else the built-in preset of that name.
func toolDefinition(args map[string]string) (config.ToolDefinition, error) {
	tool := args["tool"]
	if tool == "" {
		return config.ToolDefinition{}, fmt.Errorf("--tool is required")
	}

	def, ok := capability.Presets[tool]
	if cmd := strings.Fields(args["command"]); len(cmd) > 0 {
		def = config.ToolDefinition{Command: cmd}
	} else if !ok {
		return config.ToolDefinition{}, fmt.Errorf("no preset for tool %q, pass --command", tool)
	}
	def.Mode = config.ToolModeCommand
	def.WorkDir = args["workdir"]

	if raw := args["timeout"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return config.ToolDefinition{}, fmt.Errorf("invalid --timeout: %w", err)
		}
		def.Timeout = d
	}
	return def, nil
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  kworker --tool <name> [--command "..."] [--workdir <dir>] [--timeout 15m]`)
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment:")
	fmt.Fprintln(os.Stderr, "  NATS_URL    gateway bus address (default nats://localhost:4222)")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	args := parseArgs(os.Args[1:])
	def, err := toolDefinition(args)
	if err != nil {
		fatal("%v", err)
	}
	tool := args["tool"]

	exec, err := capability.Build(tool, def, "", nil)
	if err != nil {
		fatal("%v", err)
	}

	client, err := natsbus.NewClientFromURL(natsURL,
		nats.Name("kworker-"+tool),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		fatal("connect to %s: %v", natsURL, err)
	}
	defer client.Close()

	w := capability.NewWorker(client, tool, exec, def.Timeout)
	if err := w.Start(); err != nil {
		fatal("%v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("worker stopping", "tool", tool)
	if err := w.Stop(); err != nil {
		slog.Error("drain subscription", "error", err)
	}
}
