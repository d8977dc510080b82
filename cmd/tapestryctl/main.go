// Command tapestryctl is a small inspection CLI over the extension root and
// persistence configured by the environment, mirroring the teacher's
// cmd/helm subcommand-dispatch style (a leading verb in os.Args[1],
// flag.NewFlagSet per subcommand, --json for machine-readable output).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/tapestry-hosting/tapestry/pkg/config"
	"github.com/tapestry-hosting/tapestry/pkg/lifecycle"
	"github.com/tapestry-hosting/tapestry/pkg/tapestry"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "status":
		return runStatusCmd(args[2:], stdout, stderr)
	case "extensions":
		return runExtensionsCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "tapestryctl <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  status        Boot a coordinator against the configured extension root and print its phase")
	fmt.Fprintln(w, "  extensions    List discovered extensions and their lifecycle states")
	fmt.Fprintln(w, "  help          Show this help")
}

// bootQuiet constructs and boots a Coordinator with a discard logger, for
// one-shot inspection rather than a long-lived server.
func bootQuiet() (*tapestry.Coordinator, error) {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord, err := tapestry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("construct coordinator: %w", err)
	}
	if err := coord.Boot(context.Background()); err != nil {
		return nil, fmt.Errorf("boot coordinator: %w", err)
	}
	return coord, nil
}

func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	jsonOut := hasFlag(args, "--json")

	coord, err := bootQuiet()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	diag := coord.Lifecycle.GetDiagnostics()
	if jsonOut {
		result := map[string]any{
			"phase":          coord.Phase.Current().String(),
			"registered_api": len(coord.APIs.Entries()),
			"counts":         diag.Counts,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	fmt.Fprintf(stdout, "phase: %s\n", coord.Phase.Current().String())
	fmt.Fprintf(stdout, "api methods: %d\n", len(coord.APIs.Entries()))
	for state, count := range diag.Counts {
		fmt.Fprintf(stdout, "  %s: %d\n", state, count)
	}
	return 0
}

func runExtensionsCmd(args []string, stdout, stderr io.Writer) int {
	jsonOut := hasFlag(args, "--json")

	coord, err := bootQuiet()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	type row struct {
		ID     string `json:"id"`
		State  string `json:"state"`
		Reason string `json:"reason,omitempty"`
	}
	var rows []row
	for state := lifecycle.Discovered; state <= lifecycle.Failed; state++ {
		for _, id := range coord.Lifecycle.GetExtensionsInState(state) {
			reason, _ := coord.Lifecycle.GetFailureReason(id)
			rows = append(rows, row{ID: id, State: state.String(), Reason: reason})
		}
	}

	if jsonOut {
		data, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	for _, r := range rows {
		if r.Reason != "" {
			fmt.Fprintf(stdout, "%-30s %-16s %s\n", r.ID, r.State, r.Reason)
		} else {
			fmt.Fprintf(stdout, "%-30s %-16s\n", r.ID, r.State)
		}
	}
	return 0
}

func hasFlag(args []string, name string) bool {
	for _, a := range args {
		if a == name {
			return true
		}
	}
	return false
}
