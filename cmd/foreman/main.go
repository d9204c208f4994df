package main

import (
	"fmt"
	"io"
	"os"
)

const version = "0.1.0"

const defaultConfigPath = "config.yaml"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := argv[0]
	args := argv[1:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		return runSystemNoun(args)
	case "config":
		return runConfigNoun(args)
	case "task":
		return runTaskNoun(args)

	// --- ROOT ALIASES ---
	case "start":
		return runStart(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp(os.Stdout)
			return 0
		}
		return runWatch(args)
	case "version":
		fmt.Printf("foreman version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `foreman - Robot task dispatcher

Usage:
  foreman <noun> <action> [flags]

Core Resources (Nouns):
  system    Dispatcher lifecycle
  config    Configuration and integrity
  task      Task queue inspection

System Commands:
  system start      Start the dispatcher, monitor and API in foreground
  system doctor     Preflight lock, database and broker checks

Config Commands:
  config lock       Authorize the current config (write .checksums)
  config check      Validate syntax, policy and integrity

Task Commands:
  task list         List tasks in dispatch order
  task inspect      Show one task and its order history

General:
  watch             Live terminal dashboard over the HTTP API
  version           Show version information
  help              Show this help message

Use 'foreman <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp(os.Stdout)
			return 0
		}
		return runStart(actionArgs)
	case "doctor":
		if hasHelpFlag(actionArgs) {
			printSystemDoctorHelp(os.Stdout)
			return 0
		}
		return runSystemDoctor(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp(os.Stdout)
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp(os.Stdout)
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runTaskNoun(args []string) int {
	if len(args) < 1 {
		printTaskNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printTaskNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printTaskListHelp(os.Stdout)
			return 0
		}
		return runTaskList(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printTaskInspectHelp(os.Stdout)
			return 0
		}
		return runTaskInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown task action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w io.Writer) {
	fmt.Fprint(w, "Usage: foreman system <start|doctor> [flags]\n")
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprint(w, "Usage: foreman config <lock|check> [flags]\n")
}

func printTaskNounHelp(w io.Writer) {
	fmt.Fprint(w, "Usage: foreman task <list|inspect> [flags]\n")
}

func printSystemStartHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: foreman system start [--config PATH]

Runs the queue check loop, the robot monitor, the broker connection and,
when enabled, the HTTP API and simulated robots. Stops on SIGINT/SIGTERM.
`)
}

func printSystemDoctorHelp(w io.Writer) {
	fmt.Fprint(w, "Usage: foreman system doctor [--config PATH] [--json]\n\nExit codes: 0 healthy, 1 a check failed.\n")
}

func printConfigLockHelp(w io.Writer) {
	fmt.Fprint(w, "Usage: foreman config lock [--config PATH]\n\nRecords the BLAKE3 hash of the config file in .checksums next to it.\n")
}

func printConfigCheckHelp(w io.Writer) {
	fmt.Fprint(w, "Usage: foreman config check [--config PATH] [--json] [--strict]\n\nExit codes: 0 valid, 1 invalid, 2 warnings with --strict.\n")
}

func printTaskListHelp(w io.Writer) {
	fmt.Fprint(w, "Usage: foreman task list [--config PATH] [--status STATUS] [--json]\n")
}

func printTaskInspectHelp(w io.Writer) {
	fmt.Fprint(w, "Usage: foreman task inspect <task-id> [--config PATH] [--json]\n")
}

func printWatchHelp(w io.Writer) {
	fmt.Fprint(w, "Usage: foreman watch [--url URL] [--api-key KEY]\n\nKEY defaults to $FOREMAN_API_KEY.\n")
}
