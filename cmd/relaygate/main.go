package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "start":
		if hasHelpFlag(rest) {
			printStartHelp()
			return 0
		}
		return runStart(rest)
	case "config":
		return runConfigNoun(rest)
	case "dlq":
		return runDLQNoun(rest)
	case "delivery":
		return runDeliveryNoun(rest)
	case "version":
		fmt.Printf("relaygate version %s\n", version)
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

func printUsage(w *os.File) {
	fmt.Fprint(w, `relaygate - webhook ingress and OAuth connection gateway

Usage:
  relaygate <command> [action] [flags]

Commands:
  start                   Run the gateway in the foreground
  config check            Validate configuration and deployment settings
  config lock             Pin the config file's BLAKE3 hash in .checksums
  dlq list                List dead-lettered deliveries (internal API)
  dlq replay <id>...      Replay dead-lettered deliveries (internal API)
  delivery inspect <ref>  Show the audit trail of one delivery
  version                 Show version information
  help                    Show this help message

Use 'relaygate <command> help' for command-specific flags.
`)
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

	action, actionArgs := args[0], args[1:]
	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runDLQNoun(args []string) int {
	if len(args) < 1 {
		printDLQNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printDLQNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printDLQListHelp()
			return 0
		}
		return runDLQList(actionArgs)
	case "replay":
		if hasHelpFlag(actionArgs) {
			printDLQReplayHelp()
			return 0
		}
		return runDLQReplay(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown dlq action: %s\n", action)
		return 1
	}
}

func runDeliveryNoun(args []string) int {
	if len(args) < 1 {
		printDeliveryNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printDeliveryNounHelp(os.Stdout)
		return 0
	}

	action, actionArgs := args[0], args[1:]
	switch action {
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printDeliveryInspectHelp()
			return 0
		}
		return runDeliveryInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown delivery action: %s\n", action)
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

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: relaygate config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
}

func printDLQNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: relaygate dlq <action> [flags]")
	fmt.Fprintln(w, "Actions: list, replay")
}

func printDeliveryNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: relaygate delivery <action> [flags]")
	fmt.Fprintln(w, "Actions: inspect")
}

func printStartHelp() {
	fmt.Println("Usage: relaygate start [--config PATH]")
	fmt.Println("Start the webhook listener, internal API, workers and maintenance jobs.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: relaygate config check [--config PATH] [--format human|json] [--strict]")
	fmt.Println("Validate configuration. Exit 1 on errors, 2 on warnings with --strict.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: relaygate config lock [--config PATH] [--dry-run]")
	fmt.Println("Record the config file's BLAKE3 hash; start refuses a modified file.")
}

func printDLQListHelp() {
	fmt.Println("Usage: relaygate dlq list [--config PATH] [--url URL] [--token TOKEN] [--limit N] [--json]")
	fmt.Println("The token defaults to $RELAYGATE_TOKEN and needs the admin scope.")
}

func printDLQReplayHelp() {
	fmt.Println("Usage: relaygate dlq replay [--config PATH] [--url URL] [--token TOKEN] [--json] <id>...")
	fmt.Println("Replay dead-lettered deliveries whose resource is now linked.")
}

func printDeliveryInspectHelp() {
	fmt.Println("Usage: relaygate delivery inspect [--config PATH] [--json] <id | provider:delivery_id>")
	fmt.Println("Show a delivery's audit row, run and memoized steps.")
}
