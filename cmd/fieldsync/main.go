// Command fieldsync is the field-survey client: it manages projects,
// captures records offline and syncs them when a connection is available.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type command struct {
	name    string
	summary string
	run     func(args []string, stdout, stderr io.Writer) int
}

var commands []command

func init() {
	commands = []command{
		{"init", "write a default config file", runInit},
		{"signin", "store the collector identity used for attribution", runSignIn},
		{"signout", "forget the stored identity", runSignOut},
		{"whoami", "print the stored identity", runWhoAmI},
		{"create", "create a project from a JSON definition", runCreate},
		{"projects", "list local and owned remote projects", runProjects},
		{"join", "find a project by its PIN", runJoin},
		{"record", "capture a record for a project", runRecord},
		{"flush", "deliver every pending record", runFlush},
		{"publish", "move a local-only project to the cloud", runPublish},
		{"duplicate", "copy a project's form under a new name", runDuplicate},
		{"end", "end a survey so it accepts no more records", runEnd},
		{"delete", "delete a project with its records", runDelete},
		{"status", "open the sync dashboard", runStatus},
	}
}

// run dispatches to a subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 2
	}
	switch args[0] {
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(args[1:], stdout, stderr)
		}
	}
	fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
	printUsage(stderr)
	return 2
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: fieldsync <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'fieldsync <command> --help' for command flags.")
}
