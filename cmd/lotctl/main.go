// Command lotctl is the operator CLI for the lot ledger: schema bootstrap,
// position and P&L reports, pending trades, manual settlement and audit.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

var (
	configPath = flag.String("config", "", "path to the YAML config file (defaults to $LOTWISE_CONFIG, then config.yaml)")
	rawOutput  = flag.Bool("raw", false, "print plain markdown instead of rendering it for the terminal")
	verbose    = flag.Bool("v", false, "log at info level to stderr")
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&migrateCmd{}, "schema")

	commander.Register(&positionsCmd{}, "reports")
	commander.Register(&pnlCmd{}, "reports")
	commander.Register(&pendingCmd{}, "reports")
	commander.Register(&auditCmd{}, "reports")

	commander.Register(&settleCmd{}, "operations")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
