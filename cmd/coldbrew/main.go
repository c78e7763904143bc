/*
Command coldbrew backs up and restores CoffeeBreak deployments.

Usage:

	$ coldbrew [<flags>] <subcommand> [<args> ...]

Common subcommands:

	backup {incremental|full|verify|monitor|cleanup}
	  Runs one backup, verification, monitoring or cleanup pass.

	schedule
	  Runs all configured cadences in the foreground.

	recover list [<kind>]
	  Lists restorable backups.

	recover <kind> [<id>|latest]
	  Restores one source kind.

	recover full [<id>|latest]
	  Full system recovery in dependency order.

Use 'coldbrew help' to see more details.
*/
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coffeebreak/coldbrew/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(cli.NewApp().Run(ctx, os.Args[1:]))
}
