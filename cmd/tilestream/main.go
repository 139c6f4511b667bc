// Command tilestream streams tile stores through the tile loading runtime.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "Config file path (yaml)")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&streamCmd{configPath: configPath}, "")
	subcommands.Register(&inspectCmd{}, "")
	subcommands.Register(&convertCmd{configPath: configPath}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
