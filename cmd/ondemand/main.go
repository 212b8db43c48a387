package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/ondemand/cmd/ondemand/commands"
	ferrors "git.home.luguber.info/inful/ondemand/internal/foundation/errors"
	"git.home.luguber.info/inful/ondemand/internal/version"
)

func main() {
	cli := &commands.CLI{}
	parser := kong.Parse(cli,
		kong.Name("ondemand"),
		kong.Description("Development server that builds pages on demand and disposes the ones nobody looks at."),
		kong.Vars{"version": version.String()},
		kong.UsageOnError(),
	)

	global := &commands.Global{Logger: slog.Default(), Out: os.Stdout}
	if err := parser.Run(global, cli); err != nil {
		ferrors.NewCLIErrorAdapter(cli.Verbose, slog.Default()).HandleError(err)
	}
}
