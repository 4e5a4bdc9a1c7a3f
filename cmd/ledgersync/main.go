package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "path to the JSON config file; LEDGERSYNC_* variables override it",
		Value:   "config/config.json",
		EnvVars: []string{"LEDGERSYNC_CONFIG"},
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log level: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "ledgersync",
		Usage: "optimistic client for a base ledger and its ephemeral ledger",
		Flags: []cli.Flag{configFlag, verbosityFlag},
		Before: func(cctx *cli.Context) error {
			handler := log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(cctx.Int(verbosityFlag.Name)), true)
			log.SetDefault(log.NewLogger(handler))
			return nil
		},
		Commands: []*cli.Command{
			serveCmd,
			incrementCmd,
			rollCmd,
			delegateCmd,
			undelegateCmd,
			sessionCmd,
			statusCmd,
			keysCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
