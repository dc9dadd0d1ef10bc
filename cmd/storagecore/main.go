package main

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/config"
)

var log = logging.Logger("storagecore")

// subsystems lists the loggers --log-level applies to
var subsystems = []string{"storagecore", "coordinator", "network", "cache", "protocol"}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Errorw("command failed", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "storagecore",
		Usage: "Content-addressed chunk storage and replication node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a TOML config file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level for every storagecore subsystem",
				Value: "info",
			},
		},
		Before: func(cctx *cli.Context) error {
			return setLogLevel(cctx.String("log-level"))
		},
		Commands: []*cli.Command{
			daemonCmd,
			quoteCmd,
			rewardCmd,
			rebalanceCmd,
			statsCmd,
			configCmd,
		},
	}
}

func setLogLevel(level string) error {
	for _, name := range subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			return err
		}
	}
	return nil
}

// loadConfig reads --config, falling back to defaults plus environment overrides
func loadConfig(cctx *cli.Context) (config.Config, error) {
	return config.Load(cctx.String("config"))
}
