package main

import (
	"github.com/urfave/cli/v2"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/config"
)

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Inspect node configuration",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "Print the default config as TOML",
			Action: func(cctx *cli.Context) error {
				return config.Default().Write(cctx.App.Writer)
			},
		},
		{
			Name:  "show",
			Usage: "Print the effective config after file and environment overrides",
			Action: func(cctx *cli.Context) error {
				cfg, err := loadConfig(cctx)
				if err != nil {
					return err
				}
				return cfg.Write(cctx.App.Writer)
			},
		},
	},
}
