package main

import (
	"fmt"
	"math"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/reward"
)

var quoteCmd = &cli.Command{
	Name:      "quote",
	Usage:     "Price storing a file with extra copies",
	ArgsUsage: "<FILE>",
	Flags: []cli.Flag{
		&cli.UintFlag{
			Name:  "copies",
			Usage: "copies kept beyond the original",
		},
		&cli.BoolFlag{
			Name:  "geo-spread",
			Usage: "spread copies across regions",
		},
		&cli.Uint64Flag{
			Name:  "rate",
			Usage: "tokens per GiB, overriding the config",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one file, got %d arguments", cctx.NArg())
		}
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		path := cctx.Args().First()
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", path)
		}

		policy := cfg.RedundancyPolicy()
		if cctx.IsSet("copies") {
			copies := cctx.Uint("copies")
			if copies > math.MaxUint8 {
				return fmt.Errorf("copies must be at most %d", math.MaxUint8)
			}
			policy.Copies = uint8(copies)
		}
		if cctx.IsSet("geo-spread") {
			policy.GeoSpread = cctx.Bool("geo-spread")
		}
		rate := cfg.Reward.PricePerGiB
		if cctx.IsSet("rate") {
			rate = cctx.Uint64("rate")
		}

		q := reward.Quote(uint64(info.Size()), policy, rate)
		w := cctx.App.Writer
		fmt.Fprintf(w, "File:        %s\n", path)
		fmt.Fprintf(w, "Size:        %d bytes\n", info.Size())
		fmt.Fprintf(w, "Copies:      %d\n", q.Redundancy)
		fmt.Fprintf(w, "Total bytes: %d\n", q.TotalBytes)
		fmt.Fprintf(w, "Price:       %d tokens\n", q.Price)
		return nil
	},
}

var rewardCmd = &cli.Command{
	Name:  "reward",
	Usage: "Compute what a holder earns for storing data",
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:     "bytes",
			Usage:    "bytes stored",
			Required: true,
		},
		&cli.Uint64Flag{
			Name:     "hours",
			Usage:    "hours stored",
			Required: true,
		},
		&cli.UintFlag{
			Name:  "copies",
			Usage: "replicas beyond the original",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		copies := cctx.Uint("copies")
		if copies > math.MaxUint32 {
			return fmt.Errorf("copies must be at most %d", uint64(math.MaxUint32))
		}
		amount := reward.Reward(cctx.Uint64("bytes"), cctx.Uint64("hours"), uint32(copies), cfg.RewardPolicy())
		fmt.Fprintf(cctx.App.Writer, "%d\n", amount)
		return nil
	},
}
