package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/urfave/cli/v2"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/replication"
)

var rebalanceCmd = &cli.Command{
	Name:      "rebalance",
	Usage:     "Plan where extra copies of a key should go",
	ArgsUsage: "<KEY>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "nodes",
			Usage:    "JSON file listing candidate storage nodes",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:  "holders",
			Usage: "peer ids already holding the key",
		},
		&cli.IntFlag{
			Name:  "copies",
			Usage: "required copies beyond the original, overriding the config",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return fmt.Errorf("expected exactly one key, got %d arguments", cctx.NArg())
		}
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		nodes, err := readNodes(cctx.String("nodes"))
		if err != nil {
			return err
		}
		holders := make([]peer.ID, 0, len(cctx.StringSlice("holders")))
		for _, s := range cctx.StringSlice("holders") {
			id, err := peer.Decode(s)
			if err != nil {
				return fmt.Errorf("invalid holder %q: %w", s, err)
			}
			holders = append(holders, id)
		}
		required := cfg.Replication.RequiredCopies
		if cctx.IsSet("copies") {
			required = cctx.Int("copies")
		}
		if required < 0 {
			return fmt.Errorf("copies must not be negative")
		}

		plan := replication.PlanReplication(cctx.Args().First(), holders, required, nodes,
			time.Now(), cfg.Replication.Freshness.Std())

		w := cctx.App.Writer
		for _, p := range plan.Placements {
			fmt.Fprintf(w, "place %s on %s\n", p.Key, p.Node)
		}
		if plan.UnderReplicated() {
			fmt.Fprintf(w, "under-replicated: %d more holders needed\n", plan.Missing)
		} else if len(plan.Placements) == 0 {
			fmt.Fprintln(w, "nothing to do")
		}
		return nil
	},
}

func readNodes(path string) ([]replication.StorageNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var nodes []replication.StorageNode
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nodes, nil
}
