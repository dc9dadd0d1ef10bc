package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/coordinator"
)

var statsCmd = &cli.Command{
	Name:  "stats",
	Usage: "Print a running node's stats",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "api",
			Usage: "metrics address of the node, defaults to the config's",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: 10 * time.Second,
		},
	},
	Action: func(cctx *cli.Context) error {
		addr := cctx.String("api")
		if addr == "" {
			cfg, err := loadConfig(cctx)
			if err != nil {
				return err
			}
			addr = cfg.Metrics.ListenAddr
		}
		if addr == "" {
			return fmt.Errorf("no api address: pass --api or set metrics.listen_addr")
		}

		ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration("timeout"))
		defer cancel()
		stats, err := fetchStats(ctx, addr)
		if err != nil {
			return err
		}
		return printStats(cctx.App.Writer, stats)
	},
}

func fetchStats(ctx context.Context, addr string) (coordinator.Stats, error) {
	var stats coordinator.Stats
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(addr, "/")+"/stats", nil)
	if err != nil {
		return stats, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return stats, fmt.Errorf("failed to reach node: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return stats, fmt.Errorf("node answered %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return stats, fmt.Errorf("failed to decode stats: %w", err)
	}
	return stats, nil
}

func printStats(w io.Writer, s coordinator.Stats) error {
	fmt.Fprintf(w, "Peer:             %s\n", s.LocalPeer)
	fmt.Fprintf(w, "Peers:            %d (%d connected)\n", s.TotalPeers, s.ConnectedPeers)
	fmt.Fprintf(w, "Active sessions:  %d\n", s.ActiveSessions)
	fmt.Fprintf(w, "Objects:          %d\n", s.Objects)
	fmt.Fprintf(w, "Cache:            %d chunks, %d bytes, hit rate %.2f\n", s.Cache.Chunks, s.Cache.MemoryBytes, s.Cache.HitRate)
	fmt.Fprintf(w, "Chunks served:    %d\n", s.ChunksServed)
	fmt.Fprintf(w, "Chunks received:  %d\n", s.ChunksReceived)
	fmt.Fprintf(w, "Heal placements:  %d\n", s.HealPlacements)
	_, err := fmt.Fprintf(w, "Bandwidth:        up %.0f B/s, down %.0f B/s\n", s.Bandwidth.UploadRate, s.Bandwidth.DownloadRate)
	return err
}
