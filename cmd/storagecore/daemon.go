package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/coordinator"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/metrics"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/network"
)

const shutdownTimeout = 5 * time.Second

var daemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "Run a storage node",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "listen",
			Usage: "multiaddrs to listen on, overriding the config",
		},
		&cli.StringSliceFlag{
			Name:  "bootstrap",
			Usage: "full /p2p/ multiaddrs of peers to dial at startup",
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "host:port serving /metrics and /stats, overriding the config",
		},
		&cli.StringSliceFlag{
			Name:  "publish",
			Usage: "files to split, store and announce once the node is up",
		},
		&cli.StringSliceFlag{
			Name:  "fetch",
			Usage: "content hashes to download once the node is up",
		},
		&cli.StringFlag{
			Name:  "out",
			Usage: "directory fetched objects are written to",
			Value: ".",
		},
	},
	Action: runDaemon,
}

func runDaemon(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	if !cctx.IsSet("log-level") && cfg.LogLevel != "" {
		if err := setLogLevel(cfg.LogLevel); err != nil {
			return err
		}
	}
	if cctx.IsSet("listen") {
		cfg.Network.ListenAddrs = cctx.StringSlice("listen")
	}
	if cctx.IsSet("bootstrap") {
		cfg.Network.Bootstrap = append(cfg.Network.Bootstrap, cctx.StringSlice("bootstrap")...)
	}
	if cctx.IsSet("metrics-addr") {
		cfg.Metrics.ListenAddr = cctx.String("metrics-addr")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cc, err := cfg.CoordinatorConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := network.New(ctx, cfg.NetworkConfig())
	if err != nil {
		return err
	}
	coord, err := coordinator.New(node.ID(), node, cc, coordinator.WithProvider(node))
	if err != nil {
		return multierr.Append(err, node.Close())
	}
	if err := coord.Start(ctx); err != nil {
		return multierr.Append(err, node.Close())
	}
	defer func() {
		if err := multierr.Append(coord.Stop(), node.Close()); err != nil {
			log.Warnw("shutdown incomplete", "error", err)
		}
	}()

	go trackPeers(ctx, node, coord)

	for _, addr := range node.Addrs() {
		log.Infow("listening", "addr", addr)
	}
	if err := node.Bootstrap(ctx); err != nil {
		log.Warnw("bootstrap failed", "error", err)
	}

	if addr := cfg.Metrics.ListenAddr; addr != "" {
		srv := &http.Server{Addr: addr, Handler: apiHandler(coord), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("api server stopped", "addr", addr, "error", err)
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		log.Infow("serving metrics", "addr", addr)
	}

	for _, path := range cctx.StringSlice("publish") {
		if err := publishFile(ctx, coord, path); err != nil {
			log.Errorw("publish failed", "file", path, "error", err)
		}
	}
	for _, hash := range cctx.StringSlice("fetch") {
		if err := fetchObject(ctx, coord, hash, cctx.String("out")); err != nil {
			log.Errorw("fetch failed", "hash", hash, "error", err)
		}
	}

	<-ctx.Done()
	log.Infow("shutting down")
	return nil
}

// trackPeers mirrors libp2p connection changes into the coordinator's directory
func trackPeers(ctx context.Context, node *network.Node, coord *coordinator.Coordinator) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-node.Events():
			if !ev.Connected {
				coord.RemovePeer(ev.ID)
				continue
			}
			if _, err := coord.AddPeer(ctx, ev.ID, ev.Addrs); err != nil {
				log.Warnw("failed to add peer", "peer", ev.ID, "error", err)
			}
		}
	}
}

func publishFile(ctx context.Context, coord *coordinator.Coordinator, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	d, err := coord.Publish(ctx, filepath.Base(path), data)
	if err != nil {
		return err
	}
	log.Infow("published", "file", path, "hash", d.ContentHash, "chunks", len(d.ChunkHashes))
	return nil
}

func fetchObject(ctx context.Context, coord *coordinator.Coordinator, hash, dir string) error {
	data, err := coord.Download(ctx, hash)
	if err != nil {
		return err
	}
	name := hash
	if d, ok := coord.Registry().Lookup(hash); ok && d.Name != "" {
		name = filepath.Base(d.Name)
	}
	out := filepath.Join(dir, name)
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	log.Infow("fetched", "hash", hash, "file", out, "bytes", len(data))
	return nil
}

// apiHandler serves Prometheus metrics and a JSON stats snapshot
func apiHandler(coord *coordinator.Coordinator) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(coord.Stats()); err != nil {
			log.Debugw("failed to write stats", "error", err)
		}
	})
	return mux
}
