package coordinator

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/multierr"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/metrics"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/replication"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/reward"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/wire"
)

// PlanRebalance plans placements for every cached chunk below the replica target without
// sending anything. Chunks already at target are left out.
func (c *Coordinator) PlanRebalance() []replication.Plan {
	c.refreshNodes()

	var plans []replication.Plan
	for _, rs := range c.cache.ReplicaSnapshot() {
		holders := rs.Replicas
		if !containsPeer(holders, c.local) {
			holders = append(holders, c.local)
		}
		plan := c.planner.Plan(rs.ID.String(), holders, c.cfg.RequiredCopies)
		if len(plan.Placements) == 0 && !plan.UnderReplicated() {
			continue
		}
		plans = append(plans, plan)
	}
	return plans
}

// Heal pushes copies of under-replicated chunks to the targets PlanRebalance picks and
// returns how many copies were placed. Failed pushes are collected and the pass continues.
func (c *Coordinator) Heal(ctx context.Context) (int, error) {
	plans := c.PlanRebalance()

	var (
		placed int
		under  int
		errs   error
	)
	for _, plan := range plans {
		if plan.UnderReplicated() {
			under++
		}
		if len(plan.Placements) == 0 {
			continue
		}
		id, err := chunk.ParseID(plan.Key)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		ch, ok := c.cache.Peek(id)
		if !ok {
			continue
		}
		for _, p := range plan.Placements {
			if ctx.Err() != nil {
				return placed, multierr.Append(errs, ctx.Err())
			}
			push := &wire.ChunkResponse{ChunkID: id, Chunk: ch}
			if err := c.transport.SendToPeer(ctx, p.Node, push); err != nil {
				c.peers.RecordFailure(p.Node)
				errs = multierr.Append(errs, fmt.Errorf("push %s to %s: %w", id.Short(), p.Node, err))
				continue
			}
			c.cache.AddReplica(id, p.Node)
			if err := c.peers.AddChunks(p.Node, id); err != nil {
				log.Debugw("replica not recorded in directory", "peer", p.Node, "error", err)
			}
			c.recordServed(p.Node, ch.Len())
			c.placements.Add(1)
			metrics.HealPlacements.Inc()
			metrics.ChunkBytes.WithLabelValues(metrics.Upload).Add(float64(ch.Len()))
			placed++
		}
	}

	metrics.UnderReplicated.Set(float64(under))
	if placed > 0 || under > 0 {
		log.Infow("heal pass", "placed", placed, "under_replicated", under)
	}
	return placed, errs
}

// SettleRewards credits every known replica holder for keeping its copies for hours.
// Each holder earns the reward for the chunk size with the chunk's extra copies counted.
// It returns the total paid.
func (c *Coordinator) SettleRewards(ledger *reward.Ledger, hours uint64) (uint64, error) {
	var (
		total uint64
		errs  error
	)
	for _, rs := range c.cache.ReplicaSnapshot() {
		entry, ok := c.cache.Entry(rs.ID)
		if !ok || len(rs.Replicas) == 0 {
			continue
		}
		copies := uint32(len(rs.Replicas) - 1)
		amount := reward.Reward(uint64(entry.Size), hours, copies, c.cfg.Reward)
		for _, holder := range rs.Replicas {
			if err := ledger.Credit(holder.String(), amount, "replica "+rs.ID.Short()); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			total += amount
		}
	}
	return total, errs
}

func containsPeer(list []peer.ID, p peer.ID) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}
