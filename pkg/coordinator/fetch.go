package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/cache"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/metrics"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/wire"
)

// providerLimit caps how many content routing results are added to the directory per lookup
const providerLimit = 8

// RequestChunk asks the best known holder of id for it and waits up to the chunk timeout.
// It returns nil and no error when the peer answers that it does not have the chunk.
func (c *Coordinator) RequestChunk(ctx context.Context, id chunk.ID) (*chunk.Chunk, error) {
	ch, _, err := c.requestFrom(ctx, id, nil)
	return ch, err
}

// requestFrom runs one request against the best holder outside exclude and reports which
// peer was asked
func (c *Coordinator) requestFrom(ctx context.Context, id chunk.ID, exclude map[peer.ID]bool) (*chunk.Chunk, peer.ID, error) {
	target, ok := c.peers.BestPeerForChunk(id, exclude)
	if !ok && c.discoverProviders(ctx, id) {
		target, ok = c.peers.BestPeerForChunk(id, exclude)
	}
	if !ok {
		metrics.ChunkRequests.WithLabelValues("no_peer").Inc()
		return nil, "", fmt.Errorf("%w: %s", ErrPeerNotFound, id.Short())
	}

	reqID := uuid.New()
	waiter := make(chan *wire.ChunkResponse, 1)
	c.pendingMu.Lock()
	c.pending[reqID] = waiter
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	started := c.clock.Now()
	req := &wire.ChunkRequest{RequestID: reqID, ChunkID: id, Requester: c.local}
	if err := c.transport.SendToPeer(ctx, target, req); err != nil {
		c.peers.RecordFailure(target)
		metrics.ChunkRequests.WithLabelValues("send_failed").Inc()
		return nil, target, fmt.Errorf("failed to send chunk request to %s: %w", target, err)
	}

	timer := c.clock.Timer(c.cfg.ChunkTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, target, ctx.Err()
	case <-timer.C:
		c.peers.RecordFailure(target)
		metrics.ChunkRequests.WithLabelValues("timeout").Inc()
		return nil, target, fmt.Errorf("%w: chunk %s from %s after %s", ErrTransferTimeout, id.Short(), target, c.cfg.ChunkTimeout)
	case resp := <-waiter:
		latency := c.clock.Now().Sub(started)
		metrics.ChunkRequestLatency.Observe(latency.Seconds())
		ch, err := c.acceptResponse(target, id, resp)
		if err == nil {
			c.peers.RecordSuccess(target, latency)
		}
		return ch, target, err
	}
}

// acceptResponse validates a response and stores the chunk it carries
func (c *Coordinator) acceptResponse(from peer.ID, id chunk.ID, resp *wire.ChunkResponse) (*chunk.Chunk, error) {
	if resp.Error != "" {
		c.peers.RecordFailure(from)
		metrics.ChunkRequests.WithLabelValues("peer_error").Inc()
		return nil, fmt.Errorf("%w: %s: %s", ErrPeerReported, from, resp.Error)
	}
	if resp.Chunk == nil {
		c.peers.RemoveChunks(from, id)
		metrics.ChunkRequests.WithLabelValues("not_found").Inc()
		return nil, nil
	}
	if resp.Chunk.ID != id {
		metrics.IntegrityFailures.Inc()
		c.peers.RecordFailure(from)
		return nil, fmt.Errorf("%w: asked for %s, got %s", chunk.ErrIntegrity, id.Short(), resp.Chunk.ID.Short())
	}
	if err := resp.Chunk.Verify(); err != nil {
		metrics.IntegrityFailures.Inc()
		c.peers.RecordFailure(from)
		return nil, err
	}

	stored := resp.Chunk.Clone()
	stored.Info.AddReplica(c.local)
	stored.Info.AddReplica(from)
	if err := c.cache.Store(stored); err != nil && !errors.Is(err, cache.ErrCapacityExceeded) {
		return nil, fmt.Errorf("failed to cache chunk %s: %w", id.Short(), err)
	}
	c.recordReceived(from, stored.Len())
	metrics.ChunkBytes.WithLabelValues(metrics.Download).Add(float64(stored.Len()))
	metrics.ChunkRequests.WithLabelValues("received").Inc()
	return stored.Clone(), nil
}

// discoverProviders asks content routing for holders of id and records them
func (c *Coordinator) discoverProviders(ctx context.Context, id chunk.ID) bool {
	if c.provider == nil {
		return false
	}
	infos, err := c.provider.FindProviders(ctx, id, providerLimit)
	if err != nil {
		log.Debugw("provider lookup failed", "chunk", id.Short(), "error", err)
		return false
	}
	found := false
	for _, info := range infos {
		if info.ID == c.local {
			continue
		}
		if _, err := c.peers.Add(info.ID, info.Addrs); err != nil {
			continue
		}
		if err := c.peers.AddChunks(info.ID, id); err == nil {
			found = true
		}
	}
	return found
}

// FetchChunk returns id from the cache, or requests it from peers with backoff between
// attempts. Every attempt goes to a different peer.
func (c *Coordinator) FetchChunk(ctx context.Context, id chunk.ID) (*chunk.Chunk, error) {
	if ch, ok := c.cache.Get(id); ok {
		return ch, nil
	}

	attempts := c.cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	b := c.backoff()
	exclude := make(map[peer.ID]bool)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := c.clock.Timer(b.Duration())
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		ch, from, err := c.requestFrom(ctx, id, exclude)
		switch {
		case err == nil && ch != nil:
			return ch, nil
		case errors.Is(err, ErrPeerNotFound):
			if lastErr == nil {
				lastErr = err
			}
			return nil, lastErr
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err == nil:
			lastErr = fmt.Errorf("%w: %s does not have %s", ErrPeerNotFound, from, id.Short())
		default:
			lastErr = err
		}
		exclude[from] = true
		log.Debugw("chunk fetch attempt failed", "chunk", id.Short(), "peer", from, "attempt", attempt+1, "error", lastErr)
	}
	return nil, lastErr
}

func (c *Coordinator) backoff() *backoff.Backoff {
	r := c.cfg.Retry
	return &backoff.Backoff{
		Min:    r.Initial,
		Max:    r.Max,
		Factor: r.Multiplier,
		Jitter: r.Jitter > 0,
	}
}

// AnnounceChunks broadcasts that this node holds ids and provides them through content routing
func (c *Coordinator) AnnounceChunks(ctx context.Context, ids []chunk.ID) error {
	if len(ids) == 0 {
		return nil
	}
	msg := &wire.ChunkAnnouncement{Peer: c.local, ChunkIDs: ids, Timestamp: c.clock.Now()}
	if err := c.transport.Broadcast(ctx, msg); err != nil {
		return fmt.Errorf("failed to announce %d chunks: %w", len(ids), err)
	}
	if c.provider != nil {
		for _, id := range ids {
			if err := c.provider.Provide(ctx, id); err != nil {
				log.Debugw("provide failed", "chunk", id.Short(), "error", err)
			}
		}
	}
	return nil
}

// failPending answers every outstanding request so waiters return promptly on shutdown
func (c *Coordinator) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, waiter := range c.pending {
		select {
		case waiter <- &wire.ChunkResponse{RequestID: id, Error: "coordinator stopped"}:
		default:
		}
	}
}
