package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/cache"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/descriptor"
	peerdir "github.com/VetheonGames/FileZap/StorageCore/pkg/peer"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/protocol"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/wire"
)

// requestWindow bounds how many chunk requests one download keeps in flight
const requestWindow = 16

// pollInterval is how often a download re-checks in-flight chunks when no message arrives
const pollInterval = 250 * time.Millisecond

// Publish splits data into chunks, stores them locally, registers the descriptor and
// announces both to the network
func (c *Coordinator) Publish(ctx context.Context, name string, data []byte) (*descriptor.Descriptor, error) {
	d, chunks, err := descriptor.Split(name, data, descriptor.Options{
		ChunkSize:  c.cfg.ChunkSize,
		Chunk:      c.cfg.Chunk,
		Encryption: c.cfg.Encryption,
		Key:        c.cfg.EncryptionKey,
		Dedup:      c.cfg.Dedup,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to split %s: %w", name, err)
	}

	ids := make([]chunk.ID, 0, len(chunks))
	for _, ch := range chunks {
		ch.Info.AddReplica(c.local)
		if err := c.cache.Store(ch); err != nil {
			if !errors.Is(err, cache.ErrCapacityExceeded) {
				return nil, fmt.Errorf("failed to store chunk %s: %w", ch.ID.Short(), err)
			}
			log.Warnw("chunk exceeds cache budget", "chunk", ch.ID.Short(), "size", ch.Len())
		}
		ids = append(ids, ch.ID)
	}
	if err := c.registry.Register(d); err != nil {
		return nil, err
	}

	if err := c.AnnounceChunks(ctx, ids); err != nil {
		log.Warnw("chunk announcement failed", "object", name, "error", err)
	}
	if r, ok := c.provider.(DescriptorRouting); ok {
		if err := r.PutDescriptor(ctx, d); err != nil {
			log.Debugw("descriptor record not stored", "hash", d.ContentHash, "error", err)
		}
	}
	ann := &protocol.DescriptorAnnouncement{Descriptor: d, Announcer: c.local}
	if err := c.transport.Broadcast(ctx, &wire.TransferControl{Message: ann}); err != nil {
		log.Warnw("descriptor announcement failed", "object", name, "error", err)
	}

	log.Infow("published object", "name", name, "hash", d.ContentHash, "chunks", d.ChunkCount(), "size", d.Size)
	return d, nil
}

// Download fetches every chunk of an object through a transfer session and returns the
// reassembled bytes. It is bounded by the transfer timeout.
func (c *Coordinator) Download(ctx context.Context, contentHash string) ([]byte, error) {
	if err := c.transfers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.transfers.Release(1)

	if d, ok := c.registry.Lookup(contentHash); ok && c.haveAll(d) {
		return c.assemble(d)
	}

	if c.cfg.TransferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TransferTimeout)
		defer cancel()
	}

	s, created := c.sessions.GetOrCreate(contentHash)
	if !created && s.State().Terminal() {
		c.sessions.Remove(contentHash)
		s, _ = c.sessions.GetOrCreate(contentHash)
	}
	wake, unwatch := c.watch(contentHash)
	defer unwatch()

	if err := c.openSession(ctx, s); err != nil {
		return nil, err
	}

	if err := c.runSession(ctx, s, wake); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			_ = s.Fail(protocol.ErrorTimeout, "transfer timeout")
			err = fmt.Errorf("%w: %s", ErrTransferTimeout, contentHash)
		}
		c.sessions.Remove(contentHash)
		return nil, err
	}

	d := s.Descriptor()
	c.sessions.Remove(contentHash)
	data, err := c.assemble(d)
	if err != nil {
		return nil, err
	}

	ids, _ := d.ChunkIDs()
	if err := c.AnnounceChunks(ctx, uniqueIDs(ids)); err != nil {
		log.Debugw("announce after download failed", "hash", contentHash, "error", err)
	}
	log.Infow("downloaded object", "hash", contentHash, "size", len(data), "stats", s.Stats())
	return data, nil
}

// openSession attaches a known descriptor or asks connected peers for the object
func (c *Coordinator) openSession(ctx context.Context, s *protocol.Session) error {
	if s.Descriptor() == nil {
		d, ok := c.registry.Lookup(s.ContentHash)
		if !ok {
			d, ok = c.lookupDescriptor(ctx, s.ContentHash)
		}
		if ok {
			if err := s.SetDescriptor(d); err != nil {
				return err
			}
		}
	}

	candidates := c.candidates(s)
	if len(candidates) == 0 {
		return fmt.Errorf("%w: nobody to ask for %s", ErrPeerNotFound, s.ContentHash)
	}
	for _, info := range candidates {
		if !s.HasPeer(info.ID) {
			s.AddPeer(protocol.PeerInfo{ID: info.ID, Reliability: info.Reputation})
		}
	}
	if s.State() == protocol.StateInitiating && s.Descriptor() != nil {
		if err := s.SetState(protocol.StatePending); err != nil {
			return err
		}
	}

	limits := c.bandwidth.Limits()
	req := &protocol.TransferRequest{
		ContentHash:    s.ContentHash,
		RequesterID:    c.local,
		Priority:       protocol.PriorityNormal,
		BandwidthLimit: limits.MaxDownload,
	}
	sent := 0
	for _, info := range candidates {
		if err := c.transport.SendToPeer(ctx, info.ID, &wire.TransferControl{Message: req}); err != nil {
			log.Debugw("transfer request not sent", "peer", info.ID, "error", err)
			s.RemovePeer(info.ID)
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("%w: could not reach any peer for %s", ErrPeerNotFound, s.ContentHash)
	}
	return nil
}

// lookupDescriptor asks the DHT for a descriptor record and registers what it finds
func (c *Coordinator) lookupDescriptor(ctx context.Context, contentHash string) (*descriptor.Descriptor, bool) {
	r, ok := c.provider.(DescriptorRouting)
	if !ok {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ChunkTimeout)
	defer cancel()
	d, err := r.GetDescriptor(ctx, contentHash)
	if err != nil {
		log.Debugw("descriptor lookup failed", "hash", contentHash, "error", err)
		return nil, false
	}
	if err := c.registry.Register(d); err != nil {
		log.Warnw("descriptor from DHT rejected", "hash", contentHash, "error", err)
		return nil, false
	}
	return d, true
}

// candidates lists connected peers, preferring ones already known to hold the object's chunks
func (c *Coordinator) candidates(s *protocol.Session) []peerdir.Info {
	var holders, others []peerdir.Info
	var first chunk.ID
	hasFirst := false
	if d := s.Descriptor(); d != nil {
		if id, err := d.ChunkID(0); err == nil {
			first, hasFirst = id, true
		}
	}
	for _, info := range c.peers.List() {
		if info.State != peerdir.Connected {
			continue
		}
		if hasFirst && c.peers.HasChunk(info.ID, first) {
			holders = append(holders, info)
		} else {
			others = append(others, info)
		}
	}
	if len(holders) > 0 {
		return holders
	}
	return others
}

// runSession drives chunk requests until the session completes, fails or ctx ends
func (c *Coordinator) runSession(ctx context.Context, s *protocol.Session, wake <-chan struct{}) error {
	attempts := make(map[uint32]int)
	failed := make(map[uint32]map[peer.ID]bool)
	assigned := make(map[uint32]peer.ID)
	var seq uint64

	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	b := c.backoff()
	ticker := c.clock.Ticker(pollInterval)
	defer ticker.Stop()

	for {
		switch st := s.State(); {
		case st == protocol.StateCompleted:
			return nil
		case st.Terminal():
			kind, reason, _ := s.Failure()
			return fmt.Errorf("%w: %s is %s (%s: %s)", ErrTransferFailed, s.ContentHash, st, kind, reason)
		}

		if s.Descriptor() != nil && s.State() != protocol.StatePaused {
			inFlight := 0
			now := c.clock.Now()
			for _, idx := range s.PendingChunks() {
				status := s.ChunkStatus(idx)
				switch status.Kind {
				case protocol.StatusDownloading:
					if now.Sub(status.Started) <= c.cfg.ChunkTimeout {
						inFlight++
						continue
					}
					c.peers.RecordFailure(status.Peer)
					_ = s.SetChunkStatus(idx, protocol.Failed("chunk timeout"))
				}

				if inFlight >= requestWindow {
					break
				}
				if p, ok := assigned[idx]; ok {
					if failed[idx] == nil {
						failed[idx] = make(map[peer.ID]bool)
					}
					failed[idx][p] = true
					delete(assigned, idx)
				}
				if attempts[idx] >= maxAttempts {
					msg := fmt.Sprintf("chunk %d failed after %d attempts", idx, attempts[idx])
					_ = s.Fail(protocol.ErrorNetwork, msg)
					break
				}

				target, ok := s.BestPeerForChunkExcluding(idx, failed[idx])
				if !ok {
					// every advertised peer failed once; start over with the full set
					delete(failed, idx)
					if target, ok = s.BestPeerForChunk(idx); !ok {
						continue
					}
				}

				if attempts[idx] > 0 {
					s.IncrementRetries()
				}
				attempts[idx]++
				seq++
				if err := s.SetChunkStatus(idx, protocol.Downloading(target.ID, now)); err != nil {
					continue
				}
				assigned[idx] = target.ID
				if st := s.State(); st == protocol.StateInitiating || st == protocol.StatePending {
					_ = s.SetState(protocol.StateActive)
				}
				req := &protocol.ChunkRequest{
					ContentHash:  s.ContentHash,
					ChunkIndices: []uint32{idx},
					RequestedBy:  c.local,
					SequenceID:   seq,
				}
				if err := c.transport.SendToPeer(ctx, target.ID, &wire.TransferControl{Message: req}); err != nil {
					log.Debugw("chunk request not sent", "peer", target.ID, "index", idx, "error", err)
					_ = s.SetChunkStatus(idx, protocol.Failed(err.Error()))
					continue
				}
				inFlight++
			}
		}

		if s.State().Terminal() {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
		if anyFailed(s) {
			timer := c.clock.Timer(b.Duration())
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func anyFailed(s *protocol.Session) bool {
	for _, idx := range s.PendingChunks() {
		if s.ChunkStatus(idx).Kind == protocol.StatusFailed {
			return true
		}
	}
	return false
}

// haveAll reports whether every chunk of d is cached
func (c *Coordinator) haveAll(d *descriptor.Descriptor) bool {
	ids, err := d.ChunkIDs()
	if err != nil {
		return false
	}
	for _, id := range ids {
		if !c.cache.Contains(id) {
			return false
		}
	}
	return true
}

func (c *Coordinator) assemble(d *descriptor.Descriptor) ([]byte, error) {
	return d.Assemble(func(id chunk.ID) (*chunk.Chunk, error) {
		ch, ok := c.cache.Get(id)
		if !ok {
			return nil, fmt.Errorf("chunk %s is no longer cached", id.Short())
		}
		return ch, nil
	}, c.cfg.EncryptionKey)
}

func uniqueIDs(ids []chunk.ID) []chunk.ID {
	seen := make(map[chunk.ID]struct{}, len(ids))
	out := make([]chunk.ID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
