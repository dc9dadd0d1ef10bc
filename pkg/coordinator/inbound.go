package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/bandwidth"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/cache"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/metrics"
	peerdir "github.com/VetheonGames/FileZap/StorageCore/pkg/peer"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/protocol"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/wire"
)

// dispatch handles one inbound message. Errors are local to the message and only logged.
func (c *Coordinator) dispatch(ctx context.Context, in wire.Inbound) {
	if in.Message == nil || in.From == c.local {
		return
	}
	c.peers.Touch(in.From)

	var err error
	switch m := in.Message.(type) {
	case *wire.ChunkAnnouncement:
		err = c.handleAnnouncement(in.From, m)
	case *wire.ChunkRequest:
		err = c.handleChunkRequest(ctx, in.From, m)
	case *wire.ChunkResponse:
		err = c.handleChunkResponse(in.From, m)
	case *wire.TransferControl:
		err = c.handleTransferControl(ctx, in.From, m)
	case *wire.BandwidthNegotiation:
		err = c.handleNegotiation(in.From, m)
	case *wire.CapabilityUpdate:
		err = c.handleCapabilities(in.From, m)
	default:
		log.Debugw("ignoring message", "from", in.From, "type", fmt.Sprintf("%T", in.Message))
	}
	if err != nil {
		log.Warnw("failed to handle message", "from", in.From, "type", in.Message.Type(), "error", err)
	}
}

func (c *Coordinator) handleAnnouncement(from peer.ID, m *wire.ChunkAnnouncement) error {
	if err := c.peers.AddChunks(from, m.ChunkIDs...); err != nil {
		return err
	}
	for _, id := range m.ChunkIDs {
		c.cache.AddReplica(id, from)
	}
	log.Debugw("peer announced chunks", "peer", from, "count", len(m.ChunkIDs))
	return nil
}

func (c *Coordinator) handleChunkRequest(ctx context.Context, from peer.ID, m *wire.ChunkRequest) error {
	resp := &wire.ChunkResponse{RequestID: m.RequestID, ChunkID: m.ChunkID}

	ch, ok := c.cache.Get(m.ChunkID)
	switch {
	case !ok:
		metrics.ChunkRequests.WithLabelValues("not_found").Inc()
	case c.bandwidth.CheckAvailability(bandwidth.Upload, ch.Len()) != nil:
		resp.Error = bandwidth.ErrBandwidthExceeded.Error()
		metrics.ChunkRequests.WithLabelValues("throttled").Inc()
	default:
		resp.Chunk = ch
		c.recordServed(from, ch.Len())
		metrics.ChunkBytes.WithLabelValues(metrics.Upload).Add(float64(ch.Len()))
		metrics.ChunkRequests.WithLabelValues("served").Inc()
	}

	return c.transport.SendToPeer(ctx, from, resp)
}

func (c *Coordinator) recordServed(to peer.ID, n int) {
	c.bandwidth.Record(bandwidth.Upload, n)
	c.peers.RecordSent(to, n)
	c.served.Add(1)
}

func (c *Coordinator) recordReceived(from peer.ID, n int) {
	c.bandwidth.Record(bandwidth.Download, n)
	c.peers.RecordReceived(from, n)
	c.received.Add(1)
}

func (c *Coordinator) handleChunkResponse(from peer.ID, m *wire.ChunkResponse) error {
	if !m.Unsolicited() {
		c.pendingMu.Lock()
		waiter, ok := c.pending[m.RequestID]
		c.pendingMu.Unlock()
		if !ok {
			log.Debugw("dropping late chunk response", "peer", from, "request", m.RequestID)
			return nil
		}
		select {
		case waiter <- m:
		default:
		}
		return nil
	}

	// Unsolicited responses are replica pushes
	if m.Chunk == nil {
		return fmt.Errorf("replica push without a chunk")
	}
	if m.Chunk.ID != m.ChunkID {
		metrics.IntegrityFailures.Inc()
		return fmt.Errorf("replica push for %s carries %s", m.ChunkID.Short(), m.Chunk.ID.Short())
	}
	if err := m.Chunk.Verify(); err != nil {
		metrics.IntegrityFailures.Inc()
		c.peers.RecordFailure(from)
		return err
	}
	stored := m.Chunk.Clone()
	stored.Info.AddReplica(c.local)
	stored.Info.AddReplica(from)
	if err := c.cache.Store(stored); err != nil && !errors.Is(err, cache.ErrCapacityExceeded) {
		return err
	}
	c.recordReceived(from, stored.Len())
	metrics.ChunkBytes.WithLabelValues(metrics.Download).Add(float64(stored.Len()))
	log.Debugw("stored replica", "chunk", stored.ID.Short(), "from", from)
	return nil
}

func (c *Coordinator) handleTransferControl(ctx context.Context, from peer.ID, m *wire.TransferControl) error {
	if m.Message == nil {
		return fmt.Errorf("%w: empty transfer control", protocol.ErrInvalidMessage)
	}
	if data, ok := m.Message.(*protocol.ChunkData); ok && data.Chunk != nil {
		c.recordReceived(from, data.Chunk.Len())
	}

	replies, err := c.handler.HandleMessage(from, m.Message)
	c.notify(protocol.ContentHashOf(m.Message))
	if err != nil {
		return err
	}

	for _, reply := range replies {
		reply = c.throttle(from, reply)
		if err := c.transport.SendToPeer(ctx, from, &wire.TransferControl{Message: reply}); err != nil {
			return fmt.Errorf("failed to reply to %s: %w", from, err)
		}
	}
	return nil
}

// throttle swaps outgoing chunk data for a bandwidth error when the upload cap is spent
func (c *Coordinator) throttle(to peer.ID, reply protocol.Message) protocol.Message {
	data, ok := reply.(*protocol.ChunkData)
	if !ok || data.Chunk == nil {
		return reply
	}
	n := data.Chunk.Len()
	if err := c.bandwidth.CheckAvailability(bandwidth.Upload, n); err != nil {
		idx := data.Chunk.Info.Index
		return &protocol.TransferError{
			ContentHash: data.ContentHash,
			ErrorType:   protocol.ErrorBandwidthLimited,
			Message:     err.Error(),
			ChunkIndex:  &idx,
			RetryAfter:  time.Second,
		}
	}
	c.recordServed(to, n)
	return reply
}

func (c *Coordinator) handleNegotiation(from peer.ID, m *wire.BandwidthNegotiation) error {
	info, _ := c.peers.Get(from)
	caps := info.Capabilities
	caps.MaxUpload = m.MaxUpload
	caps.MaxDownload = m.MaxDownload
	return c.peers.UpdateCapabilities(from, caps)
}

func (c *Coordinator) handleCapabilities(from peer.ID, m *wire.CapabilityUpdate) error {
	if err := c.peers.UpdateCapabilities(from, m.Capabilities); err != nil {
		return err
	}
	if info, ok := c.peers.Get(from); ok && info.State == peerdir.Connected {
		c.planner.UpsertNode(storageNode(info))
	}
	return nil
}
