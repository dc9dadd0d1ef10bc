package network

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	msgio "github.com/libp2p/go-msgio"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/wire"
)

// sendTimeout bounds a write when ctx carries no deadline
const sendTimeout = time.Minute

// SendToPeer writes one message to a peer on a fresh ChunkProtocol stream
func (n *Node) SendToPeer(ctx context.Context, to peer.ID, m wire.Message) error {
	if n.closing.Load() || n.ctx.Err() != nil {
		return ErrClosed
	}
	if n.host.Network().Connectedness(to) != network.Connected && len(n.host.Peerstore().Addrs(to)) == 0 {
		return fmt.Errorf("%w: %s", ErrNotConnected, to)
	}

	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if len(data) > n.cfg.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	s, err := n.host.NewStream(ctx, to, ChunkProtocol)
	if err != nil {
		return fmt.Errorf("failed to open stream to %s: %w", to, err)
	}

	deadline := time.Now().Add(sendTimeout)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	if err := s.SetWriteDeadline(deadline); err != nil {
		log.Debugw("failed to set write deadline", "peer", to, "error", err)
	}

	if err := msgio.NewVarintWriter(s).WriteMsg(data); err != nil {
		_ = s.Reset()
		return fmt.Errorf("failed to send %s to %s: %w", m.Type(), to, err)
	}
	return s.Close()
}

// handleStream reads framed messages until the sender closes the stream
func (n *Node) handleStream(s network.Stream) {
	defer s.Close()

	from := s.Conn().RemotePeer()
	r := msgio.NewVarintReaderSize(s, n.cfg.MaxMessageSize)
	for {
		data, err := r.ReadMsg()
		if err != nil {
			if err != io.EOF {
				log.Debugw("stream read failed", "peer", from, "error", err)
				_ = s.Reset()
			}
			return
		}
		m, err := wire.Decode(data)
		r.ReleaseMsg(data)
		if err != nil {
			log.Warnw("dropping malformed message", "peer", from, "error", err)
			_ = s.Reset()
			return
		}
		if !n.deliver(wire.Inbound{From: from, Message: m}) {
			_ = s.Reset()
			return
		}
	}
}
