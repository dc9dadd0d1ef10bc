package network

import (
	"context"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/wire"
)

// Broadcast publishes a message on the announcement topic
func (n *Node) Broadcast(ctx context.Context, m wire.Message) error {
	if n.closing.Load() {
		return ErrClosed
	}
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	if err := n.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", m.Type(), err)
	}
	return nil
}

// validateBroadcast keeps undecodable messages off the mesh
func validateBroadcast(_ context.Context, _ peer.ID, msg *pubsub.Message) bool {
	_, err := wire.Decode(msg.Data)
	return err == nil
}

// readLoop hands topic messages from other peers to Inbound
func (n *Node) readLoop() {
	defer n.wg.Done()

	for {
		msg, err := n.sub.Next(n.ctx)
		if err != nil {
			if !n.closing.Load() {
				log.Warnw("subscription ended", "topic", n.cfg.Topic, "error", err)
			}
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}

		from, err := peer.IDFromBytes(msg.Message.GetFrom())
		if err != nil {
			from = msg.ReceivedFrom
		}
		m, err := wire.Decode(msg.Data)
		if err != nil {
			log.Debugw("dropping broadcast", "peer", from, "error", err)
			continue
		}
		if !n.deliver(wire.Inbound{From: from, Message: m}) {
			return
		}
	}
}

// TopicPeers lists peers subscribed to the announcement topic
func (n *Node) TopicPeers() []peer.ID {
	return n.topic.ListPeers()
}
