package network

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/descriptor"
)

// Provide announces on the DHT that this node holds a chunk
func (n *Node) Provide(ctx context.Context, id chunk.ID) error {
	if n.dht == nil {
		return ErrNoRouting
	}
	if err := n.dht.Provide(ctx, id.CID(), true); err != nil {
		return fmt.Errorf("failed to provide %s: %w", id.Short(), err)
	}
	return nil
}

// FindProviders returns up to limit other peers that provide a chunk. Their addresses are
// kept in the peerstore so they can be dialed afterwards.
func (n *Node) FindProviders(ctx context.Context, id chunk.ID, limit int) ([]peer.AddrInfo, error) {
	if n.dht == nil {
		return nil, ErrNoRouting
	}
	var out []peer.AddrInfo
	for info := range n.dht.FindProvidersAsync(ctx, id.CID(), limit) {
		if info.ID == n.host.ID() {
			continue
		}
		n.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
		out = append(out, info)
	}
	return out, nil
}

// PutDescriptor stores a descriptor record under DescriptorKey
func (n *Node) PutDescriptor(ctx context.Context, d *descriptor.Descriptor) error {
	if n.dht == nil {
		return ErrNoRouting
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := n.dht.PutValue(ctx, DescriptorKey(d.ContentHash), data); err != nil {
		return fmt.Errorf("failed to put descriptor %s: %w", d.ContentHash, err)
	}
	return nil
}

// GetDescriptor looks a descriptor record up by content hash
func (n *Node) GetDescriptor(ctx context.Context, contentHash string) (*descriptor.Descriptor, error) {
	if n.dht == nil {
		return nil, ErrNoRouting
	}
	data, err := n.dht.GetValue(ctx, DescriptorKey(contentHash))
	if err != nil {
		return nil, fmt.Errorf("failed to get descriptor %s: %w", contentHash, err)
	}
	return decodeDescriptor(data)
}
