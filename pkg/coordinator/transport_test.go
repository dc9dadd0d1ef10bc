package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/descriptor"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/wire"
)

var errUnreachable = errors.New("peer unreachable")

// memNetwork delivers messages between in-process transports. Every message goes through
// the wire codec so receivers never share memory with senders.
type memNetwork struct {
	mu    sync.Mutex
	nodes map[peer.ID]*memTransport
}

func newMemNetwork() *memNetwork {
	return &memNetwork{nodes: make(map[peer.ID]*memTransport)}
}

type memTransport struct {
	id      peer.ID
	net     *memNetwork
	inbound chan wire.Inbound

	mu   sync.Mutex
	sent []wire.Message
}

func (n *memNetwork) join(t *testing.T) *memTransport {
	tr := &memTransport{
		id:      test.RandPeerIDFatal(t),
		net:     n,
		inbound: make(chan wire.Inbound, 1024),
	}
	n.mu.Lock()
	n.nodes[tr.id] = tr
	n.mu.Unlock()
	return tr
}

func (n *memNetwork) leave(id peer.ID) {
	n.mu.Lock()
	delete(n.nodes, id)
	n.mu.Unlock()
}

func (n *memNetwork) lookup(id peer.ID) (*memTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tr, ok := n.nodes[id]
	return tr, ok
}

func (n *memNetwork) others(self peer.ID) []*memTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*memTransport
	for id, tr := range n.nodes {
		if id != self {
			out = append(out, tr)
		}
	}
	return out
}

func (tr *memTransport) deliver(ctx context.Context, from peer.ID, m wire.Message) error {
	data, err := wire.Encode(m)
	if err != nil {
		return err
	}
	decoded, err := wire.Decode(data)
	if err != nil {
		return err
	}
	select {
	case tr.inbound <- wire.Inbound{From: from, Message: decoded}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (tr *memTransport) record(m wire.Message) {
	tr.mu.Lock()
	tr.sent = append(tr.sent, m)
	tr.mu.Unlock()
}

func (tr *memTransport) SendToPeer(ctx context.Context, to peer.ID, m wire.Message) error {
	tr.record(m)
	target, ok := tr.net.lookup(to)
	if !ok {
		return errUnreachable
	}
	return target.deliver(ctx, tr.id, m)
}

func (tr *memTransport) Broadcast(ctx context.Context, m wire.Message) error {
	tr.record(m)
	for _, target := range tr.net.others(tr.id) {
		if err := target.deliver(ctx, tr.id, m); err != nil {
			return err
		}
	}
	return nil
}

func (tr *memTransport) Inbound() <-chan wire.Inbound {
	return tr.inbound
}

// sentOfType returns the messages of one type this transport sent
func (tr *memTransport) sentOfType(kind string) []wire.Message {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []wire.Message
	for _, m := range tr.sent {
		if m.Type() == kind {
			out = append(out, m)
		}
	}
	return out
}

// memRouting is a shared provider table and descriptor store
type memRouting struct {
	mu          sync.Mutex
	providers   map[chunk.ID][]peer.ID
	descriptors map[string]*descriptor.Descriptor
}

func newMemRouting() *memRouting {
	return &memRouting{
		providers:   make(map[chunk.ID][]peer.ID),
		descriptors: make(map[string]*descriptor.Descriptor),
	}
}

// as returns the routing view of one node
func (r *memRouting) as(self peer.ID) *memProvider {
	return &memProvider{routing: r, self: self}
}

type memProvider struct {
	routing *memRouting
	self    peer.ID
}

func (p *memProvider) Provide(_ context.Context, id chunk.ID) error {
	p.routing.mu.Lock()
	defer p.routing.mu.Unlock()
	for _, holder := range p.routing.providers[id] {
		if holder == p.self {
			return nil
		}
	}
	p.routing.providers[id] = append(p.routing.providers[id], p.self)
	return nil
}

func (p *memProvider) FindProviders(_ context.Context, id chunk.ID, limit int) ([]peer.AddrInfo, error) {
	p.routing.mu.Lock()
	defer p.routing.mu.Unlock()
	var out []peer.AddrInfo
	for _, holder := range p.routing.providers[id] {
		if len(out) == limit {
			break
		}
		out = append(out, peer.AddrInfo{ID: holder})
	}
	return out, nil
}

func (p *memProvider) PutDescriptor(_ context.Context, d *descriptor.Descriptor) error {
	p.routing.mu.Lock()
	defer p.routing.mu.Unlock()
	p.routing.descriptors[d.ContentHash] = d
	return nil
}

func (p *memProvider) GetDescriptor(_ context.Context, contentHash string) (*descriptor.Descriptor, error) {
	p.routing.mu.Lock()
	defer p.routing.mu.Unlock()
	d, ok := p.routing.descriptors[contentHash]
	if !ok {
		return nil, errors.New("descriptor not found")
	}
	return d, nil
}
