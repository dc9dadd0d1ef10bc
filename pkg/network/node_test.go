package network

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/chunk"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/descriptor"
	"github.com/VetheonGames/FileZap/StorageCore/pkg/wire"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.EnableDHT = false

	n, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, n.Close())
	})
	return n
}

func connect(t *testing.T, a, b *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.ConnectInfo(ctx, peer.AddrInfo{ID: b.ID(), Addrs: b.Host().Addrs()}))
}

func receive(t *testing.T, n *Node) wire.Inbound {
	t.Helper()
	select {
	case in := <-n.Inbound():
		return in
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
		return wire.Inbound{}
	}
}

func TestSendToPeer(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(t, a, b)

	req := &wire.ChunkRequest{
		RequestID: uuid.New(),
		ChunkID:   chunk.IDFromData([]byte("wanted")),
		Requester: a.ID(),
	}
	require.NoError(t, a.SendToPeer(context.Background(), b.ID(), req))

	in := receive(t, b)
	assert.Equal(t, a.ID(), in.From)
	got, ok := in.Message.(*wire.ChunkRequest)
	require.True(t, ok)
	assert.Equal(t, req.RequestID, got.RequestID)
	assert.Equal(t, req.ChunkID, got.ChunkID)
}

func TestSendCarriesChunkPayload(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(t, a, b)

	data := make([]byte, 256*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	ch, err := chunk.New(data, 3, chunk.CompressionZstd)
	require.NoError(t, err)

	resp := &wire.ChunkResponse{RequestID: uuid.New(), ChunkID: ch.ID, Chunk: ch}
	require.NoError(t, a.SendToPeer(context.Background(), b.ID(), resp))

	in := receive(t, b)
	got, ok := in.Message.(*wire.ChunkResponse)
	require.True(t, ok)
	require.NotNil(t, got.Chunk)
	assert.NoError(t, got.Chunk.Verify())
	raw, err := got.Chunk.Decompress()
	require.NoError(t, err)
	assert.Equal(t, data, raw)
}

func TestSendToUnknownPeer(t *testing.T) {
	a := newTestNode(t)

	err := a.SendToPeer(context.Background(), test.RandPeerIDFatal(t), &wire.ChunkAnnouncement{Peer: a.ID()})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.EnableDHT = false
	cfg.MaxMessageSize = 64
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()
	b := newTestNode(t)
	connect(t, a, b)

	ids := make([]chunk.ID, 10)
	for i := range ids {
		ids[i] = chunk.IDFromData([]byte{byte(i)})
	}
	err = a.SendToPeer(context.Background(), b.ID(), &wire.ChunkAnnouncement{Peer: a.ID(), ChunkIDs: ids})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestBroadcast(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(t, a, b)

	require.Eventually(t, func() bool {
		for _, p := range a.TopicPeers() {
			if p == b.ID() {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)

	ann := &wire.ChunkAnnouncement{
		Peer:      a.ID(),
		ChunkIDs:  []chunk.ID{chunk.IDFromData([]byte("one")), chunk.IDFromData([]byte("two"))},
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, a.Broadcast(context.Background(), ann))

	in := receive(t, b)
	assert.Equal(t, a.ID(), in.From)
	got, ok := in.Message.(*wire.ChunkAnnouncement)
	require.True(t, ok)
	assert.Equal(t, ann.ChunkIDs, got.ChunkIDs)

	// the sender does not hear its own broadcast
	select {
	case in := <-a.Inbound():
		t.Fatalf("unexpected message %s", in.Message.Type())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPeerEvents(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	connect(t, a, b)

	select {
	case ev := <-a.Events():
		assert.Equal(t, b.ID(), ev.ID)
		assert.True(t, ev.Connected)
		assert.NotEmpty(t, ev.Addrs)
	case <-time.After(5 * time.Second):
		t.Fatal("no connect event")
	}
}

func TestConnectByAddress(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	addrs := b.Addrs()
	require.NotEmpty(t, addrs)
	info, err := a.Connect(context.Background(), addrs[0].String())
	require.NoError(t, err)
	assert.Equal(t, b.ID(), info.ID)

	_, err = a.Connect(context.Background(), "not-a-multiaddr")
	assert.Error(t, err)
}

func TestRoutingDisabled(t *testing.T) {
	a := newTestNode(t)
	ctx := context.Background()
	id := chunk.IDFromData([]byte("x"))

	assert.ErrorIs(t, a.Provide(ctx, id), ErrNoRouting)
	_, err := a.FindProviders(ctx, id, 4)
	assert.ErrorIs(t, err, ErrNoRouting)
	d, _, err := descriptor.Split("x", []byte("payload"), descriptor.Options{ChunkSize: 4})
	require.NoError(t, err)
	assert.ErrorIs(t, a.PutDescriptor(ctx, d), ErrNoRouting)
	_, err = a.GetDescriptor(ctx, d.ContentHash)
	assert.ErrorIs(t, err, ErrNoRouting)
}

func TestNodeWithDHT(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	n, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, n.dht)
	assert.NoError(t, n.Bootstrap(context.Background()))
	assert.NoError(t, n.Close())
	assert.NoError(t, n.Close())

	err = n.SendToPeer(context.Background(), test.RandPeerIDFatal(t), &wire.ChunkAnnouncement{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBootstrapUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.EnableDHT = false
	cfg.Bootstrap = []string{"/ip4/127.0.0.1/tcp/1/p2p/" + test.RandPeerIDFatal(t).String()}
	n, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, n.Bootstrap(ctx))
}
