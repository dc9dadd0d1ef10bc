package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/VetheonGames/FileZap/StorageCore/pkg/wire"
)

var log = logging.Logger("network")

const (
	// ChunkProtocol carries point-to-point messages, one varint-framed message per frame
	ChunkProtocol protocol.ID = "/storagecore/chunk/1.0.0"
	// DHTPrefix keeps the DHT apart from the public IPFS one
	DHTPrefix protocol.ID = "/storagecore"
	// DefaultTopic is the GossipSub topic for announcements
	DefaultTopic = "storagecore/announcements"
	// DefaultMaxMessageSize fits a 2 MiB chunk after base64 and envelope overhead
	DefaultMaxMessageSize = 8 << 20

	inboundBuffer = 256
	eventBuffer   = 64
)

var (
	// ErrNotConnected is returned when a peer has no connection and no known address
	ErrNotConnected = errors.New("peer not connected")
	// ErrNoRouting is returned by DHT operations when the DHT is disabled
	ErrNoRouting = errors.New("content routing disabled")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("node closed")
	// ErrMessageTooLarge is returned for messages over the frame limit
	ErrMessageTooLarge = errors.New("message too large")
)

// Config configures a Node
type Config struct {
	ListenAddrs []string
	// Bootstrap lists full /p2p/ multiaddrs dialed by Bootstrap
	Bootstrap      []string
	EnableDHT      bool
	DHTServer      bool
	Topic          string
	MaxMessageSize int
}

// DefaultConfig listens on every interface with a random TCP port
func DefaultConfig() Config {
	return Config{
		ListenAddrs:    []string{"/ip4/0.0.0.0/tcp/0", "/ip6/::/tcp/0"},
		EnableDHT:      true,
		DHTServer:      true,
		Topic:          DefaultTopic,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// PeerEvent reports a peer connecting or disconnecting
type PeerEvent struct {
	ID        peer.ID
	Addrs     []ma.Multiaddr
	Connected bool
}

// Node is a libp2p host that moves wire messages. It unicasts over ChunkProtocol streams,
// broadcasts over a GossipSub topic and, with the DHT enabled, provides chunks and stores
// descriptor records.
type Node struct {
	cfg   Config
	host  host.Host
	dht   *dht.IpfsDHT
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	inbound chan wire.Inbound
	events  chan PeerEvent

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New starts a node. It stops when ctx ends or Close is called.
func New(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.Security(noise.ID, noise.New),
		libp2p.DefaultTransports,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	n := &Node{
		cfg:     cfg,
		host:    h,
		inbound: make(chan wire.Inbound, inboundBuffer),
		events:  make(chan PeerEvent, eventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.EnableDHT {
		mode := dht.ModeClient
		if cfg.DHTServer {
			mode = dht.ModeServer
		}
		n.dht, err = dht.New(ctx, h,
			dht.Mode(mode),
			dht.ProtocolPrefix(DHTPrefix),
			dht.Validator(newValidator()),
		)
		if err != nil {
			n.abort()
			return nil, fmt.Errorf("failed to create DHT: %w", err)
		}
	}

	n.ps, err = pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSigning(true),
		pubsub.WithStrictSignatureVerification(true),
		pubsub.WithMaxMessageSize(cfg.MaxMessageSize),
	)
	if err != nil {
		n.abort()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}
	if err := n.ps.RegisterTopicValidator(cfg.Topic, validateBroadcast); err != nil {
		n.abort()
		return nil, fmt.Errorf("failed to register topic validator: %w", err)
	}
	if n.topic, err = n.ps.Join(cfg.Topic); err != nil {
		n.abort()
		return nil, fmt.Errorf("failed to join %s: %w", cfg.Topic, err)
	}
	if n.sub, err = n.topic.Subscribe(); err != nil {
		n.abort()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Topic, err)
	}

	h.SetStreamHandler(ChunkProtocol, n.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    n.connected,
		DisconnectedF: n.disconnected,
	})

	n.wg.Add(1)
	go n.readLoop()

	log.Infow("node started", "id", h.ID(), "addrs", h.Addrs(), "dht", cfg.EnableDHT)
	return n, nil
}

func (n *Node) abort() {
	n.cancel()
	if n.dht != nil {
		_ = n.dht.Close()
	}
	_ = n.host.Close()
}

// ID returns the local peer id
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Host exposes the underlying libp2p host
func (n *Node) Host() host.Host {
	return n.host
}

// Addrs returns dialable addresses including the /p2p/ component
func (n *Node) Addrs() []ma.Multiaddr {
	self, err := ma.NewMultiaddr("/p2p/" + n.host.ID().String())
	if err != nil {
		return nil
	}
	out := make([]ma.Multiaddr, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		out = append(out, a.Encapsulate(self))
	}
	return out
}

// Inbound delivers every message received by unicast or broadcast
func (n *Node) Inbound() <-chan wire.Inbound {
	return n.inbound
}

// Events delivers connection changes. Events are dropped if nobody reads them.
func (n *Node) Events() <-chan PeerEvent {
	return n.events
}

// Connect dials a full /p2p/ multiaddr
func (n *Node) Connect(ctx context.Context, addr string) (peer.AddrInfo, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("invalid peer address %q: %w", addr, err)
	}
	return *info, n.ConnectInfo(ctx, *info)
}

// ConnectInfo dials a peer
func (n *Node) ConnectInfo(ctx context.Context, info peer.AddrInfo) error {
	if err := n.host.Connect(ctx, info); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", info.ID, err)
	}
	return nil
}

// Bootstrap dials the configured bootstrap peers and, with the DHT on, fills its routing table.
// It fails only when bootstrap peers are configured and none could be reached.
func (n *Node) Bootstrap(ctx context.Context) error {
	var (
		errs      error
		connected int
	)
	for _, addr := range n.cfg.Bootstrap {
		if _, err := n.Connect(ctx, addr); err != nil {
			log.Warnw("bootstrap peer unreachable", "addr", addr, "error", err)
			errs = multierr.Append(errs, err)
			continue
		}
		connected++
	}
	if n.dht != nil {
		if err := n.dht.Bootstrap(ctx); err != nil {
			return fmt.Errorf("failed to bootstrap DHT: %w", err)
		}
	}
	if len(n.cfg.Bootstrap) > 0 && connected == 0 {
		return errs
	}
	return nil
}

// Close stops the node and releases the host
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.closing.Store(true)
		// the topic has to close while the pubsub loop still runs
		n.sub.Cancel()
		err := n.topic.Close()
		n.cancel()
		if n.dht != nil {
			err = multierr.Append(err, n.dht.Close())
		}
		err = multierr.Append(err, n.host.Close())
		n.wg.Wait()
		n.closeErr = err
	})
	return n.closeErr
}

func (n *Node) deliver(in wire.Inbound) bool {
	select {
	case n.inbound <- in:
		return true
	case <-n.ctx.Done():
		return false
	}
}

func (n *Node) emit(ev PeerEvent) {
	select {
	case n.events <- ev:
	default:
		log.Debugw("peer event dropped", "peer", ev.ID, "connected", ev.Connected)
	}
}

func (n *Node) connected(_ network.Network, c network.Conn) {
	n.emit(PeerEvent{ID: c.RemotePeer(), Addrs: []ma.Multiaddr{c.RemoteMultiaddr()}, Connected: true})
}

func (n *Node) disconnected(net network.Network, c network.Conn) {
	if net.Connectedness(c.RemotePeer()) == network.Connected {
		return
	}
	n.emit(PeerEvent{ID: c.RemotePeer(), Connected: false})
}
