package core

// P2P transport (spec §4.7): a libp2p host running GossipSub over
// noise-encrypted, yamux-muxed streams, with mDNS and Kademlia discovery and
// best-effort NAT traversal. Adapted from the teacher's core/network.go
// (single listen addr, single bootstrap list) into a capability interface so
// the gossip and sync layers can run against either the real transport or an
// in-memory mock during tests.

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// PeerID identifies a remote node, stringified from its libp2p peer.ID (or,
// for the mock transport, an arbitrary label).
type PeerID string

// PeerInfo describes a known peer.
type PeerInfo struct {
	ID   PeerID
	Addr string
}

// GossipMessage is one pub/sub delivery.
type GossipMessage struct {
	From  PeerID
	Topic string
	Data  []byte
}

// RPCHandler answers a request/response RPC addressed to this node (spec
// §4.9 range/snapshot sync protocols run over libp2p streams).
type RPCHandler func(ctx context.Context, from PeerID, req []byte) ([]byte, error)

// Transport is the capability surface gossip.go and sync.go depend on. The
// concrete implementation is libp2pTransport; tests may substitute
// MockTransport.
type Transport interface {
	Start(ctx context.Context) error
	Close() error
	Self() PeerID
	Publish(topic string, data []byte) error
	Subscribe(topic string) (<-chan GossipMessage, error)
	Peers() []PeerInfo
	Connect(ctx context.Context, addr string) error
	// RPC sends req to peer over protoID and returns its response.
	RPC(ctx context.Context, peer PeerID, protoID string, req []byte) ([]byte, error)
	// Handle registers an inbound RPC handler for protoID.
	Handle(protoID string, h RPCHandler)
}

// TransportConfig configures the libp2p transport.
type TransportConfig struct {
	ListenAddrs     []string
	Bootstrap       []string
	DiscoveryTag    string
	EnableMDNS      bool
	EnableNAT       bool
	EnableHolePunch bool
}

type libp2pTransport struct {
	host   host.Host
	pubsub *pubsub.PubSub
	nat    *NATManager
	kad    *Kademlia

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription

	handlerLock sync.Mutex
	handlers    map[string]RPCHandler

	peerLock sync.RWMutex
	peers    map[PeerID]*PeerInfo

	cfg TransportConfig
	ctx context.Context
}

// NewLibp2pTransport constructs (but does not start) a libp2p-backed
// Transport.
func NewLibp2pTransport(cfg TransportConfig) (Transport, error) {
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
	}
	if cfg.EnableNAT {
		opts = append(opts, libp2p.NATPortMap(), libp2p.EnableNATService())
	}
	if cfg.EnableHolePunch {
		opts = append(opts, libp2p.EnableHolePunching())
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("clawnet: create libp2p host: %w", err)
	}

	t := &libp2pTransport{
		host:     h,
		topics:   make(map[string]*pubsub.Topic),
		subs:     make(map[string]*pubsub.Subscription),
		handlers: make(map[string]RPCHandler),
		peers:    make(map[PeerID]*PeerInfo),
		cfg:      cfg,
		kad:      NewKademlia(NodeIDFromPeer(PeerID(h.ID().String()))),
	}
	return t, nil
}

func (t *libp2pTransport) Start(ctx context.Context) error {
	t.ctx = ctx
	ps, err := pubsub.NewGossipSub(ctx, t.host)
	if err != nil {
		return fmt.Errorf("clawnet: create gossipsub: %w", err)
	}
	t.pubsub = ps

	if t.cfg.EnableNAT {
		if natMgr, err := NewNATManager(); err == nil {
			t.nat = natMgr
			for _, addr := range t.cfg.ListenAddrs {
				if port, err := parseListenPort(addr); err == nil {
					if err := natMgr.Map(port); err != nil {
						logrus.Warnf("nat map failed: %v", err)
					}
				}
			}
		} else {
			logrus.Warnf("nat discovery unavailable: %v", err)
		}
	}

	for _, addr := range t.cfg.Bootstrap {
		if err := t.Connect(ctx, addr); err != nil {
			logrus.Warnf("bootstrap dial to %s failed: %v", addr, err)
		} else {
			logrus.Infof("bootstrapped to %s", addr)
		}
	}

	if t.cfg.EnableMDNS {
		tag := t.cfg.DiscoveryTag
		if tag == "" {
			tag = "clawnet"
		}
		svc := mdns.NewMdnsService(t.host, tag, &mdnsNotifee{t: t})
		if err := svc.Start(); err != nil {
			logrus.Warnf("mdns start failed: %v", err)
		}
	}
	return nil
}

type mdnsNotifee struct{ t *libp2pTransport }

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.t.host.ID() {
		return
	}
	id := PeerID(info.ID.String())
	n.t.peerLock.RLock()
	_, known := n.t.peers[id]
	n.t.peerLock.RUnlock()
	if known {
		return
	}
	if err := n.t.host.Connect(n.t.ctx, info); err != nil {
		logrus.Warnf("mdns connect to %s failed: %v", id, err)
		return
	}
	n.t.peerLock.Lock()
	n.t.peers[id] = &PeerInfo{ID: id, Addr: info.String()}
	n.t.peerLock.Unlock()
	n.t.kad.AddPeer(NodeIDFromPeer(id))
	logrus.Infof("connected to peer %s via mDNS", id)
}

func (t *libp2pTransport) Self() PeerID { return PeerID(t.host.ID().String()) }

func (t *libp2pTransport) Connect(ctx context.Context, addr string) error {
	pi, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return fmt.Errorf("clawnet: invalid peer addr %s: %w", addr, err)
	}
	if err := t.host.Connect(ctx, *pi); err != nil {
		return fmt.Errorf("clawnet: connect %s: %w", addr, err)
	}
	id := PeerID(pi.ID.String())
	t.peerLock.Lock()
	t.peers[id] = &PeerInfo{ID: id, Addr: addr}
	t.peerLock.Unlock()
	t.kad.AddPeer(NodeIDFromPeer(id))
	return nil
}

func (t *libp2pTransport) Publish(topic string, data []byte) error {
	t.topicLock.Lock()
	top, ok := t.topics[topic]
	if !ok {
		var err error
		top, err = t.pubsub.Join(topic)
		if err != nil {
			t.topicLock.Unlock()
			return fmt.Errorf("clawnet: join topic %s: %w", topic, err)
		}
		t.topics[topic] = top
	}
	t.topicLock.Unlock()
	if err := top.Publish(t.ctx, data); err != nil {
		return fmt.Errorf("clawnet: publish topic %s: %w", topic, err)
	}
	return nil
}

func (t *libp2pTransport) Subscribe(topic string) (<-chan GossipMessage, error) {
	t.topicLock.Lock()
	top, ok := t.topics[topic]
	if !ok {
		var err error
		top, err = t.pubsub.Join(topic)
		if err != nil {
			t.topicLock.Unlock()
			return nil, fmt.Errorf("clawnet: join topic %s: %w", topic, err)
		}
		t.topics[topic] = top
	}
	sub, ok := t.subs[topic]
	if !ok {
		var err error
		sub, err = top.Subscribe()
		if err != nil {
			t.topicLock.Unlock()
			return nil, fmt.Errorf("clawnet: subscribe topic %s: %w", topic, err)
		}
		t.subs[topic] = sub
	}
	t.topicLock.Unlock()

	out := make(chan GossipMessage, 64)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(t.ctx)
			if err != nil {
				return
			}
			if msg.ReceivedFrom == t.host.ID() {
				continue
			}
			out <- GossipMessage{From: PeerID(msg.GetFrom().String()), Topic: topic, Data: msg.Data}
		}
	}()
	return out, nil
}

func (t *libp2pTransport) Peers() []PeerInfo {
	t.peerLock.RLock()
	defer t.peerLock.RUnlock()
	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	return out
}

func (t *libp2pTransport) Handle(protoID string, h RPCHandler) {
	t.handlerLock.Lock()
	t.handlers[protoID] = h
	t.handlerLock.Unlock()
	t.host.SetStreamHandler(protocolID(protoID), t.streamHandler(protoID, h))
}

func (t *libp2pTransport) RPC(ctx context.Context, p PeerID, protoID string, req []byte) ([]byte, error) {
	pid, err := parsePeerID(p)
	if err != nil {
		return nil, err
	}
	s, err := t.host.NewStream(ctx, pid, protocolID(protoID))
	if err != nil {
		return nil, fmt.Errorf("clawnet: open stream %s to %s: %w", protoID, p, err)
	}
	defer s.Close()
	if err := writeFrame(s, req); err != nil {
		return nil, err
	}
	return readFrame(s)
}

func (t *libp2pTransport) Close() error {
	logrus.Info("clawnet transport shutting down")
	if t.nat != nil {
		_ = t.nat.Unmap()
	}
	return t.host.Close()
}

var _ Transport = (*libp2pTransport)(nil)
