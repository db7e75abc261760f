package core

// In-memory Transport for deterministic tests: several MockTransport
// instances sharing a MockNetwork behave like libp2p hosts connected by a
// full mesh, without sockets, TLS/noise handshakes or real gossip timing.

import (
	"context"
	"fmt"
	"sync"
)

// MockNetwork is the shared in-memory bus a set of MockTransport peers
// publish to and receive from.
type MockNetwork struct {
	mu    sync.Mutex
	peers map[PeerID]*MockTransport
}

// NewMockNetwork creates an empty in-memory network.
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{peers: make(map[PeerID]*MockTransport)}
}

// NewTransport registers and returns a new mock peer with the given id.
func (n *MockNetwork) NewTransport(id PeerID) *MockTransport {
	t := &MockTransport{
		id: id, net: n,
		subs:     make(map[string][]chan GossipMessage),
		handlers: make(map[string]RPCHandler),
	}
	n.mu.Lock()
	n.peers[id] = t
	n.mu.Unlock()
	return t
}

// MockTransport implements Transport over a MockNetwork.
type MockTransport struct {
	id  PeerID
	net *MockNetwork
	ctx context.Context

	mu       sync.Mutex
	subs     map[string][]chan GossipMessage
	handlers map[string]RPCHandler
}

func (t *MockTransport) Start(ctx context.Context) error {
	t.ctx = ctx
	return nil
}

func (t *MockTransport) Self() PeerID { return t.id }

func (t *MockTransport) Close() error {
	t.net.mu.Lock()
	delete(t.net.peers, t.id)
	t.net.mu.Unlock()
	return nil
}

func (t *MockTransport) Connect(ctx context.Context, addr string) error {
	t.net.mu.Lock()
	_, ok := t.net.peers[PeerID(addr)]
	t.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("clawnet: mock peer %s not found", addr)
	}
	return nil
}

func (t *MockTransport) Publish(topic string, data []byte) error {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	for id, peer := range t.net.peers {
		if id == t.id {
			continue
		}
		peer.deliver(GossipMessage{From: t.id, Topic: topic, Data: append([]byte(nil), data...)})
	}
	return nil
}

func (t *MockTransport) deliver(msg GossipMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs[msg.Topic] {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (t *MockTransport) Subscribe(topic string) (<-chan GossipMessage, error) {
	ch := make(chan GossipMessage, 64)
	t.mu.Lock()
	t.subs[topic] = append(t.subs[topic], ch)
	t.mu.Unlock()
	return ch, nil
}

func (t *MockTransport) Peers() []PeerInfo {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	out := make([]PeerInfo, 0, len(t.net.peers))
	for id := range t.net.peers {
		if id == t.id {
			continue
		}
		out = append(out, PeerInfo{ID: id, Addr: string(id)})
	}
	return out
}

func (t *MockTransport) Handle(protoID string, h RPCHandler) {
	t.mu.Lock()
	t.handlers[protoID] = h
	t.mu.Unlock()
}

func (t *MockTransport) RPC(ctx context.Context, target PeerID, protoID string, req []byte) ([]byte, error) {
	t.net.mu.Lock()
	peer, ok := t.net.peers[target]
	t.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("clawnet: mock peer %s not found", target)
	}
	peer.mu.Lock()
	h, ok := peer.handlers[protoID]
	peer.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("clawnet: mock peer %s has no handler for %s", target, protoID)
	}
	return h(ctx, t.id, req)
}

var _ Transport = (*MockTransport)(nil)
