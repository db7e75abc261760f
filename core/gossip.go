package core

// Gossip dissemination (spec §4.8): publishing serializes canonical bytes
// and publishes on the events topic; on reception, duplicates are dropped
// by content-addressed message id before ever reaching appendEvent. Real
// GossipSub already deduplicates by its own message-id rule, but the mock
// transport used in tests does not, so GossipService carries its own
// bounded LRU of seen ids to give both transports the same dedup posture.

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultGossipDedupSize = 8192

// msgID is the content address of a gossip payload (spec: "msgId =
// SHA256(data)").
func msgID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GossipService publishes and receives envelope bytes on a single topic,
// deduplicating by content-addressed message id.
type GossipService struct {
	transport Transport
	topic     string
	seen      *lru.Cache[string, struct{}]
}

// NewGossipService wraps transport for topic with a bounded dedup cache.
func NewGossipService(transport Transport, topic string) (*GossipService, error) {
	cache, err := lru.New[string, struct{}](defaultGossipDedupSize)
	if err != nil {
		return nil, fmt.Errorf("clawnet: gossip dedup cache: %w", err)
	}
	return &GossipService{transport: transport, topic: topic, seen: cache}, nil
}

// Publish marks data as seen (so an echo back to us is dropped) and
// publishes it on the topic.
func (g *GossipService) Publish(data []byte) error {
	g.seen.Add(msgID(data), struct{}{})
	return g.transport.Publish(g.topic, data)
}

// Subscribe returns a channel of newly-seen messages on the topic, with
// already-seen content-addressed payloads filtered out.
func (g *GossipService) Subscribe() (<-chan GossipMessage, error) {
	raw, err := g.transport.Subscribe(g.topic)
	if err != nil {
		return nil, err
	}
	out := make(chan GossipMessage, 64)
	go func() {
		defer close(out)
		for msg := range raw {
			id := msgID(msg.Data)
			if _, ok := g.seen.Get(id); ok {
				continue
			}
			g.seen.Add(id, struct{}{})
			out <- msg
		}
	}()
	return out, nil
}
