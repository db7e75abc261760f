package core

import (
	"context"
	"testing"
	"time"
)

func newInMemoryNode(t *testing.T, transport Transport) *Node {
	t.Helper()
	cfg := NodeConfig{
		InMemory:         true,
		SkipInitialRange: true,
		SkipInitialSnap:  true,
	}
	n, err := NewNode(cfg, transport, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return n
}

func TestNodePublishEventAppliesToState(t *testing.T) {
	node := newInMemoryNode(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer node.Stop()

	pub, sk, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	addr, err := AddressFromDID(did)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	env, err := BuildEnvelope(did, "wallet.mint", map[string]string{"to": addr, "amount": "100"}, 1, 1000, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	signed, err := env.Sign(sk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := node.PublishEvent(signed); err != nil {
		t.Fatalf("publish: %v", err)
	}

	state := node.State()
	if state.Balances[addr] == nil || state.Balances[addr].Available != "100" {
		t.Fatalf("expected minted balance to be reflected in node state, got %+v", state.Balances[addr])
	}
}

func TestNodePublishEventRejectsDoubleSpendAtSameNonce(t *testing.T) {
	node := newInMemoryNode(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer node.Stop()

	pub, sk, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	addr, err := AddressFromDID(did)
	if err != nil {
		t.Fatalf("address: %v", err)
	}

	mintEnv, err := BuildEnvelope(did, "wallet.mint", map[string]string{"to": addr, "amount": "100"}, 1, 1000, "")
	if err != nil {
		t.Fatalf("build mint: %v", err)
	}
	signedMint, err := mintEnv.Sign(sk)
	if err != nil {
		t.Fatalf("sign mint: %v", err)
	}
	if _, err := node.PublishEvent(signedMint); err != nil {
		t.Fatalf("publish mint: %v", err)
	}

	firstSpend, err := BuildEnvelope(did, "wallet.transfer", map[string]string{"to": "addrA", "amount": "60", "fee": "0"}, 2, 1001, signedMint.Hash)
	if err != nil {
		t.Fatalf("build first spend: %v", err)
	}
	signedFirst, err := firstSpend.Sign(sk)
	if err != nil {
		t.Fatalf("sign first spend: %v", err)
	}
	if _, err := node.PublishEvent(signedFirst); err != nil {
		t.Fatalf("publish first spend: %v", err)
	}

	// Attempt to spend the same funds again by reusing the same nonce,
	// addressed to a different recipient — a double-spend attempt.
	secondSpend, err := BuildEnvelope(did, "wallet.transfer", map[string]string{"to": "addrB", "amount": "60", "fee": "0"}, 2, 1002, signedMint.Hash)
	if err != nil {
		t.Fatalf("build second spend: %v", err)
	}
	signedSecond, err := secondSpend.Sign(sk)
	if err != nil {
		t.Fatalf("sign second spend: %v", err)
	}
	if _, err := node.PublishEvent(signedSecond); err == nil {
		t.Fatalf("expected double-spend at a reused nonce to be rejected")
	}

	state := node.State()
	if state.Balances["addrB"] != nil {
		t.Fatalf("expected the double-spend transfer to never apply, got balance %+v", state.Balances["addrB"])
	}
	if state.Balances["addrA"].Available != "60" {
		t.Fatalf("expected the first transfer's effect to remain, got %s", state.Balances["addrA"].Available)
	}
}

func TestNodeGossipPropagatesAcceptedEvents(t *testing.T) {
	net := NewMockNetwork()
	t1 := net.NewTransport(PeerID("node-1"))
	t2 := net.NewTransport(PeerID("node-2"))

	node1 := newInMemoryNode(t, t1)
	node2 := newInMemoryNode(t, t2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node1.Start(ctx); err != nil {
		t.Fatalf("start node1: %v", err)
	}
	defer node1.Stop()
	if err := node2.Start(ctx); err != nil {
		t.Fatalf("start node2: %v", err)
	}
	defer node2.Stop()

	pub, sk, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	addr, err := AddressFromDID(did)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	env, err := BuildEnvelope(did, "wallet.mint", map[string]string{"to": addr, "amount": "77"}, 1, 1000, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	signed, err := env.Sign(sk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := node1.PublishEvent(signed); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		state := node2.State()
		if state.Balances[addr] != nil && state.Balances[addr].Available == "77" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for gossiped event to reach node2's state")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNodeConsumeGossipSchedulesRangeSyncOnCausalGap(t *testing.T) {
	net := NewMockNetwork()
	t1 := net.NewTransport(PeerID("node-1"))

	node1 := newInMemoryNode(t, t1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node1.Start(ctx); err != nil {
		t.Fatalf("start node1: %v", err)
	}
	defer node1.Stop()

	pub, sk, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	addr, err := AddressFromDID(did)
	if err != nil {
		t.Fatalf("address: %v", err)
	}

	env1, err := BuildEnvelope(did, "wallet.mint", map[string]string{"to": addr, "amount": "10"}, 1, 1000, "")
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	signed1, err := env1.Sign(sk)
	if err != nil {
		t.Fatalf("sign 1: %v", err)
	}
	if _, err := node1.PublishEvent(signed1); err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	env2, err := BuildEnvelope(did, "wallet.mint", map[string]string{"to": addr, "amount": "20"}, 2, 1100, signed1.Hash)
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}
	signed2, err := env2.Sign(sk)
	if err != nil {
		t.Fatalf("sign 2: %v", err)
	}
	if _, err := node1.PublishEvent(signed2); err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	// node2 joins (and subscribes) only after nonces 1 and 2 have already
	// been gossiped, so the next event it sees arrives with a causal gap.
	t2 := net.NewTransport(PeerID("node-2"))
	node2 := newInMemoryNode(t, t2)
	if err := node2.Start(ctx); err != nil {
		t.Fatalf("start node2: %v", err)
	}
	defer node2.Stop()

	env3, err := BuildEnvelope(did, "wallet.mint", map[string]string{"to": addr, "amount": "30"}, 3, 1200, signed2.Hash)
	if err != nil {
		t.Fatalf("build 3: %v", err)
	}
	signed3, err := env3.Sign(sk)
	if err != nil {
		t.Fatalf("sign 3: %v", err)
	}
	if _, err := node1.PublishEvent(signed3); err != nil {
		t.Fatalf("publish 3: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		length, err := node2.EventStore().GetLogLength()
		if err != nil {
			t.Fatalf("log length: %v", err)
		}
		if length == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for gap-triggered range sync to backfill node2, got length %d", length)
		}
		time.Sleep(5 * time.Millisecond)
	}
	nonce, _, hasHead, err := node2.EventStore().IssuerHead(did)
	if err != nil {
		t.Fatalf("issuer head: %v", err)
	}
	if !hasHead || nonce != 3 {
		t.Fatalf("expected node2 to catch up to nonce 3, got nonce=%d hasHead=%v", nonce, hasHead)
	}
}

func TestNodeSnapshotBootstrapAcrossPeers(t *testing.T) {
	net := NewMockNetwork()
	t1 := net.NewTransport(PeerID("node-1"))
	t2 := net.NewTransport(PeerID("node-2"))

	node1 := newInMemoryNode(t, t1)
	node2 := newInMemoryNode(t, t2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node1.Start(ctx); err != nil {
		t.Fatalf("start node1: %v", err)
	}
	defer node1.Stop()
	if err := node2.Start(ctx); err != nil {
		t.Fatalf("start node2: %v", err)
	}
	defer node2.Stop()

	pub, sk, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	addr, err := AddressFromDID(did)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	env, err := BuildEnvelope(did, "wallet.mint", map[string]string{"to": addr, "amount": "500"}, 1, 1000, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	signed, err := env.Sign(sk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := node1.PublishEvent(signed); err != nil {
		t.Fatalf("publish: %v", err)
	}

	snap, err := node1.snapshots.CreateSnapshot(5000)
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	cosignerPub1, cosignerSK1, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate cosigner 1: %v", err)
	}
	cosignerDID1, err := DIDFromPublicKey(cosignerPub1)
	if err != nil {
		t.Fatalf("cosigner 1 did: %v", err)
	}
	if _, err := snap.SignEd25519(cosignerDID1, cosignerSK1); err != nil {
		t.Fatalf("sign snapshot 1: %v", err)
	}
	cosignerPub2, cosignerSK2, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate cosigner 2: %v", err)
	}
	cosignerDID2, err := DIDFromPublicKey(cosignerPub2)
	if err != nil {
		t.Fatalf("cosigner 2 did: %v", err)
	}
	if _, err := snap.SignEd25519(cosignerDID2, cosignerSK2); err != nil {
		t.Fatalf("sign snapshot 2: %v", err)
	}
	raw, err := CanonicalJSON(snap)
	if err != nil {
		t.Fatalf("canon: %v", err)
	}
	hash, err := snap.ContentHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := node1.store.Put([]byte("snapshot/"+hash), raw); err != nil {
		t.Fatalf("persist snapshot: %v", err)
	}

	node2.sync.minSigs = 2
	state, err := node2.sync.RequestSnapshotBootstrap(context.Background(), t1.Self(), Ticket{})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if state.Balances[addr] == nil || state.Balances[addr].Available != "500" {
		t.Fatalf("expected bootstrapped state to carry the minted balance, got %+v", state.Balances[addr])
	}
}

func TestNodeSnapshotBootstrapReplaysPostSnapshotTail(t *testing.T) {
	net := NewMockNetwork()
	t1 := net.NewTransport(PeerID("node-1"))
	t2 := net.NewTransport(PeerID("node-2"))

	node1 := newInMemoryNode(t, t1)
	node2 := newInMemoryNode(t, t2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node1.Start(ctx); err != nil {
		t.Fatalf("start node1: %v", err)
	}
	defer node1.Stop()
	if err := node2.Start(ctx); err != nil {
		t.Fatalf("start node2: %v", err)
	}
	defer node2.Stop()

	pub, sk, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	addr, err := AddressFromDID(did)
	if err != nil {
		t.Fatalf("address: %v", err)
	}

	env1, err := BuildEnvelope(did, "wallet.mint", map[string]string{"to": addr, "amount": "500"}, 1, 1000, "")
	if err != nil {
		t.Fatalf("build 1: %v", err)
	}
	signed1, err := env1.Sign(sk)
	if err != nil {
		t.Fatalf("sign 1: %v", err)
	}
	if _, err := node1.PublishEvent(signed1); err != nil {
		t.Fatalf("publish 1: %v", err)
	}

	// Snapshot is taken right after the first event; IssuerHeads records
	// nonce 1 as the last nonce folded in.
	snap, err := node1.snapshots.CreateSnapshot(5000)
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if snap.IssuerHeads[did] != 1 {
		t.Fatalf("expected snapshot to record issuer head 1, got %+v", snap.IssuerHeads)
	}

	cosignerPub1, cosignerSK1, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate cosigner 1: %v", err)
	}
	cosignerDID1, err := DIDFromPublicKey(cosignerPub1)
	if err != nil {
		t.Fatalf("cosigner 1 did: %v", err)
	}
	if _, err := snap.SignEd25519(cosignerDID1, cosignerSK1); err != nil {
		t.Fatalf("sign snapshot 1: %v", err)
	}
	cosignerPub2, cosignerSK2, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate cosigner 2: %v", err)
	}
	cosignerDID2, err := DIDFromPublicKey(cosignerPub2)
	if err != nil {
		t.Fatalf("cosigner 2 did: %v", err)
	}
	if _, err := snap.SignEd25519(cosignerDID2, cosignerSK2); err != nil {
		t.Fatalf("sign snapshot 2: %v", err)
	}
	raw, err := CanonicalJSON(snap)
	if err != nil {
		t.Fatalf("canon: %v", err)
	}
	hash, err := snap.ContentHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := node1.store.Put([]byte("snapshot/"+hash), raw); err != nil {
		t.Fatalf("persist snapshot: %v", err)
	}

	// A second event lands on node1 after the snapshot was taken. A node
	// bootstrapping from the snapshot must replay this tail to converge.
	env2, err := BuildEnvelope(did, "wallet.mint", map[string]string{"to": addr, "amount": "250"}, 2, 2000, signed1.Hash)
	if err != nil {
		t.Fatalf("build 2: %v", err)
	}
	signed2, err := env2.Sign(sk)
	if err != nil {
		t.Fatalf("sign 2: %v", err)
	}
	if _, err := node1.PublishEvent(signed2); err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	node2.sync.minSigs = 2
	state, err := node2.sync.RequestSnapshotBootstrap(context.Background(), t1.Self(), Ticket{})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if state.Balances[addr] == nil || state.Balances[addr].Available != "750" {
		t.Fatalf("expected bootstrapped state to include the post-snapshot tail, got %+v", state.Balances[addr])
	}
}
