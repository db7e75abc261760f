package core

// Node composition (spec §4.11): owns the store, event store, reducer
// state, transport, sync service and snapshot scheduler, and drives their
// start/stop lifecycle. Adapted from the teacher's NewNode/Close pattern in
// core/network.go, generalized from "one libp2p host" to "the whole
// ClawNet stack".

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const eventsTopic = "clawnet/events/v1"
const currentSchemaVersion = 1
const schemaVersionKey = "meta/schemaversion"

// NodeConfig gathers everything Node.Start needs: storage location,
// transport settings, sync intervals and the Sybil policy.
type NodeConfig struct {
	DataDir  string
	InMemory bool // use MemStore instead of DiskStore, for tests

	Transport TransportConfig

	RangeIntervalMs    int64
	SnapshotIntervalMs int64
	SkipInitialRange   bool
	SkipInitialSnap    bool

	SnapshotMaxEvents uint64
	SnapshotMaxAgeMs  int64
	MinSnapshotSigs   int

	SybilPolicy *SybilPolicy

	Now func() int64 // injected clock, defaults to a monotonic ms counter
}

// Node is the running composition of the ClawNet engine's subsystems.
type Node struct {
	cfg NodeConfig
	log *zap.SugaredLogger

	store     Store
	events    *EventStore
	snapshots *SnapshotScheduler
	transport Transport
	gossip    *GossipService
	sync      *SyncService
	metrics   *Metrics

	stateMu sync.RWMutex
	state   *State

	stopCh    chan struct{}
	startedAt int64
}

// NewNode constructs a Node without starting any subsystem. transport may
// be nil, in which case an isolated MockTransport is created for tests.
func NewNode(cfg NodeConfig, transport Transport, log *zap.SugaredLogger) (*Node, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	var store Store
	var err error
	if cfg.InMemory {
		store = NewMemStore()
	} else {
		store, err = NewDiskStore("events", cfg.DataDir)
		if err != nil {
			return nil, err
		}
	}

	if transport == nil {
		net := NewMockNetwork()
		transport = net.NewTransport(PeerID(fmt.Sprintf("mock-%p", store)))
	}

	if cfg.SybilPolicy == nil {
		cfg.SybilPolicy = NewSybilPolicy(SybilNone)
	}
	if cfg.Now == nil {
		cfg.Now = defaultClock()
	}

	n := &Node{
		cfg: cfg, log: log, store: store,
		events:  NewEventStore(store, log),
		state:   NewState(),
		stopCh:  make(chan struct{}),
		metrics: NewMetrics(nil),
	}
	n.transport = transport
	return n, nil
}

func defaultClock() func() int64 {
	var mu sync.Mutex
	var t int64
	return func() int64 {
		mu.Lock()
		defer mu.Unlock()
		t += 10
		return t
	}
}

// migrate runs idempotent schema up-migrations gated by schemaVersionKey
// (spec §4.11 "a schemaVersion key gates each up-migration").
func (n *Node) migrate() error {
	v, err := n.store.Get([]byte(schemaVersionKey))
	current := 0
	if err == nil {
		current = int(binary.BigEndian.Uint32(v))
	} else if err != ErrNotFound {
		return err
	}
	for current < currentSchemaVersion {
		current++
		// No migrations exist yet beyond version 1's implicit empty schema;
		// future versions add steps here.
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(currentSchemaVersion))
	return n.store.Put([]byte(schemaVersionKey), buf)
}

// Start opens the store, migrates it, replays the existing log into
// reducer state, starts the transport, subscribes to the events topic, and
// launches the periodic sync timers. Resolves once at least one listen
// address is ready (i.e. once Transport.Start returns).
func (n *Node) Start(ctx context.Context) error {
	if err := n.migrate(); err != nil {
		return fmt.Errorf("clawnet: schema migration: %w", err)
	}

	length, err := n.events.GetLogLength()
	if err != nil {
		return err
	}
	var envs []*Envelope
	for seq := uint64(1); seq <= length; seq++ {
		env, err := n.events.GetEnvelope(seq)
		if err != nil {
			return err
		}
		envs = append(envs, env)
	}
	state, err := Reduce(envs)
	if err != nil {
		return fmt.Errorf("clawnet: replay: %w", err)
	}
	n.stateMu.Lock()
	n.state = state
	n.stateMu.Unlock()

	n.startedAt = n.cfg.Now()

	if err := n.transport.Start(ctx); err != nil {
		return fmt.Errorf("clawnet: transport start: %w", err)
	}

	n.snapshots = NewSnapshotScheduler(n.events, n.store, n.cfg.SnapshotMaxEvents, n.cfg.SnapshotMaxAgeMs, n.startedAt, n.log)
	n.snapshots.OnCreated = func(*Snapshot) { n.metrics.SnapshotsCreated.Inc() }
	n.sync = NewSyncService(n.transport, n.events, n.snapshots, n.cfg.SybilPolicy, 0, n.cfg.MinSnapshotSigs)
	n.sync.OnRangeApplied = func(applied int) { n.metrics.RangeSyncApplied.Add(float64(applied)) }
	n.sync.RegisterHandlers(n.cfg.Now)

	gossip, err := NewGossipService(n.transport, eventsTopic)
	if err != nil {
		return err
	}
	n.gossip = gossip

	msgs, err := n.gossip.Subscribe()
	if err != nil {
		return fmt.Errorf("clawnet: subscribe events topic: %w", err)
	}
	go n.consumeGossip(msgs)

	if !n.cfg.SkipInitialRange {
		go n.sync.RunPeriodicRangeSync(n.stopCh, n.cfg.RangeIntervalMs, n.knownIssuers, n.ticketForRequest, n.dryRunValidate, n.logf)
	}
	if !n.cfg.SkipInitialSnap {
		go n.snapshots.Run(n.stopCh, n.cfg.SnapshotIntervalMs, n.cfg.Now)
	}
	go n.reportPeerCount()

	n.log.Infow("node started", "peer", n.transport.Self(), "logLength", length)
	return nil
}

// Stop cancels timers, unsubscribes implicitly (by closing the transport),
// then closes the store.
func (n *Node) Stop() error {
	close(n.stopCh)
	if err := n.transport.Close(); err != nil {
		n.log.Warnw("transport close", "err", err)
	}
	return n.store.Close()
}

func (n *Node) logf(format string, args ...interface{}) {
	n.log.Warnf(format, args...)
}

func (n *Node) knownIssuers() []string {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	out := make([]string, 0, len(n.state.Balances))
	for addr := range n.state.Balances {
		out = append(out, addr)
	}
	return out
}

func (n *Node) ticketForRequest() Ticket {
	switch n.cfg.SybilPolicy.Kind {
	case SybilPow:
		expiresAt := n.cfg.Now() + defaultPowTicketTTLMs
		return MintProofOfWork(string(n.transport.Self()), expiresAt, n.cfg.SybilPolicy.MinPowDifficulty)
	default:
		return Ticket{}
	}
}

// dryRunValidate is the reducer dry-run hook passed into EventStore.AppendEvent:
// it clones current state, applies the candidate event, and discards the
// clone — only a successful Apply lets the event reach the store.
func (n *Node) dryRunValidate(env *Envelope) error {
	n.stateMu.RLock()
	clone := n.state.Clone()
	n.stateMu.RUnlock()
	return clone.Apply(env)
}

// commitApplied folds an accepted envelope into the live state, called
// after EventStore.AppendEvent has durably accepted it.
func (n *Node) commitApplied(env *Envelope) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	_ = n.state.Apply(env) // dryRunValidate already proved this succeeds
}

func (n *Node) consumeGossip(msgs <-chan GossipMessage) {
	for msg := range msgs {
		ok, err := n.events.AppendEvent(msg.Data, n.dryRunValidate)
		if err != nil {
			n.metrics.EventsRejected.WithLabelValues(CodeOf(err)).Inc()
			if isCausalGap(err) {
				n.log.Infow("gossip caused causal gap, scheduling range sync", "from", msg.From, "err", err)
				n.scheduleRangeSyncFromGap(msg)
			} else {
				n.log.Warnw("gossip event rejected", "from", msg.From, "err", err)
			}
			continue
		}
		if !ok {
			continue // duplicate, absorbed
		}
		n.metrics.EventsAccepted.Inc()
		if length, lerr := n.events.GetLogLength(); lerr == nil {
			n.metrics.LogLength.Set(float64(length))
		}
		env, decErr := DecodeEnvelope(msg.Data)
		if decErr == nil {
			n.commitApplied(env)
		}
	}
}

// scheduleRangeSyncFromGap fetches the missing tail of msg's issuer chain
// from the peer that sent it (spec §4.8 "the node schedules a range sync
// from the sender"; §4.9 lists gap detection as a trigger cadence distinct
// from the periodic timer). Runs asynchronously so the gossip consumer loop
// is never blocked on a sync RPC.
func (n *Node) scheduleRangeSyncFromGap(msg GossipMessage) {
	env, err := DecodeEnvelope(msg.Data)
	if err != nil {
		return
	}
	go func() {
		nonce, _, hasHead, err := n.events.IssuerHead(env.Issuer)
		if err != nil {
			n.logf("range sync after gap: issuer head lookup for %s failed: %v", env.Issuer, err)
			return
		}
		fromNonce := uint64(1)
		if hasHead {
			fromNonce = nonce + 1
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultSyncRequestTimout)
		defer cancel()
		applied, err := n.sync.RequestRange(ctx, msg.From, env.Issuer, fromNonce, n.ticketForRequest(), n.dryRunValidate)
		if err != nil {
			n.logf("range sync after gap from %s for %s failed: %v", msg.From, env.Issuer, err)
			return
		}
		if applied > 0 {
			n.metrics.RangeSyncApplied.Add(float64(applied))
		}
	}()
}

func (n *Node) reportPeerCount() {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-t.C:
			n.metrics.PeerCount.Set(float64(len(n.transport.Peers())))
		}
	}
}

func isCausalGap(err error) bool {
	return err != nil && (CodeOf(err) == "NonceGap" || CodeOf(err) == "ResourceConflict")
}

// PublishEvent validates an envelope by dry-run, appends it to the local
// store, and gossips it on success. Errors propagate without gossip (spec
// §4.11).
func (n *Node) PublishEvent(env *Envelope) (string, error) {
	raw, err := EncodeEnvelope(env)
	if err != nil {
		return "", err
	}
	ok, err := n.events.AppendEvent(raw, n.dryRunValidate)
	if err != nil {
		n.metrics.EventsRejected.WithLabelValues(CodeOf(err)).Inc()
		return "", err
	}
	if !ok {
		return env.Hash, ErrDuplicateEvent
	}
	n.metrics.EventsAccepted.Inc()
	n.commitApplied(env)
	if err := n.gossip.Publish(raw); err != nil {
		return env.Hash, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return env.Hash, nil
}

// State returns a defensive copy of the current derived wallet/escrow
// state.
func (n *Node) State() *State {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.state.Clone()
}

// Transport exposes the node's transport, e.g. for tests connecting two
// mock-backed nodes together.
func (n *Node) Transport() Transport { return n.transport }

// EventStore exposes the node's event store for direct queries (range
// listing, issuer heads) without duplicating accessor methods on Node.
func (n *Node) EventStore() *EventStore { return n.events }
