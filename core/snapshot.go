package core

// Snapshot store and scheduler (spec §3.6, §4.6): periodic, co-signed
// summaries of derived wallet/escrow state, used to bootstrap new peers
// without replaying the full event log.

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSnapshotMaxEvents = 10_000
	defaultSnapshotMaxAgeMs  = 60 * 60 * 1000
)

// SnapshotSignature is one co-signer's attestation over a snapshot's
// content hash.
type SnapshotSignature struct {
	Signer string  `json:"signer"` // DID for Ed25519, hex BLS pubkey for BLS
	Algo   KeyAlgo `json:"algo"`
	Sig    string  `json:"sig"` // base58btc
}

// Snapshot is a signed, replayable summary of derived state as of a
// specific envelope hash (spec §3.6).
type Snapshot struct {
	At          string              `json:"at"`
	CreatedAt   int64               `json:"createdAt"`
	State       json.RawMessage     `json:"state"`
	IssuerHeads map[string]uint64   `json:"issuerHeads,omitempty"`
	Signatures  []SnapshotSignature `json:"signatures,omitempty"`
}

const snapshotDomain = "clawtoken:snapshot:v1:"

type unsignedSnapshotView struct {
	At          string            `json:"at"`
	CreatedAt   int64             `json:"createdAt"`
	State       json.RawMessage   `json:"state"`
	IssuerHeads map[string]uint64 `json:"issuerHeads,omitempty"`
}

func (s *Snapshot) unsigned() unsignedSnapshotView {
	return unsignedSnapshotView{At: s.At, CreatedAt: s.CreatedAt, State: s.State, IssuerHeads: s.IssuerHeads}
}

// ContentHash computes the hex SHA-256 content hash of the snapshot,
// excluding signatures.
func (s *Snapshot) ContentHash() (string, error) {
	canon, err := CanonicalJSON(s.unsigned())
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func (s *Snapshot) signingDigest() ([]byte, error) {
	digest, err := domainSign(snapshotDomain, s.unsigned())
	if err != nil {
		return nil, err
	}
	return digest, nil
}

// BuildSnapshot serializes state into a fresh, unsigned snapshot anchored
// at the given head hash. issuerHeads records each issuer's last nonce
// folded into state, so a bootstrapping peer knows where to resume range
// sync for the post-snapshot tail (spec §4.9 acceptance condition iii).
func BuildSnapshot(at string, createdAt int64, state *State, issuerHeads map[string]uint64) (*Snapshot, error) {
	raw, err := CanonicalJSON(state)
	if err != nil {
		return nil, err
	}
	return &Snapshot{At: at, CreatedAt: createdAt, State: raw, IssuerHeads: issuerHeads}, nil
}

// SignEd25519 appends an Ed25519 co-signature from signerDID to the
// snapshot.
func (s *Snapshot) SignEd25519(signerDID string, sk ed25519.PrivateKey) (SnapshotSignature, error) {
	digest, err := s.signingDigest()
	if err != nil {
		return SnapshotSignature{}, err
	}
	raw, err := Sign(AlgoEd25519, sk, digest)
	if err != nil {
		return SnapshotSignature{}, err
	}
	sig := SnapshotSignature{Signer: signerDID, Algo: AlgoEd25519, Sig: EncodeSignature(raw)}
	s.Signatures = append(s.Signatures, sig)
	return sig, nil
}

// VerifySignature checks one co-signature against the snapshot's signing
// digest, resolving the signer's public key per the signature's algorithm.
func (s *Snapshot) VerifySignature(sig SnapshotSignature) error {
	digest, err := s.signingDigest()
	if err != nil {
		return err
	}
	raw, err := DecodeSignature(sig.Sig)
	if err != nil {
		return err
	}
	switch sig.Algo {
	case AlgoEd25519:
		pub, err := PublicKeyFromDID(sig.Signer)
		if err != nil {
			return err
		}
		ok, err := Verify(AlgoEd25519, pub, digest, raw)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBadSignature
		}
	case AlgoBLS:
		pub, err := DecodeSignature(sig.Signer)
		if err != nil {
			return err
		}
		ok, err := Verify(AlgoBLS, pub, digest, raw)
		if err != nil {
			return err
		}
		if !ok {
			return ErrBadSignature
		}
	default:
		return fmt.Errorf("clawnet: unknown signature algo %d", sig.Algo)
	}
	return nil
}

// EligibleForBootstrap reports whether the snapshot carries at least min
// valid signatures from distinct signers (spec §3.6). When every
// co-signature uses AlgoBLS, the check collapses into a single aggregate
// pairing check instead of verifying each signature individually.
func (s *Snapshot) EligibleForBootstrap(min int) bool {
	if min <= 0 {
		return true
	}
	if ok, handled := s.eligibleByAggregateBLS(min); handled {
		return ok
	}
	distinct := make(map[string]bool)
	for _, sig := range s.Signatures {
		if s.VerifySignature(sig) != nil {
			continue
		}
		distinct[sig.Signer] = true
	}
	return len(distinct) >= min
}

// eligibleByAggregateBLS reports (ok, true) when every co-signature is BLS
// and the aggregate pairing check was performed, or (false, false) when the
// signature set is mixed/empty and the caller should fall back to
// per-signature verification.
func (s *Snapshot) eligibleByAggregateBLS(min int) (ok bool, handled bool) {
	if len(s.Signatures) == 0 {
		return false, false
	}
	bySigner := make(map[string]SnapshotSignature, len(s.Signatures))
	for _, sig := range s.Signatures {
		if sig.Algo != AlgoBLS {
			return false, false
		}
		bySigner[sig.Signer] = sig
	}
	if len(bySigner) < min {
		return false, true
	}
	digest, err := s.signingDigest()
	if err != nil {
		return false, true
	}
	sigs := make([][]byte, 0, len(bySigner))
	pubs := make([][]byte, 0, len(bySigner))
	for signer, sig := range bySigner {
		rawSig, err := DecodeSignature(sig.Sig)
		if err != nil {
			return false, true
		}
		pub, err := DecodeSignature(signer)
		if err != nil {
			return false, true
		}
		sigs = append(sigs, rawSig)
		pubs = append(pubs, pub)
	}
	aggSig, err := AggregateBLSSigs(sigs)
	if err != nil {
		return false, true
	}
	aggPub, err := AggregateBLSPubkeys(pubs)
	if err != nil {
		return false, true
	}
	valid, err := VerifyAggregated(aggSig, aggPub, digest)
	if err != nil {
		return false, true
	}
	return valid, true
}

// SnapshotScheduler decides when a new snapshot should be created and
// persists the result through a SnapshotStore (spec §4.6).
type SnapshotScheduler struct {
	mu         sync.Mutex
	store      *EventStore
	snapshots  Store
	maxEvents  uint64
	maxAgeMs   int64
	startedAt  int64
	log        *zap.SugaredLogger
	lastAt     string
	lastHash   string
	lastSeq    uint64
	lastTimeMs int64

	// OnCreated, if set, fires after each successful CreateSnapshot (e.g.
	// for metrics reporting).
	OnCreated func(*Snapshot)
}

// NewSnapshotScheduler constructs a scheduler over an event store and a
// dedicated key-value store for snapshot bytes, keyed by content hash.
func NewSnapshotScheduler(store *EventStore, snapshots Store, maxEvents uint64, maxAgeMs int64, startedAtMs int64, log *zap.SugaredLogger) *SnapshotScheduler {
	if maxEvents == 0 {
		maxEvents = defaultSnapshotMaxEvents
	}
	if maxAgeMs == 0 {
		maxAgeMs = defaultSnapshotMaxAgeMs
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SnapshotScheduler{
		store: store, snapshots: snapshots, maxEvents: maxEvents, maxAgeMs: maxAgeMs,
		startedAt: startedAtMs, log: log, lastTimeMs: startedAtMs,
	}
}

// Due reports whether a new snapshot should be created given the current
// log length and wall-clock time.
func (sc *SnapshotScheduler) Due(logLength uint64, nowMs int64) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if logLength-sc.lastSeq >= sc.maxEvents {
		return true
	}
	return nowMs-sc.lastTimeMs >= sc.maxAgeMs
}

// CreateSnapshot replays the full log through the reducer and persists the
// resulting snapshot keyed by its head hash.
func (sc *SnapshotScheduler) CreateSnapshot(nowMs int64) (*Snapshot, error) {
	length, err := sc.store.GetLogLength()
	if err != nil {
		return nil, err
	}
	var envs []*Envelope
	var head string
	issuerHeads := make(map[string]uint64)
	for seq := uint64(1); seq <= length; seq++ {
		env, err := sc.store.GetEnvelope(seq)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
		head = env.Hash
		issuerHeads[env.Issuer] = env.Nonce
	}
	state, err := Reduce(envs)
	if err != nil {
		return nil, err
	}
	snap, err := BuildSnapshot(head, nowMs, state, issuerHeads)
	if err != nil {
		return nil, err
	}
	raw, err := CanonicalJSON(snap)
	if err != nil {
		return nil, err
	}
	hash, err := snap.ContentHash()
	if err != nil {
		return nil, err
	}
	if err := sc.snapshots.Put([]byte("snapshot/"+hash), raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	sc.mu.Lock()
	sc.lastAt = head
	sc.lastHash = hash
	sc.lastSeq = length
	sc.lastTimeMs = nowMs
	sc.mu.Unlock()

	sc.log.Infow("snapshot created", "at", head, "seq", length, "hash", hash)
	if sc.OnCreated != nil {
		sc.OnCreated(snap)
	}
	return snap, nil
}

// LoadSnapshot reads a previously persisted snapshot by content hash.
func (sc *SnapshotScheduler) LoadSnapshot(hash string) (*Snapshot, error) {
	raw, err := sc.snapshots.Get([]byte("snapshot/" + hash))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return &snap, nil
}

// Run drives the scheduler on a ticker until ctx is done, creating
// snapshots as they become due. Intended to run as the node's single
// snapshot-writer task (spec: "the snapshot store is single-writer").
func (sc *SnapshotScheduler) Run(stop <-chan struct{}, intervalMs int64, nowFn func() int64) {
	if intervalMs <= 0 {
		intervalMs = 300_000
	}
	t := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			now := nowFn()
			length, err := sc.store.GetLogLength()
			if err != nil {
				sc.log.Errorw("snapshot scheduler: log length", "err", err)
				continue
			}
			if sc.Due(length, now) {
				if _, err := sc.CreateSnapshot(now); err != nil {
					sc.log.Errorw("snapshot scheduler: create", "err", err)
				}
			}
		}
	}
}
