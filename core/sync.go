package core

// Range and snapshot sync protocols (spec §4.9): request/response RPCs run
// over the transport's stream protocols, each gated by the configured
// Sybil policy.

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	protoRangeSync    = "range-sync"
	protoSnapshotSync = "snapshot-sync"

	defaultRangeChunkSize    = 256
	defaultRangeIntervalMs   = 30_000
	defaultSnapshotInterval  = 300_000
	defaultSyncRequestTimout = 10 * time.Second
)

// RangeRequest asks a peer for accepted events from one issuer's log.
// RequestID is a random correlation id for log tracing across the
// request/response round trip; it carries no protocol meaning.
type RangeRequest struct {
	Kind      string  `json:"kind"` // "range"
	RequestID string  `json:"requestId"`
	Issuer    string  `json:"issuer"`
	FromNonce uint64  `json:"from_nonce"`
	ToNonce   *uint64 `json:"to_nonce,omitempty"`
	Ticket    Ticket  `json:"ticket"`
}

// RangeResponse carries a bounded slice of canonical envelope bytes.
type RangeResponse struct {
	Events [][]byte `json:"events"`
}

// SnapshotRequest asks a peer for its latest eligible snapshot.
type SnapshotRequest struct {
	Kind      string `json:"kind"` // "snapshot"
	RequestID string `json:"requestId"`
	Ticket    Ticket `json:"ticket"`
}

// SnapshotResponse carries a snapshot and its co-signatures.
type SnapshotResponse struct {
	Snapshot   *Snapshot           `json:"snapshot"`
	Signatures []SnapshotSignature `json:"signatures"`
}

// SyncService wires the range/snapshot RPC handlers and client-side
// periodic triggers onto a Transport, EventStore and SnapshotScheduler.
type SyncService struct {
	transport Transport
	store     *EventStore
	snapshots *SnapshotScheduler
	policy    *SybilPolicy
	chunkSize int
	minSigs   int

	// OnRangeApplied, if set, fires with the count of events newly applied
	// by each successful RequestRange call (e.g. for metrics reporting).
	OnRangeApplied func(applied int)
}

// NewSyncService constructs the sync layer. chunkSize and minSnapshotSigs
// fall back to spec defaults when zero.
func NewSyncService(t Transport, store *EventStore, snaps *SnapshotScheduler, policy *SybilPolicy, chunkSize, minSnapshotSigs int) *SyncService {
	if chunkSize <= 0 {
		chunkSize = defaultRangeChunkSize
	}
	if policy == nil {
		policy = NewSybilPolicy(SybilNone)
	}
	return &SyncService{transport: t, store: store, snapshots: snaps, policy: policy, chunkSize: chunkSize, minSigs: minSnapshotSigs}
}

// RegisterHandlers installs the responder side of both protocols on the
// transport.
func (s *SyncService) RegisterHandlers(nowFn func() int64) {
	s.transport.Handle(protoRangeSync, func(ctx context.Context, from PeerID, req []byte) ([]byte, error) {
		return s.handleRange(from, req, nowFn())
	})
	s.transport.Handle(protoSnapshotSync, func(ctx context.Context, from PeerID, req []byte) ([]byte, error) {
		return s.handleSnapshot(from, req, nowFn())
	})
}

func (s *SyncService) handleRange(from PeerID, raw []byte, nowMs int64) ([]byte, error) {
	var req RangeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil // malformed request: silently drop, same posture as invalid ticket
	}
	if err := s.policy.VerifyTicket(string(from), req.Ticket, nowMs); err != nil {
		return nil, nil
	}
	envs, err := s.store.RangeByIssuer(req.Issuer)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for _, e := range envs {
		if e.Nonce < req.FromNonce {
			continue
		}
		if req.ToNonce != nil && e.Nonce > *req.ToNonce {
			break
		}
		raw, err := EncodeEnvelope(e)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
		if len(out) >= s.chunkSize {
			break
		}
	}
	return json.Marshal(RangeResponse{Events: out})
}

func (s *SyncService) handleSnapshot(from PeerID, raw []byte, nowMs int64) ([]byte, error) {
	var req SnapshotRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, nil
	}
	if err := s.policy.VerifyTicket(string(from), req.Ticket, nowMs); err != nil {
		return nil, nil
	}
	if s.snapshots == nil {
		return nil, fmt.Errorf("clawnet: node has no snapshot scheduler")
	}
	snap, err := s.snapshots.LoadSnapshot(s.snapshots.lastHash)
	if err != nil {
		return nil, err
	}
	return json.Marshal(SnapshotResponse{Snapshot: snap, Signatures: snap.Signatures})
}

// fetchRange performs one range RPC round trip and decodes+verifies the
// returned envelopes, without touching the local store. Shared by
// RequestRange (which appends results to the store) and
// RequestSnapshotBootstrap's post-snapshot tail replay (which applies
// results directly to an in-memory State instead).
func (s *SyncService) fetchRange(ctx context.Context, peer PeerID, issuer string, fromNonce uint64, ticket Ticket) ([]*Envelope, error) {
	req := RangeRequest{Kind: "range", RequestID: uuid.NewString(), Issuer: issuer, FromNonce: fromNonce, Ticket: ticket}
	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultSyncRequestTimout)
	defer cancel()
	respBytes, err := s.transport.RPC(ctx, peer, protoRangeSync, reqBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var resp RangeResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, err
	}
	envs := make([]*Envelope, 0, len(resp.Events))
	for _, raw := range resp.Events {
		env, err := DecodeEnvelope(raw)
		if err != nil {
			return nil, err
		}
		if err := env.Verify(); err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// RequestRange fetches and applies a nonce range from a peer's log, in
// order, via appendEvent (validate is the caller's reducer dry-run hook).
func (s *SyncService) RequestRange(ctx context.Context, peer PeerID, issuer string, fromNonce uint64, ticket Ticket, validate func(*Envelope) error) (int, error) {
	envs, err := s.fetchRange(ctx, peer, issuer, fromNonce, ticket)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, env := range envs {
		raw, err := EncodeEnvelope(env)
		if err != nil {
			return applied, err
		}
		ok, err := s.store.AppendEvent(raw, validate)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// RequestSnapshotBootstrap fetches a peer's snapshot, validates it against
// minSnapshotSignatures, then replays the post-snapshot tail from the same
// peer to reach live state (spec scenario 6).
//
// Acceptance is per spec §4.9: (i) the snapshot's content hash is
// self-consistent (recomputable, and the snapshot is cached locally keyed
// by it, mirroring how the scheduler persists its own snapshots); (ii) at
// least minSnapshotSignatures distinct signers verify; (iii) replaying the
// post-snapshot tail, per issuer, through the reducer does not diverge
// (each issuer's next events must continue its IssuerHeads nonce with no
// gap).
func (s *SyncService) RequestSnapshotBootstrap(ctx context.Context, peer PeerID, ticket Ticket) (*State, error) {
	reqBytes, err := json.Marshal(SnapshotRequest{Kind: "snapshot", RequestID: uuid.NewString(), Ticket: ticket})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, defaultSyncRequestTimout)
	defer cancel()
	respBytes, err := s.transport.RPC(ctx, peer, protoSnapshotSync, reqBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var resp SnapshotResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, err
	}
	if resp.Snapshot == nil {
		return nil, ErrSnapshotInsufficientSignatures
	}
	resp.Snapshot.Signatures = resp.Signatures

	hash, err := resp.Snapshot.ContentHash()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHashMismatch, err)
	}
	if s.snapshots != nil {
		if raw, err := CanonicalJSON(resp.Snapshot); err == nil {
			_ = s.snapshots.snapshots.Put([]byte("snapshot/"+hash), raw)
		}
	}

	if !resp.Snapshot.EligibleForBootstrap(s.minSigs) {
		return nil, ErrSnapshotInsufficientSignatures
	}
	var state State
	if err := json.Unmarshal(resp.Snapshot.State, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	for issuer, headNonce := range resp.Snapshot.IssuerHeads {
		expected := headNonce + 1
		for {
			envs, err := s.fetchRange(ctx, peer, issuer, expected, ticket)
			if err != nil {
				return nil, err
			}
			if len(envs) == 0 {
				break
			}
			for _, env := range envs {
				if env.Nonce != expected {
					return nil, fmt.Errorf("%w: issuer %s expected nonce %d, got %d", ErrSnapshotDivergence, issuer, expected, env.Nonce)
				}
				if err := state.Apply(env); err != nil {
					return nil, fmt.Errorf("%w: issuer %s nonce %d: %v", ErrSnapshotDivergence, issuer, env.Nonce, err)
				}
				expected++
			}
			if len(envs) < s.chunkSize {
				break
			}
		}
	}

	return &state, nil
}

// RunPeriodicRangeSync drives RequestRange against all connected peers on
// an interval until stop fires.
func (s *SyncService) RunPeriodicRangeSync(stop <-chan struct{}, intervalMs int64, issuers func() []string, ticketFn func() Ticket, validate func(*Envelope) error, log func(format string, args ...interface{})) {
	if intervalMs <= 0 {
		intervalMs = defaultRangeIntervalMs
	}
	t := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			for _, peer := range s.transport.Peers() {
				for _, issuer := range issuers() {
					nonce, _, _, err := s.store.IssuerHead(issuer)
					if err != nil {
						continue
					}
					applied, err := s.RequestRange(context.Background(), peer.ID, issuer, nonce+1, ticketFn(), validate)
					if err != nil {
						if log != nil {
							log("range sync from %s for %s failed: %v", peer.ID, issuer, err)
						}
						continue
					}
					if applied > 0 && s.OnRangeApplied != nil {
						s.OnRangeApplied(applied)
					}
				}
			}
		}
	}
}
