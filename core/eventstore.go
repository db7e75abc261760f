package core

// Append-only event store (spec §4.4): a sequential log plus hash, issuer
// and resource indices. The store is the single source of truth; state
// machines are pure folds applied in log order.

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const (
	prefixSeq          = "seq/"
	prefixHash         = "hash/"
	prefixIssuer       = "issuer/"
	prefixResource     = "resource/"
	prefixHeadIssuer   = "head/issuer/"
	prefixHeadResource = "head/resource/"
	keyLogLength       = "meta/loglength"
)

type issuerHead struct {
	Nonce uint64 `json:"nonce"`
	Hash  string `json:"hash"`
}

// EventStore is the append-only log of accepted event envelopes.
type EventStore struct {
	mu    sync.Mutex // single logical writer
	store Store
	log   *zap.SugaredLogger
}

func NewEventStore(store Store, log *zap.SugaredLogger) *EventStore {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &EventStore{store: store, log: log}
}

func seqKey(seq uint64) []byte {
	b := make([]byte, len(prefixSeq)+8)
	copy(b, prefixSeq)
	binary.BigEndian.PutUint64(b[len(prefixSeq):], seq)
	return b
}

func hashKey(hash string) []byte { return []byte(prefixHash + hash) }

func issuerHeadKey(did string) []byte { return []byte(prefixHeadIssuer + did) }

func issuerNonceKey(did string, nonce uint64) []byte {
	b := []byte(fmt.Sprintf("%s%s/", prefixIssuer, did))
	suffix := make([]byte, 8)
	binary.BigEndian.PutUint64(suffix, nonce)
	return append(b, suffix...)
}

func resourceHeadKey(kind, id string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixHeadResource, kind, id))
}

func resourceSeqKey(kind, id string, seq uint64) []byte {
	b := []byte(fmt.Sprintf("%s%s/%s/", prefixResource, kind, id))
	suffix := make([]byte, 8)
	binary.BigEndian.PutUint64(suffix, seq)
	return append(b, suffix...)
}

// GetLogLength returns the number of accepted events.
func (es *EventStore) GetLogLength() (uint64, error) {
	v, err := es.store.Get([]byte(keyLogLength))
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

// GetEventSeq returns the sequence number of an accepted event by hash.
func (es *EventStore) GetEventSeq(hash string) (uint64, error) {
	v, err := es.store.Get(hashKey(hash))
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

// GetEnvelope loads a decoded envelope by sequence number.
func (es *EventStore) GetEnvelope(seq uint64) (*Envelope, error) {
	raw, err := es.store.Get(seqKey(seq))
	if err != nil {
		return nil, err
	}
	return DecodeEnvelope(raw)
}

// IssuerHead returns the latest accepted (nonce, hash) for an issuer, or
// (0, "", false) if the issuer has no accepted events yet.
func (es *EventStore) IssuerHead(did string) (uint64, string, bool, error) {
	v, err := es.store.Get(issuerHeadKey(did))
	if err == ErrNotFound {
		return 0, "", false, nil
	}
	if err != nil {
		return 0, "", false, err
	}
	var h issuerHead
	if err := json.Unmarshal(v, &h); err != nil {
		return 0, "", false, fmt.Errorf("%w: corrupt issuer head: %v", ErrStoreIO, err)
	}
	return h.Nonce, h.Hash, true, nil
}

// ResourceHead returns the hash of the latest accepted mutation for a
// resource, or ("", false) if the resource has never been touched.
func (es *EventStore) ResourceHead(kind, id string) (string, bool, error) {
	v, err := es.store.Get(resourceHeadKey(kind, id))
	if err == ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(v), true, nil
}

// RangeByIssuer returns all accepted envelopes for an issuer, in nonce
// order.
func (es *EventStore) RangeByIssuer(did string) ([]*Envelope, error) {
	it, err := es.store.Range([]byte(fmt.Sprintf("%s%s/", prefixIssuer, did)), nil, nil, 0)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []*Envelope
	for it.Next() {
		seq, err := es.GetEventSeq(string(it.Value()))
		if err != nil {
			return nil, err
		}
		env, err := es.GetEnvelope(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, it.Error()
}

// RangeByResource returns all accepted envelopes touching a resource, in
// acceptance order.
func (es *EventStore) RangeByResource(kind, id string) ([]*Envelope, error) {
	it, err := es.store.Range([]byte(fmt.Sprintf("%s%s/%s/", prefixResource, kind, id)), nil, nil, 0)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []*Envelope
	for it.Next() {
		seq, err := es.GetEventSeq(string(it.Value()))
		if err != nil {
			return nil, err
		}
		env, err := es.GetEnvelope(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, it.Error()
}

// AppendEvent decodes and validates raw envelope bytes, invoking validate
// (typically the wallet/escrow reducer's dry-run) before committing.
// Returns (true, nil) if the event was newly accepted, (false, nil) if it
// was a duplicate (silently absorbed per spec §7), or (false, err) for any
// other rejection.
func (es *EventStore) AppendEvent(raw []byte, validate func(env *Envelope) error) (bool, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return false, err
	}

	if err := env.Verify(); err != nil {
		return false, err
	}

	es.mu.Lock()
	defer es.mu.Unlock()

	if _, err := es.store.Get(hashKey(env.Hash)); err == nil {
		return false, nil // duplicate, absorbed
	} else if err != ErrNotFound {
		return false, err
	}

	nonce, prevHash, hasHead, err := es.IssuerHead(env.Issuer)
	if err != nil {
		return false, err
	}
	if hasHead {
		if env.Nonce != nonce+1 {
			return false, fmt.Errorf("%w: issuer %s expected nonce %d got %d", ErrNonceGap, env.Issuer, nonce+1, env.Nonce)
		}
		if env.Prev != "" && env.Prev != prevHash {
			return false, fmt.Errorf("%w: issuer %s expected prev %s got %s", ErrPrevMismatch, env.Issuer, prevHash, env.Prev)
		}
	} else if env.Nonce != 1 {
		return false, fmt.Errorf("%w: issuer %s first event must have nonce 1", ErrNonceGap, env.Issuer)
	}

	kind, id, resourcePrev, hasResource := env.Resource()
	var resHead string
	var hasResHead bool
	if hasResource {
		resHead, hasResHead, err = es.ResourceHead(kind, id)
		if err != nil {
			return false, err
		}
		if hasResHead {
			if resourcePrev != resHead {
				return false, fmt.Errorf("%w: resource %s/%s expected prev %s got %s", ErrResourceConflict, kind, id, resHead, resourcePrev)
			}
		} else if resourcePrev != "" {
			return false, fmt.Errorf("%w: resource %s/%s has no prior history but resourcePrev set", ErrResourceConflict, kind, id)
		}
	}

	if validate != nil {
		if err := validate(env); err != nil {
			return false, err
		}
	}

	length, err := es.GetLogLength()
	if err != nil {
		return false, err
	}
	seq := length + 1 // 1-based sequence numbers

	ops := []BatchOp{
		{Kind: OpPut, Key: seqKey(seq), Value: raw},
		{Kind: OpPut, Key: hashKey(env.Hash), Value: seqBytes(seq)},
		{Kind: OpPut, Key: issuerNonceKey(env.Issuer, env.Nonce), Value: []byte(env.Hash)},
		{Kind: OpPut, Key: []byte(keyLogLength), Value: seqBytes(seq)},
	}
	headBytes, err := json.Marshal(issuerHead{Nonce: env.Nonce, Hash: env.Hash})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	ops = append(ops, BatchOp{Kind: OpPut, Key: issuerHeadKey(env.Issuer), Value: headBytes})

	if hasResource {
		ops = append(ops,
			BatchOp{Kind: OpPut, Key: resourceSeqKey(kind, id, seq), Value: []byte(env.Hash)},
			BatchOp{Kind: OpPut, Key: resourceHeadKey(kind, id), Value: []byte(env.Hash)},
		)
	}

	if err := es.store.Batch(ops); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	es.log.Debugw("event accepted", "type", env.Type, "issuer", env.Issuer, "nonce", env.Nonce, "hash", env.Hash, "seq", seq)
	return true, nil
}

func seqBytes(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
