package core

// Event envelope: the canonical, content-addressed, signed unit of
// dissemination (spec §3.1, §4.2).

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
)

const envelopeDomain = "clawtoken:event:v1:"

const CurrentEnvelopeVersion = 1

var typePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z0-9]+)+$`)

// Envelope is the wire and storage representation of an event. Field order
// here is cosmetic; canonicalization always re-sorts keys.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	Issuer  string          `json:"issuer"`
	Ts      int64           `json:"ts"`
	Nonce   uint64          `json:"nonce"`
	Payload json.RawMessage `json:"payload"`
	Prev    string          `json:"prev,omitempty"`
	Sig     string          `json:"sig,omitempty"`
	Hash    string          `json:"hash,omitempty"`
}

// unsignedView is the JSON shape used for canonicalization: identical to
// Envelope but always omitting sig/hash, regardless of their zero value, so
// the signing/hashing bytes never vary with a stray empty string.
type unsignedView struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	Issuer  string          `json:"issuer"`
	Ts      int64           `json:"ts"`
	Nonce   uint64          `json:"nonce"`
	Payload json.RawMessage `json:"payload"`
	Prev    string          `json:"prev,omitempty"`
}

func (e *Envelope) unsigned() unsignedView {
	return unsignedView{
		V: e.V, Type: e.Type, Issuer: e.Issuer, Ts: e.Ts,
		Nonce: e.Nonce, Payload: e.Payload, Prev: e.Prev,
	}
}

// BuildEnvelope assembles (but does not sign) a new event envelope.
func BuildEnvelope(issuer, evtType string, payload interface{}, nonce uint64, ts int64, prev string) (*Envelope, error) {
	if nonce < 1 {
		return nil, fmt.Errorf("clawnet: nonce must be >= 1")
	}
	if !typePattern.MatchString(evtType) {
		return nil, fmt.Errorf("clawnet: invalid event type %q", evtType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanonicalization, err)
	}
	var probe map[string]interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("clawnet: payload must be a JSON object: %w", err)
	}
	return &Envelope{
		V: CurrentEnvelopeVersion, Type: evtType, Issuer: issuer,
		Ts: ts, Nonce: nonce, Payload: raw, Prev: prev,
	}, nil
}

// contentHash computes the hex SHA-256 of the JCS bytes of the envelope
// excluding sig/hash (spec §3.1 "Content addressing").
func (e *Envelope) contentHash() (string, error) {
	canon, err := CanonicalJSON(e.unsigned())
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:]), nil
}

// signingDigest computes SHA256(domain || JCS(envelope\{sig,hash})) (spec
// §3.1 "Signing").
func (e *Envelope) signingDigest() ([32]byte, error) {
	canon, err := CanonicalJSON(e.unsigned())
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(append([]byte(envelopeDomain), canon...)), nil
}

// Sign computes hash and sig for an unsigned envelope and returns a new,
// signed copy. Both fields must be empty on the input envelope.
func (e *Envelope) Sign(sk ed25519.PrivateKey) (*Envelope, error) {
	if e.Sig != "" || e.Hash != "" {
		return nil, fmt.Errorf("clawnet: envelope already signed")
	}
	hash, err := e.contentHash()
	if err != nil {
		return nil, err
	}
	digest, err := e.signingDigest()
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(sk, digest[:])

	signed := *e
	signed.Hash = hash
	signed.Sig = EncodeSignature(sig)
	return &signed, nil
}

// Verify recomputes the content hash and checks the signature against the
// public key embedded in Issuer. Returns (nil) on success, or one of
// ErrBadSignature, ErrHashMismatch, ErrMalformedDid.
func (e *Envelope) Verify() error {
	if e.Sig == "" || e.Hash == "" {
		return fmt.Errorf("%w: missing sig/hash", ErrBadSignature)
	}
	wantHash, err := e.contentHash()
	if err != nil {
		return err
	}
	if wantHash != e.Hash {
		return ErrHashMismatch
	}
	pub, err := PublicKeyFromDID(e.Issuer)
	if err != nil {
		return err
	}
	digest, err := e.signingDigest()
	if err != nil {
		return err
	}
	sig, err := DecodeSignature(e.Sig)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, digest[:], sig) {
		return ErrBadSignature
	}
	return nil
}

// EncodeEnvelope serializes an envelope to canonical bytes for wire
// transmission (pub/sub payloads are raw canonical envelope bytes, §6).
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return CanonicalJSON(e)
}

// DecodeEnvelope parses wire bytes into an Envelope. Round-tripping through
// Encode/Decode must preserve Hash (spec P6).
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCanonicalization, err)
	}
	return &e, nil
}

// resourceEnvelope is the minimal shape payloads carry when they mutate a
// resource: the kind/id identify the resource, resourcePrev is the
// optimistic-concurrency guard (spec §3.2).
type resourcePayload struct {
	ResourceKind string `json:"resourceKind,omitempty"`
	ResourceID   string `json:"resourceId,omitempty"`
	ResourcePrev string `json:"resourcePrev,omitempty"`
}

// Resource extracts (kind, id, resourcePrev, ok) from the envelope payload,
// if present. ok is false for events that don't touch a resource.
func (e *Envelope) Resource() (kind, id, resourcePrev string, ok bool) {
	var rp resourcePayload
	if err := json.Unmarshal(e.Payload, &rp); err != nil {
		return "", "", "", false
	}
	if rp.ResourceKind == "" || rp.ResourceID == "" {
		return "", "", "", false
	}
	return rp.ResourceKind, rp.ResourceID, rp.ResourcePrev, true
}
