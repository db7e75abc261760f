package core

// Identity primitives: Ed25519 keypairs, ClawNet DIDs and wallet addresses.
//
// DID:     did:claw:<multibase-base58btc(ed25519 public key)>
// Address: "claw" + base58btc(0x00 || pk || SHA256(pk)[0:4])
//
// Mnemonic-based key derivation (BIP-39) is explicitly out of scope per the
// spec; callers obtain an ed25519.PrivateKey however they like (random,
// keystore, etc.) and hand it to Sign/NewDID.

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multibase"
)

const didPrefix = "did:claw:"
const addressHRP = "claw"

// GenerateKeypair returns a fresh random Ed25519 keypair.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("clawnet: generate keypair: %w", err)
	}
	return pub, priv, nil
}

// DIDFromPublicKey encodes an Ed25519 public key as a ClawNet DID.
func DIDFromPublicKey(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key must be %d bytes", ErrMalformedDid, ed25519.PublicKeySize)
	}
	enc, err := multibase.Encode(multibase.Base58BTC, pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedDid, err)
	}
	return didPrefix + enc, nil
}

// PublicKeyFromDID decodes the Ed25519 public key embedded in a DID.
func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didPrefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrMalformedDid, didPrefix)
	}
	_, data, err := multibase.Decode(strings.TrimPrefix(did, didPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDid, err)
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: decoded key has wrong length %d", ErrMalformedDid, len(data))
	}
	return ed25519.PublicKey(data), nil
}

// AddressFromPublicKey derives the wallet address for a public key.
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	payload := make([]byte, 0, 1+len(pub)+4)
	payload = append(payload, 0x00)
	payload = append(payload, pub...)
	payload = append(payload, sum[:4]...)
	return addressHRP + base58.Encode(payload)
}

// AddressFromDID derives the wallet address implied by a DID's public key.
func AddressFromDID(did string) (string, error) {
	pub, err := PublicKeyFromDID(did)
	if err != nil {
		return "", err
	}
	return AddressFromPublicKey(pub), nil
}

// domainSign computes SHA256(domain || JCS(v)) — the shared "hash the
// domain-prefixed canonical bytes, then sign the hash" construction used for
// both event envelopes (§3.1) and verifiable credentials (§3.5).
func domainSign(domain string, v interface{}) ([]byte, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(append([]byte(domain), canon...))
	return h[:], nil
}

// SignWithDomain signs v under the given domain-separation prefix.
func SignWithDomain(domain string, v interface{}, sk ed25519.PrivateKey) ([]byte, error) {
	digest, err := domainSign(domain, v)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(sk, digest), nil
}

// VerifyWithDomain verifies a signature produced by SignWithDomain.
func VerifyWithDomain(domain string, v interface{}, pub ed25519.PublicKey, sig []byte) (bool, error) {
	digest, err := domainSign(domain, v)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, digest, sig), nil
}

// EncodeSignature base58btc-encodes a raw signature for wire/storage use.
func EncodeSignature(sig []byte) string { return base58.Encode(sig) }

// DecodeSignature reverses EncodeSignature.
func DecodeSignature(s string) ([]byte, error) {
	sig, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return sig, nil
}
