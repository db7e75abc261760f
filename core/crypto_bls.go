package core

// Dual-algorithm signing for snapshot co-signatures (spec §3.6, §4.6):
// Ed25519 by default (same key as the signer's DID), or BLS12-381 for nodes
// that register a dedicated co-signing key, in which case signatures
// collapse into a single aggregate. Grounded in the teacher's
// core/security.go Sign/Verify/AggregateBLSSigs/VerifyAggregated.

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	bls "github.com/herumi/bls-eth-go-binary/bls"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Errorf("clawnet: bls init: %w", err))
	}
	if err := bls.SetETHmode(bls.EthModeDraft07); err != nil {
		panic(fmt.Errorf("clawnet: bls eth mode: %w", err))
	}
}

// KeyAlgo selects the signing scheme for a snapshot co-signature.
type KeyAlgo uint8

const (
	AlgoEd25519 KeyAlgo = iota
	AlgoBLS
)

// GenerateBLSKeypair returns a fresh BLS12-381 signing key, for nodes that
// opt into aggregate snapshot co-signing.
func GenerateBLSKeypair() (*bls.SecretKey, *bls.PublicKey) {
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	return &sk, sk.GetPublicKey()
}

// Sign signs msg with priv under algo. For AlgoEd25519 priv must be
// ed25519.PrivateKey; for AlgoBLS priv must be *bls.SecretKey.
func Sign(algo KeyAlgo, priv interface{}, msg []byte) ([]byte, error) {
	switch algo {
	case AlgoEd25519:
		sk, ok := priv.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("clawnet: sign: expected ed25519.PrivateKey")
		}
		return ed25519.Sign(sk, msg), nil
	case AlgoBLS:
		sk, ok := priv.(*bls.SecretKey)
		if !ok {
			return nil, errors.New("clawnet: sign: expected *bls.SecretKey")
		}
		sig := sk.SignByte(msg)
		return sig.Serialize(), nil
	default:
		return nil, fmt.Errorf("clawnet: unknown key algo %d", algo)
	}
}

// Verify checks sig over msg under algo. pub is ed25519.PublicKey for
// AlgoEd25519, or a serialized compressed BLS public key ([]byte) for
// AlgoBLS.
func Verify(algo KeyAlgo, pub interface{}, msg, sig []byte) (bool, error) {
	switch algo {
	case AlgoEd25519:
		pk, ok := pub.(ed25519.PublicKey)
		if !ok {
			return false, errors.New("clawnet: verify: expected ed25519.PublicKey")
		}
		return ed25519.Verify(pk, msg, sig), nil
	case AlgoBLS:
		raw, ok := pub.([]byte)
		if !ok {
			return false, errors.New("clawnet: verify: expected compressed BLS pubkey bytes")
		}
		var pk bls.PublicKey
		if err := pk.Deserialize(raw); err != nil {
			return false, err
		}
		var s bls.Sign
		if err := s.Deserialize(sig); err != nil {
			return false, err
		}
		return s.VerifyByte(&pk, msg), nil
	default:
		return false, fmt.Errorf("clawnet: unknown key algo %d", algo)
	}
}

// AggregateBLSSigs combines multiple compressed BLS signatures over
// (possibly distinct) messages signed by distinct keys into one compact
// signature (BLS aggregate signing).
func AggregateBLSSigs(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("clawnet: no signatures to aggregate")
	}
	var agg bls.Sign
	for i, raw := range sigs {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("clawnet: bls sig %d: %w", i, err)
		}
		if i == 0 {
			agg = s
		} else {
			agg.Add(&s)
		}
	}
	return agg.Serialize(), nil
}

// AggregateBLSPubkeys combines compressed BLS public keys for verifying an
// aggregate signature produced over a single shared message.
func AggregateBLSPubkeys(pubs [][]byte) ([]byte, error) {
	if len(pubs) == 0 {
		return nil, errors.New("clawnet: no public keys to aggregate")
	}
	var agg bls.PublicKey
	for i, raw := range pubs {
		var pk bls.PublicKey
		if err := pk.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("clawnet: bls pubkey %d: %w", i, err)
		}
		if i == 0 {
			agg = pk
		} else {
			agg.Add(&pk)
		}
	}
	return agg.Serialize(), nil
}

// VerifyAggregated verifies an aggregate BLS signature produced by signers
// who all signed the identical message.
func VerifyAggregated(aggSig, aggPub, msg []byte) (bool, error) {
	return Verify(AlgoBLS, aggPub, msg, aggSig)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}
