package core

import (
	"errors"
	"math/big"
	"testing"
)

func TestSybilPolicyNoneAlwaysAllows(t *testing.T) {
	p := NewSybilPolicy(SybilNone)
	if err := p.VerifyTicket("peer-1", Ticket{}, 0); err != nil {
		t.Fatalf("expected none policy to allow any ticket, got %v", err)
	}
}

func TestSybilPolicyAllowlist(t *testing.T) {
	p := NewSybilPolicy(SybilAllowlist)
	p.Allowlist["peer-1"] = true
	if err := p.VerifyTicket("peer-1", Ticket{}, 0); err != nil {
		t.Fatalf("expected allowlisted peer to pass, got %v", err)
	}
	if err := p.VerifyTicket("peer-2", Ticket{}, 0); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("expected ErrTicketInvalid for unlisted peer, got %v", err)
	}
}

func TestSybilPolicyPowMintAndVerify(t *testing.T) {
	p := NewSybilPolicy(SybilPow)
	p.MinPowDifficulty = 8
	peerID := "peer-pow-1"
	expiresAt := int64(10_000)
	ticket := MintProofOfWork(peerID, expiresAt, p.MinPowDifficulty)
	if err := p.VerifyTicket(peerID, ticket, 5_000); err != nil {
		t.Fatalf("expected minted pow ticket to verify, got %v", err)
	}
}

func TestSybilPolicyPowRejectsExpired(t *testing.T) {
	p := NewSybilPolicy(SybilPow)
	p.MinPowDifficulty = 4
	ticket := MintProofOfWork("peer-pow-2", 1000, p.MinPowDifficulty)
	if err := p.VerifyTicket("peer-pow-2", ticket, 2000); !errors.Is(err, ErrTicketExpired) {
		t.Fatalf("expected ErrTicketExpired, got %v", err)
	}
}

func TestSybilPolicyPowRejectsInsufficientDifficulty(t *testing.T) {
	p := NewSybilPolicy(SybilPow)
	p.MinPowDifficulty = 20
	ticket := Ticket{Nonce: "0", Difficulty: 4, ExpiresAt: 10_000}
	if err := p.VerifyTicket("peer-pow-3", ticket, 0); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("expected ErrTicketInvalid for below-minimum difficulty claim, got %v", err)
	}
}

func TestSybilPolicyStakeSignedTicket(t *testing.T) {
	pub, sk, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	p := NewSybilPolicy(SybilStake)
	p.StakeThreshold = big.NewInt(100)
	ticket, err := SignStakeTicket(did, sk, "500", 10_000)
	if err != nil {
		t.Fatalf("sign stake ticket: %v", err)
	}
	if err := p.VerifyTicket(did, ticket, 5_000); err != nil {
		t.Fatalf("expected stake ticket to verify, got %v", err)
	}
}

func TestSybilPolicyStakeRejectsBelowThreshold(t *testing.T) {
	pub, sk, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	p := NewSybilPolicy(SybilStake)
	p.StakeThreshold = big.NewInt(1000)
	ticket, err := SignStakeTicket(did, sk, "500", 10_000)
	if err != nil {
		t.Fatalf("sign stake ticket: %v", err)
	}
	if err := p.VerifyTicket(did, ticket, 5_000); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("expected ErrTicketInvalid for below-threshold stake, got %v", err)
	}
}

func TestSybilPolicyStakeRejectsForgedSignature(t *testing.T) {
	pub, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	_, otherSk, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate other: %v", err)
	}
	// Sign with a key that doesn't match the claimed signer DID.
	forged, err := SignStakeTicket(did, otherSk, "500", 10_000)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	p := NewSybilPolicy(SybilStake)
	p.StakeThreshold = big.NewInt(100)
	if err := p.VerifyTicket(did, forged, 5_000); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("expected ErrTicketInvalid for forged stake signature, got %v", err)
	}
}

type fakeStakeOracle struct {
	has bool
	err error
}

func (f fakeStakeOracle) HasStake(signer string, threshold *big.Int, nowMs int64) (bool, error) {
	return f.has, f.err
}

func TestSybilPolicyStakeConsultsOracle(t *testing.T) {
	pub, sk, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	ticket, err := SignStakeTicket(did, sk, "500", 10_000)
	if err != nil {
		t.Fatalf("sign stake ticket: %v", err)
	}
	p := NewSybilPolicy(SybilStake)
	p.StakeThreshold = big.NewInt(100)
	p.Oracle = fakeStakeOracle{has: false}
	if err := p.VerifyTicket(did, ticket, 5_000); !errors.Is(err, ErrTicketInvalid) {
		t.Fatalf("expected oracle rejection to surface as ErrTicketInvalid, got %v", err)
	}
	p.Oracle = fakeStakeOracle{has: true}
	if err := p.VerifyTicket(did, ticket, 5_000); err != nil {
		t.Fatalf("expected oracle approval to allow ticket, got %v", err)
	}
}
