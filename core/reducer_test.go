package core

import "testing"

func mustEnvelope(t *testing.T, did, evtType string, payload interface{}, nonce uint64) *Envelope {
	t.Helper()
	env, err := BuildEnvelope(did, evtType, payload, nonce, 1000+int64(nonce), "")
	if err != nil {
		t.Fatalf("build %s: %v", evtType, err)
	}
	return env
}

func TestApplyMintCreditsAvailable(t *testing.T) {
	s := NewState()
	env := mustEnvelope(t, "did:claw:issuer", "wallet.mint", map[string]string{"to": "addr1", "amount": "100"}, 1)
	if err := s.Apply(env); err != nil {
		t.Fatalf("apply: %v", err)
	}
	bal := s.Balances["addr1"]
	if bal == nil || bal.Available != "100" {
		t.Fatalf("expected addr1 available 100, got %+v", bal)
	}
}

func TestApplyTransferDebitsSenderCreditsRecipient(t *testing.T) {
	s := NewState()
	pub, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	sender, err := AddressFromDID(did)
	if err != nil {
		t.Fatalf("address: %v", err)
	}

	mintEnv := mustEnvelope(t, did, "wallet.mint", map[string]string{"to": sender, "amount": "100"}, 1)
	if err := s.Apply(mintEnv); err != nil {
		t.Fatalf("apply mint: %v", err)
	}

	transferEnv := mustEnvelope(t, did, "wallet.transfer", map[string]string{"to": "addr2", "amount": "30", "fee": "5"}, 2)
	if err := s.Apply(transferEnv); err != nil {
		t.Fatalf("apply transfer: %v", err)
	}

	if got := s.Balances[sender].Available; got != "65" {
		t.Fatalf("expected sender available 65 (100-30-5), got %s", got)
	}
	if got := s.Balances["addr2"].Available; got != "30" {
		t.Fatalf("expected recipient available 30, got %s", got)
	}
}

func TestApplyTransferRejectsOverdraft(t *testing.T) {
	s := NewState()
	pub, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	transferEnv := mustEnvelope(t, did, "wallet.transfer", map[string]string{"to": "addr2", "amount": "30", "fee": "5"}, 1)
	if err := s.Apply(transferEnv); err == nil {
		t.Fatalf("expected overdrawn transfer to be rejected")
	}
}

func TestEscrowHappyPathFundThenFullRelease(t *testing.T) {
	s := NewState()
	pub, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	depositor, err := AddressFromDID(did)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	beneficiary := "addrBeneficiary"

	mintEnv := mustEnvelope(t, did, "wallet.mint", map[string]string{"to": depositor, "amount": "100"}, 1)
	if err := s.Apply(mintEnv); err != nil {
		t.Fatalf("mint: %v", err)
	}

	createEnv := mustEnvelope(t, did, "wallet.escrow.create", map[string]interface{}{
		"resourceKind": "escrow", "resourceId": "esc-1",
		"depositor": depositor, "beneficiary": beneficiary,
	}, 2)
	if err := s.Apply(createEnv); err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Escrows["esc-1"].Status != EscrowPending {
		t.Fatalf("expected escrow pending after create, got %s", s.Escrows["esc-1"].Status)
	}

	fundEnv := mustEnvelope(t, did, "wallet.escrow.fund", map[string]interface{}{
		"resourceKind": "escrow", "resourceId": "esc-1", "resourcePrev": createEnv.Hash, "amount": "60",
	}, 3)
	if err := s.Apply(fundEnv); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if s.Escrows["esc-1"].Status != EscrowFunded {
		t.Fatalf("expected escrow funded, got %s", s.Escrows["esc-1"].Status)
	}
	if s.Balances[depositor].Available != "40" {
		t.Fatalf("expected depositor available 40 after funding 60 of 100, got %s", s.Balances[depositor].Available)
	}
	if s.Balances[depositor].LockedEscrow != "60" {
		t.Fatalf("expected depositor lockedEscrow 60, got %s", s.Balances[depositor].LockedEscrow)
	}

	releaseEnv := mustEnvelope(t, did, "wallet.escrow.release", map[string]interface{}{
		"resourceKind": "escrow", "resourceId": "esc-1", "resourcePrev": fundEnv.Hash, "amount": "60",
	}, 4)
	if err := s.Apply(releaseEnv); err != nil {
		t.Fatalf("release: %v", err)
	}
	esc := s.Escrows["esc-1"]
	if esc.Status != EscrowReleased {
		t.Fatalf("expected escrow released after full release, got %s", esc.Status)
	}
	if esc.Balance != "0" {
		t.Fatalf("expected escrow balance 0 after full release, got %s", esc.Balance)
	}
	if s.Balances[beneficiary].Available != "60" {
		t.Fatalf("expected beneficiary available 60, got %s", s.Balances[beneficiary].Available)
	}
	if s.Balances[depositor].LockedEscrow != "0" {
		t.Fatalf("expected depositor lockedEscrow drained to 0, got %s", s.Balances[depositor].LockedEscrow)
	}
}

func TestEscrowPartialRefundLeavesReleasingStatus(t *testing.T) {
	s := NewState()
	pub, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("did: %v", err)
	}
	depositor, err := AddressFromDID(did)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	beneficiary := "addrBeneficiary"

	mintEnv := mustEnvelope(t, did, "wallet.mint", map[string]string{"to": depositor, "amount": "100"}, 1)
	if err := s.Apply(mintEnv); err != nil {
		t.Fatalf("mint: %v", err)
	}
	createEnv := mustEnvelope(t, did, "wallet.escrow.create", map[string]interface{}{
		"resourceKind": "escrow", "resourceId": "esc-2",
		"depositor": depositor, "beneficiary": beneficiary,
	}, 2)
	if err := s.Apply(createEnv); err != nil {
		t.Fatalf("create: %v", err)
	}
	fundEnv := mustEnvelope(t, did, "wallet.escrow.fund", map[string]interface{}{
		"resourceKind": "escrow", "resourceId": "esc-2", "resourcePrev": createEnv.Hash, "amount": "80",
	}, 3)
	if err := s.Apply(fundEnv); err != nil {
		t.Fatalf("fund: %v", err)
	}

	// Refund only part of the escrowed amount: balance remains positive so
	// status stays "releasing" instead of moving to a terminal state.
	refundEnv := mustEnvelope(t, did, "wallet.escrow.refund", map[string]interface{}{
		"resourceKind": "escrow", "resourceId": "esc-2", "resourcePrev": fundEnv.Hash, "amount": "30",
	}, 4)
	if err := s.Apply(refundEnv); err != nil {
		t.Fatalf("refund: %v", err)
	}
	esc := s.Escrows["esc-2"]
	if esc.Status != EscrowReleasing {
		t.Fatalf("expected escrow releasing after partial refund, got %s", esc.Status)
	}
	if esc.Balance != "50" {
		t.Fatalf("expected escrow balance 50 after refunding 30 of 80, got %s", esc.Balance)
	}
	if s.Balances[depositor].Available != "50" {
		t.Fatalf("expected depositor available 20(initial)+30(refund)=50, got %s", s.Balances[depositor].Available)
	}
	if s.Balances[depositor].LockedEscrow != "50" {
		t.Fatalf("expected depositor lockedEscrow 50 remaining, got %s", s.Balances[depositor].LockedEscrow)
	}
}

func TestApplyEscrowFundRejectsUnknownEscrow(t *testing.T) {
	s := NewState()
	did := "did:claw:zzz"
	fundEnv := mustEnvelope(t, did, "wallet.escrow.fund", map[string]interface{}{
		"resourceKind": "escrow", "resourceId": "missing", "amount": "10",
	}, 1)
	if err := s.Apply(fundEnv); err == nil {
		t.Fatalf("expected error funding an unknown escrow")
	}
}

func TestApplyUnrecognizedTypeIsNoOp(t *testing.T) {
	s := NewState()
	env := mustEnvelope(t, "did:claw:zzz", "wallet.escrow.dispute", map[string]string{"resourceId": "esc-1"}, 1)
	before := s.Clone()
	if err := s.Apply(env); err != nil {
		t.Fatalf("expected unrecognized event type to be a no-op, got err: %v", err)
	}
	if len(s.Balances) != len(before.Balances) || len(s.Escrows) != len(before.Escrows) {
		t.Fatalf("expected state unchanged by unrecognized event type")
	}
}

func TestStateCloneIsIndependent(t *testing.T) {
	s := NewState()
	env := mustEnvelope(t, "did:claw:zzz", "wallet.mint", map[string]string{"to": "addr1", "amount": "10"}, 1)
	if err := s.Apply(env); err != nil {
		t.Fatalf("apply: %v", err)
	}
	clone := s.Clone()
	clone.Balances["addr1"].Available = "999"
	if s.Balances["addr1"].Available == "999" {
		t.Fatalf("expected clone mutation not to affect original state")
	}
}

func TestReduceReplaysInOrder(t *testing.T) {
	env1 := mustEnvelope(t, "did:claw:zzz", "wallet.mint", map[string]string{"to": "addr1", "amount": "10"}, 1)
	env2 := mustEnvelope(t, "did:claw:zzz", "wallet.mint", map[string]string{"to": "addr1", "amount": "5"}, 2)
	state, err := Reduce([]*Envelope{env1, env2})
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if state.Balances["addr1"].Available != "15" {
		t.Fatalf("expected 15 after replaying two mints, got %s", state.Balances["addr1"].Available)
	}
}
