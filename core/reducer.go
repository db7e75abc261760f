package core

// Wallet/Escrow state machine (spec §3.3, §3.4, §4.5): a pure fold over
// accepted events into wallet balances and escrow records. Unrecognized
// event types are forward-compatible no-ops (spec §9).

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Balance holds an address's wallet state. All fields are arbitrary
// precision non-negative decimal strings (spec §3.3); never fixed-width
// integers.
type Balance struct {
	Available        string `json:"available"`
	Pending          string `json:"pending"`
	LockedEscrow     string `json:"lockedEscrow"`
	LockedGovernance string `json:"lockedGovernance"`
}

func newBalance() *Balance {
	return &Balance{Available: zeroAmount, Pending: zeroAmount, LockedEscrow: zeroAmount, LockedGovernance: zeroAmount}
}

func (b *Balance) clone() *Balance {
	cp := *b
	return &cp
}

// ReleaseRule names a condition under which an escrow beneficiary may draw
// funds; the reducer only checks that a referenced rule id exists.
type ReleaseRule struct {
	ID string `json:"id"`
}

// EscrowStatus enumerates the escrow lifecycle (spec §3.4).
type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "pending"
	EscrowFunded    EscrowStatus = "funded"
	EscrowReleasing EscrowStatus = "releasing"
	EscrowReleased  EscrowStatus = "released"
	EscrowRefunded  EscrowStatus = "refunded"
	// EscrowDisputed is part of the declared status space but wallet.escrow.dispute
	// is not reduced (spec §9 open question); no code path produces it yet.
	EscrowDisputed EscrowStatus = "disputed"
)

// EscrowRecord is the derived state of one escrow resource.
type EscrowRecord struct {
	ID           string        `json:"id"`
	Depositor    string        `json:"depositor"`
	Beneficiary  string        `json:"beneficiary"`
	Balance      string        `json:"balance"`
	Status       EscrowStatus  `json:"status"`
	ExpiresAt    *int64        `json:"expiresAt,omitempty"`
	ReleaseRules []ReleaseRule `json:"releaseRules,omitempty"`
}

func (e *EscrowRecord) clone() *EscrowRecord {
	cp := *e
	cp.ReleaseRules = append([]ReleaseRule(nil), e.ReleaseRules...)
	return &cp
}

// State is the full derived wallet/escrow world state, as folded from the
// event log in store sequence order.
type State struct {
	Balances map[string]*Balance
	Escrows  map[string]*EscrowRecord
}

// NewState returns an empty world state.
func NewState() *State {
	return &State{Balances: make(map[string]*Balance), Escrows: make(map[string]*EscrowRecord)}
}

// Clone returns a deep copy, used to dry-run an event without mutating the
// committed state (spec §4.5 "reducer is invoked in a dry-run before
// commit").
func (s *State) Clone() *State {
	cp := NewState()
	for k, v := range s.Balances {
		cp.Balances[k] = v.clone()
	}
	for k, v := range s.Escrows {
		cp.Escrows[k] = v.clone()
	}
	return cp
}

func (s *State) balanceOf(addr string) *Balance {
	b, ok := s.Balances[addr]
	if !ok {
		b = newBalance()
		s.Balances[addr] = b
	}
	return b
}

// --- payload shapes -------------------------------------------------------

type mintPayload struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type transferPayload struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
	Fee    string `json:"fee"`
}

type escrowCreatePayload struct {
	ResourceID   string        `json:"resourceId"`
	Depositor    string        `json:"depositor"`
	Beneficiary  string        `json:"beneficiary"`
	ExpiresAt    *int64        `json:"expiresAt,omitempty"`
	ReleaseRules []ReleaseRule `json:"releaseRules,omitempty"`
}

type escrowAmountPayload struct {
	ResourceID   string `json:"resourceId"`
	Amount       string `json:"amount"`
	RuleID       string `json:"ruleId,omitempty"`
	ResourcePrev string `json:"resourcePrev,omitempty"`
}

// Apply folds a single envelope into the state in place. Recognized types:
// wallet.mint, wallet.transfer, wallet.escrow.{create,fund,release,refund}.
// Any other type — including wallet.stake, wallet.unstake,
// wallet.governance.*, wallet.escrow.dispute, and contract
// negotiation/dispute events — is accepted but left unreduced: it passes
// signature and causal checks and leaves state unchanged, forward-compatible
// with schemas that declare more event types than the reducer understands.
func (s *State) Apply(env *Envelope) error {
	switch env.Type {
	case "wallet.mint":
		return s.applyMint(env)
	case "wallet.transfer":
		return s.applyTransfer(env)
	case "wallet.escrow.create":
		return s.applyEscrowCreate(env)
	case "wallet.escrow.fund":
		return s.applyEscrowFund(env)
	case "wallet.escrow.release":
		return s.applyEscrowRelease(env)
	case "wallet.escrow.refund":
		return s.applyEscrowRefund(env)
	default:
		return nil
	}
}

func (s *State) applyMint(env *Envelope) error {
	var p mintPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("clawnet: wallet.mint payload: %v", err)
	}
	amt, err := ParseAmount(p.Amount)
	if err != nil {
		return err
	}
	bal := s.balanceOf(p.To)
	avail, _ := ParseAmount(bal.Available)
	bal.Available = FormatAmount(new(big.Int).Add(avail, amt))
	return nil
}

func (s *State) applyTransfer(env *Envelope) error {
	var p transferPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("clawnet: wallet.transfer payload: %v", err)
	}
	amt, err := ParseAmount(p.Amount)
	if err != nil {
		return err
	}
	fee, err := ParseAmount(p.Fee)
	if err != nil {
		return err
	}
	from, err := AddressFromDID(env.Issuer)
	if err != nil {
		return err
	}
	debit := new(big.Int).Add(amt, fee)

	senderBal := s.balanceOf(from)
	senderAvail, _ := ParseAmount(senderBal.Available)
	newSenderAvail := new(big.Int).Sub(senderAvail, debit)
	if newSenderAvail.Sign() < 0 {
		return fmt.Errorf("%w: %s available would go negative", ErrInvalidTransition, from)
	}
	senderBal.Available = FormatAmount(newSenderAvail)

	recvBal := s.balanceOf(p.To)
	recvAvail, _ := ParseAmount(recvBal.Available)
	recvBal.Available = FormatAmount(new(big.Int).Add(recvAvail, amt))
	// fee is burnt: no recipient credited (spec §9 open question)
	return nil
}

func (s *State) applyEscrowCreate(env *Envelope) error {
	var p escrowCreatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("clawnet: wallet.escrow.create payload: %v", err)
	}
	if _, exists := s.Escrows[p.ResourceID]; exists {
		return fmt.Errorf("%w: escrow %s already exists", ErrInvalidTransition, p.ResourceID)
	}
	s.Escrows[p.ResourceID] = &EscrowRecord{
		ID: p.ResourceID, Depositor: p.Depositor, Beneficiary: p.Beneficiary,
		Balance: zeroAmount, Status: EscrowPending, ExpiresAt: p.ExpiresAt,
		ReleaseRules: p.ReleaseRules,
	}
	return nil
}

func (s *State) getEscrow(id string) (*EscrowRecord, error) {
	e, ok := s.Escrows[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown escrow %s", ErrInvalidTransition, id)
	}
	return e, nil
}

func (s *State) applyEscrowFund(env *Envelope) error {
	var p escrowAmountPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("clawnet: wallet.escrow.fund payload: %v", err)
	}
	esc, err := s.getEscrow(p.ResourceID)
	if err != nil {
		return err
	}
	if esc.Status != EscrowPending && esc.Status != EscrowFunded {
		return fmt.Errorf("%w: escrow %s cannot be funded from status %s", ErrInvalidTransition, esc.ID, esc.Status)
	}
	amt, err := ParseAmount(p.Amount)
	if err != nil {
		return err
	}
	depBal := s.balanceOf(esc.Depositor)
	avail, _ := ParseAmount(depBal.Available)
	newAvail := new(big.Int).Sub(avail, amt)
	if newAvail.Sign() < 0 {
		return fmt.Errorf("%w: depositor %s available would go negative", ErrInvalidTransition, esc.Depositor)
	}
	depBal.Available = FormatAmount(newAvail)
	locked, _ := ParseAmount(depBal.LockedEscrow)
	depBal.LockedEscrow = FormatAmount(new(big.Int).Add(locked, amt))

	escBal, _ := ParseAmount(esc.Balance)
	esc.Balance = FormatAmount(new(big.Int).Add(escBal, amt))
	esc.Status = EscrowFunded
	return nil
}

func (s *State) applyEscrowRelease(env *Envelope) error {
	var p escrowAmountPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("clawnet: wallet.escrow.release payload: %v", err)
	}
	esc, err := s.getEscrow(p.ResourceID)
	if err != nil {
		return err
	}
	if esc.Status != EscrowFunded && esc.Status != EscrowReleasing {
		return fmt.Errorf("%w: escrow %s cannot be released from status %s", ErrInvalidTransition, esc.ID, esc.Status)
	}
	if p.RuleID != "" && !hasReleaseRule(esc.ReleaseRules, p.RuleID) {
		return fmt.Errorf("%w: escrow %s has no release rule %q", ErrInvalidTransition, esc.ID, p.RuleID)
	}
	amt, err := ParseAmount(p.Amount)
	if err != nil {
		return err
	}
	escBal, _ := ParseAmount(esc.Balance)
	newEscBal := new(big.Int).Sub(escBal, amt)
	if newEscBal.Sign() < 0 {
		return fmt.Errorf("%w: escrow %s balance would go negative", ErrInvalidTransition, esc.ID)
	}

	depBal := s.balanceOf(esc.Depositor)
	locked, _ := ParseAmount(depBal.LockedEscrow)
	newLocked := new(big.Int).Sub(locked, amt)
	if newLocked.Sign() < 0 {
		return fmt.Errorf("%w: depositor %s lockedEscrow would go negative", ErrInvalidTransition, esc.Depositor)
	}
	depBal.LockedEscrow = FormatAmount(newLocked)

	benBal := s.balanceOf(esc.Beneficiary)
	benAvail, _ := ParseAmount(benBal.Available)
	benBal.Available = FormatAmount(new(big.Int).Add(benAvail, amt))

	esc.Balance = FormatAmount(newEscBal)
	if newEscBal.Sign() == 0 {
		esc.Status = EscrowReleased
	} else {
		esc.Status = EscrowReleasing
	}
	return nil
}

func (s *State) applyEscrowRefund(env *Envelope) error {
	var p escrowAmountPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("clawnet: wallet.escrow.refund payload: %v", err)
	}
	esc, err := s.getEscrow(p.ResourceID)
	if err != nil {
		return err
	}
	if esc.Status != EscrowFunded && esc.Status != EscrowReleasing {
		return fmt.Errorf("%w: escrow %s cannot be refunded from status %s", ErrInvalidTransition, esc.ID, esc.Status)
	}
	amt, err := ParseAmount(p.Amount)
	if err != nil {
		return err
	}
	escBal, _ := ParseAmount(esc.Balance)
	newEscBal := new(big.Int).Sub(escBal, amt)
	if newEscBal.Sign() < 0 {
		return fmt.Errorf("%w: escrow %s balance would go negative", ErrInvalidTransition, esc.ID)
	}

	depBal := s.balanceOf(esc.Depositor)
	locked, _ := ParseAmount(depBal.LockedEscrow)
	newLocked := new(big.Int).Sub(locked, amt)
	if newLocked.Sign() < 0 {
		return fmt.Errorf("%w: depositor %s lockedEscrow would go negative", ErrInvalidTransition, esc.Depositor)
	}
	depBal.LockedEscrow = FormatAmount(newLocked)
	depAvail, _ := ParseAmount(depBal.Available)
	depBal.Available = FormatAmount(new(big.Int).Add(depAvail, amt))

	esc.Balance = FormatAmount(newEscBal)
	if newEscBal.Sign() == 0 {
		esc.Status = EscrowRefunded
	} else {
		esc.Status = EscrowReleasing
	}
	return nil
}


func hasReleaseRule(rules []ReleaseRule, id string) bool {
	for _, r := range rules {
		if r.ID == id {
			return true
		}
	}
	return false
}

// Reduce replays envelopes in order into a fresh state, used by snapshot
// creation and tail-replay during snapshot sync (spec §4.6, §4.9).
func Reduce(envs []*Envelope) (*State, error) {
	s := NewState()
	for _, e := range envs {
		if err := s.Apply(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}
