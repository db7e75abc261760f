package core

// Verifiable credential engine (spec §3.5, §4.10): Ed25519Signature2020-style
// capability credentials, used by identity/capability events to attest an
// agent's advertised services.

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"
)

const credentialDomain = "clawtoken:vc:v1:"
const proofType = "Ed25519Signature2020"
const proofPurpose = "assertionMethod"

// Proof is the detached signature block attached to a credential.
type Proof struct {
	Type               string `json:"type"`
	Created            int64  `json:"created,omitempty"`
	ProofPurpose       string `json:"proofPurpose"`
	VerificationMethod string `json:"verificationMethod"`
	ProofValue         string `json:"proofValue"`
}

// Credential is a signed verifiable credential (spec §3.5).
type Credential struct {
	Context           []string        `json:"@context"`
	Type              []string        `json:"type"`
	Issuer            string          `json:"issuer"`
	IssuanceDate      int64           `json:"issuanceDate"`
	CredentialSubject json.RawMessage `json:"credentialSubject"`
	Proof             *Proof          `json:"proof,omitempty"`
}

type unsignedCredentialView struct {
	Context           []string        `json:"@context"`
	Type              []string        `json:"type"`
	Issuer            string          `json:"issuer"`
	IssuanceDate      int64           `json:"issuanceDate"`
	CredentialSubject json.RawMessage `json:"credentialSubject"`
}

func (c *Credential) unsigned() unsignedCredentialView {
	return unsignedCredentialView{
		Context: c.Context, Type: c.Type, Issuer: c.Issuer,
		IssuanceDate: c.IssuanceDate, CredentialSubject: c.CredentialSubject,
	}
}

// Sign computes proof.proofValue over the credential minus its proof block
// and attaches a complete Proof.
func (c *Credential) Sign(sk ed25519.PrivateKey, createdAt int64) error {
	sig, err := SignWithDomain(credentialDomain, c.unsigned(), sk)
	if err != nil {
		return err
	}
	c.Proof = &Proof{
		Type: proofType, Created: createdAt, ProofPurpose: proofPurpose,
		VerificationMethod: c.Issuer + "#keys-1",
		ProofValue:         EncodeSignature(sig),
	}
	return nil
}

// Verify checks proof type, purpose, verificationMethod prefix, and the
// signature over the canonical-minus-proof bytes.
func (c *Credential) Verify() error {
	if c.Proof == nil {
		return fmt.Errorf("%w: credential has no proof", ErrBadSignature)
	}
	if c.Proof.Type != proofType {
		return fmt.Errorf("%w: unsupported proof type %q", ErrBadSignature, c.Proof.Type)
	}
	if c.Proof.ProofPurpose != proofPurpose {
		return fmt.Errorf("%w: unsupported proof purpose %q", ErrBadSignature, c.Proof.ProofPurpose)
	}
	if !strings.HasPrefix(c.Proof.VerificationMethod, c.Issuer+"#") {
		return fmt.Errorf("%w: verificationMethod must be prefixed %q", ErrBadSignature, c.Issuer+"#")
	}
	pub, err := PublicKeyFromDID(c.Issuer)
	if err != nil {
		return err
	}
	sig, err := DecodeSignature(c.Proof.ProofValue)
	if err != nil {
		return err
	}
	ok, err := VerifyWithDomain(credentialDomain, c.unsigned(), pub, sig)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// capabilitySubject is the required shape of credentialSubject for
// CapabilityCredential-typed credentials (spec §4.10).
type capabilitySubject struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Pricing json.RawMessage `json:"pricing"`
}

// VerifyCapability additionally enforces that the credential's type
// includes "CapabilityCredential" and its subject carries id/name/pricing.
func (c *Credential) VerifyCapability() error {
	if err := c.Verify(); err != nil {
		return err
	}
	hasType := false
	for _, t := range c.Type {
		if t == "CapabilityCredential" {
			hasType = true
			break
		}
	}
	if !hasType {
		return fmt.Errorf("%w: credential type must include CapabilityCredential", ErrInvalidTransition)
	}
	var subj capabilitySubject
	if err := json.Unmarshal(c.CredentialSubject, &subj); err != nil {
		return fmt.Errorf("%w: credentialSubject: %v", ErrInvalidTransition, err)
	}
	if subj.ID == "" || subj.Name == "" || len(subj.Pricing) == 0 {
		return fmt.Errorf("%w: credentialSubject missing id/name/pricing", ErrInvalidTransition)
	}
	return nil
}

// identityEventPayload is the shape of an identity.capability event that
// embeds a credential: the event's own id/name fields must equal the
// credential subject's, so the envelope and VC can't diverge.
type identityEventPayload struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Credential json.RawMessage `json:"credential"`
}

// VerifyIdentityEvent checks an identity.capability envelope's embedded
// credential and that its subject fields mirror the event payload.
func VerifyIdentityEvent(env *Envelope) error {
	var p identityEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("clawnet: identity event payload: %v", err)
	}
	var cred Credential
	if err := json.Unmarshal(p.Credential, &cred); err != nil {
		return fmt.Errorf("clawnet: embedded credential: %v", err)
	}
	if err := cred.VerifyCapability(); err != nil {
		return err
	}
	var subj capabilitySubject
	_ = json.Unmarshal(cred.CredentialSubject, &subj)
	if subj.ID != p.ID || subj.Name != p.Name {
		return fmt.Errorf("%w: identity event fields diverge from credential subject", ErrInvalidTransition)
	}
	return nil
}
