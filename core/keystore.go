package core

// Encrypted key records at rest (spec §6 "keys/ — encrypted key records
// (AES-256-GCM over Argon2id-derived key; one JSON file per key id)").
// This is an adjacent utility: the engine itself only ever handles raw
// ed25519.PrivateKey values; keystore.go is how a CLI or node persists them
// between restarts.

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
	saltSize     = 16
)

// KeyRecord is the on-disk shape of one encrypted key file.
type KeyRecord struct {
	ID         string `json:"id"`
	DID        string `json:"did"`
	Salt       string `json:"salt"`       // base58btc
	Nonce      string `json:"nonce"`      // base58btc
	Ciphertext string `json:"ciphertext"` // base58btc, AES-256-GCM(plaintext=privkey, aad=id)
}

// SealKey encrypts an Ed25519 private key under a passphrase, returning a
// KeyRecord ready to write to `<dataDir>/keys/<id>.json`.
func SealKey(id string, sk ed25519.PrivateKey, passphrase string) (*KeyRecord, error) {
	salt := randomBytes(saltSize)
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("clawnet: keystore cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("clawnet: keystore gcm: %w", err)
	}
	nonce := randomBytes(gcm.NonceSize())
	ct := gcm.Seal(nil, nonce, sk, []byte(id))

	pub := sk.Public().(ed25519.PublicKey)
	did, err := DIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}

	return &KeyRecord{
		ID: id, DID: did,
		Salt: EncodeSignature(salt), Nonce: EncodeSignature(nonce),
		Ciphertext: EncodeSignature(ct),
	}, nil
}

// OpenKey decrypts a KeyRecord with the given passphrase, returning the raw
// Ed25519 private key.
func OpenKey(rec *KeyRecord, passphrase string) (ed25519.PrivateKey, error) {
	salt, err := DecodeSignature(rec.Salt)
	if err != nil {
		return nil, err
	}
	nonce, err := DecodeSignature(rec.Nonce)
	if err != nil {
		return nil, err
	}
	ct, err := DecodeSignature(rec.Ciphertext)
	if err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("clawnet: keystore cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("clawnet: keystore gcm: %w", err)
	}
	pt, err := gcm.Open(nil, nonce, ct, []byte(rec.ID))
	if err != nil {
		return nil, fmt.Errorf("clawnet: keystore: wrong passphrase or corrupt record: %w", err)
	}
	if len(pt) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("clawnet: keystore: decrypted key has wrong size %d", len(pt))
	}
	return ed25519.PrivateKey(pt), nil
}

// MarshalKeyRecord / UnmarshalKeyRecord serialize a KeyRecord to/from the
// JSON file format stored under keys/.
func MarshalKeyRecord(rec *KeyRecord) ([]byte, error) { return json.MarshalIndent(rec, "", "  ") }

func UnmarshalKeyRecord(data []byte) (*KeyRecord, error) {
	var rec KeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("clawnet: keystore record: %w", err)
	}
	return &rec, nil
}
