package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner signs digests with a secp256k1 key (Ethereum-compatible).
// It satisfies venue.Signer.
type KeySigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a signer with a fresh random key
func GenerateKey() (*KeySigner, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newKeySigner(privateKey), nil
}

// FromPrivateKeyHex loads a signer from a hex key, with or without 0x
func FromPrivateKeyHex(hexKey string) (*KeySigner, error) {
	privateKey, err := crypto.HexToECDSA(trimHex(hexKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newKeySigner(privateKey), nil
}

func newKeySigner(k *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{privateKey: k, address: crypto.PubkeyToAddress(k.PublicKey)}
}

// Address returns the account address of the key
func (s *KeySigner) Address() common.Address {
	return s.address
}

// PrivateKeyHex returns the key as hex without 0x. Never log it.
func (s *KeySigner) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(s.privateKey))
}

// Sign signs a 32-byte digest and returns [R || S || V] (65 bytes)
func (s *KeySigner) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// VerifySignature reports whether sig over digest was made by address
func VerifySignature(address common.Address, digest, sig []byte) bool {
	recovered, err := RecoverAddress(digest, sig)
	if err != nil {
		return false
	}
	return recovered == address
}

// RecoverAddress recovers the signer's address from a digest and signature
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	if len(digest) != 32 {
		return common.Address{}, fmt.Errorf("invalid digest length: %d", len(digest))
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func trimHex(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
