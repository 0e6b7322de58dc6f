package crypto

import (
	"encoding/hex"
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"

	"github.com/uhyunpark/perpsdk/pkg/account"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

// Attester signs account snapshots on behalf of a venue.
type Attester struct {
	sk *bls.PrivateKey[scheme]
	pk *BLSPubKey
}

// NewAttesterFromSeed derives a key from seed (at least 32 bytes).
func NewAttesterFromSeed(seed []byte) (*Attester, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	return &Attester{sk: sk, pk: sk.PublicKey()}, nil
}

func (a *Attester) PublicKey() *BLSPubKey { return a.pk }

// PublicKeyHex returns the encoded public key, as configured on clients.
func (a *Attester) PublicKeyHex() (string, error) {
	b, err := a.pk.MarshalBinary()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Attest fills s.Attestation with a signature over SnapshotDigest(s).
func (a *Attester) Attest(s *account.Snapshot) error {
	msg, err := SnapshotDigest(s)
	if err != nil {
		return err
	}
	s.Attestation = bls.Sign(a.sk, msg)
	return nil
}

// ParseBLSPubKey decodes a hex public key.
func ParseBLSPubKey(h string) (*BLSPubKey, error) {
	b, err := hex.DecodeString(trimHex(h))
	if err != nil {
		return nil, fmt.Errorf("bls public key: %w", err)
	}
	pk := new(BLSPubKey)
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("bls public key: %w", err)
	}
	return pk, nil
}

// VerifySnapshot checks the snapshot's attestation against pk.
func VerifySnapshot(pk *BLSPubKey, s *account.Snapshot) error {
	if len(s.Attestation) == 0 {
		return fmt.Errorf("snapshot %d is not attested", s.Sequence)
	}
	msg, err := SnapshotDigest(s)
	if err != nil {
		return err
	}
	if !bls.Verify(pk, msg, bls.Signature(s.Attestation)) {
		return fmt.Errorf("snapshot %d attestation does not verify", s.Sequence)
	}
	return nil
}
