// file: pkg/crypto/digest.go
package crypto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/perpsdk/pkg/account"
)

// Keccak256 hashes the concatenation of parts with legacy keccak-256.
func Keccak256(parts ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// EnvelopeDigest binds a signed request to its nonce:
// keccak256(requestSig || bigEndian64(nonce)).
func EnvelopeDigest(requestSig []byte, nonce uint64) []byte {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return Keccak256(requestSig, n[:])
}

// SnapshotDigest is the message a snapshot attestation signs: keccak256 of
// the snapshot's JSON with the attestation removed. encoding/json sorts map
// keys, so the encoding is canonical.
func SnapshotDigest(s *account.Snapshot) ([]byte, error) {
	cp := s.Clone()
	cp.Attestation = nil
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return Keccak256([]byte("snapshot:"), b), nil
}
