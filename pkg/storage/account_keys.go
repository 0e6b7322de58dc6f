package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema, one namespace per account:
//
//	ord:<address>:<clientOrderID> → order.Order (JSON)
//	snap:<address>                → last confirmed account.Snapshot (JSON)
//	nonce:<address>               → nonce high-water mark (8-byte big endian)
const (
	prefixOrder    = "ord:"
	prefixSnapshot = "snap:"
	prefixNonce    = "nonce:"
)

// Format: "ord:{address}:{orderID}"
func orderKey(addr common.Address, orderID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixOrder, addr.Hex(), orderID))
}

// Format: "ord:{address}:"
func orderPrefix(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrder, addr.Hex()))
}

func snapshotKey(addr common.Address) []byte {
	return []byte(prefixSnapshot + addr.Hex())
}

func nonceKey(addr common.Address) []byte {
	return []byte(prefixNonce + addr.Hex())
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
