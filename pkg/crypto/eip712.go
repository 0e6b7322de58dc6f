package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/contracts
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // zero for off-chain signing
}

// DefaultDomain returns the local development domain
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:    "PerpDEX",
		Version: "1",
		ChainID: big.NewInt(1337),
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// Order fields. Size and price are decimal strings at the instrument's
// scale, so the signed value is exactly what the venue books. There is no
// nonce: it is bound later by the envelope signature.
var orderType = []apitypes.Type{
	{Name: "clientOrderId", Type: "string"},
	{Name: "account", Type: "address"},
	{Name: "instrument", Type: "string"},
	{Name: "side", Type: "uint8"},
	{Name: "tif", Type: "uint8"},
	{Name: "size", Type: "string"},
	{Name: "price", Type: "string"},
	{Name: "market", Type: "bool"},
	{Name: "reduceOnly", Type: "bool"},
	{Name: "leverage", Type: "uint8"},
	{Name: "deadline", Type: "uint256"},
}

var cancelType = []apitypes.Type{
	{Name: "clientOrderId", Type: "string"},
	{Name: "venueOrderId", Type: "string"},
	{Name: "account", Type: "address"},
	{Name: "instrument", Type: "string"},
}

// TypedData hashes requests as EIP-712 typed data under one domain. It
// satisfies venue.Digester.
type TypedData struct {
	domain EIP712Domain
}

func NewTypedData(domain EIP712Domain) *TypedData {
	return &TypedData{domain: domain}
}

func (e *TypedData) Domain() EIP712Domain { return e.domain }

func (e *TypedData) typed(primary string, fields []apitypes.Type, msg apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg,
	}
}

func orderMessage(o *venue.OrderRequest) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"clientOrderId": o.ClientOrderID,
		"account":       o.Account.Hex(),
		"instrument":    o.Instrument,
		"side":          fmt.Sprintf("%d", o.Side),
		"tif":           fmt.Sprintf("%d", o.TimeInForce),
		"size":          o.Size.String(),
		"price":         o.Price.String(),
		"market":        o.Market,
		"reduceOnly":    o.ReduceOnly,
		"leverage":      fmt.Sprintf("%d", o.Leverage),
		"deadline":      fmt.Sprintf("%d", o.Deadline),
	}
}

func cancelMessage(c *venue.CancelRequest) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"clientOrderId": c.ClientOrderID,
		"venueOrderId":  c.VenueOrderID,
		"account":       c.Account.Hex(),
		"instrument":    c.Instrument,
	}
}

// digest computes keccak256("\x19\x01" || domainSeparator || structHash)
func digest(td apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", td.PrimaryType, err)
	}
	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// OrderDigest returns the digest an order request is signed over
func (e *TypedData) OrderDigest(o *venue.OrderRequest) ([]byte, error) {
	return digest(e.typed("Order", orderType, orderMessage(o)))
}

// CancelDigest returns the digest a cancel request is signed over
func (e *TypedData) CancelDigest(c *venue.CancelRequest) ([]byte, error) {
	return digest(e.typed("CancelOrder", cancelType, cancelMessage(c)))
}

func (e *TypedData) EnvelopeDigest(requestSig []byte, nonce uint64) []byte {
	return EnvelopeDigest(requestSig, nonce)
}

// RecoverEnvelope checks both signatures of env and returns the account
// that produced them. The request must be signed by its own account.
func (e *TypedData) RecoverEnvelope(env *venue.Envelope) (common.Address, error) {
	var (
		d   []byte
		err error
	)
	switch env.Type {
	case venue.RequestOrder:
		if env.Order == nil {
			return common.Address{}, fmt.Errorf("missing order payload")
		}
		d, err = e.OrderDigest(env.Order)
	case venue.RequestCancel:
		if env.Cancel == nil {
			return common.Address{}, fmt.Errorf("missing cancel payload")
		}
		d, err = e.CancelDigest(env.Cancel)
	default:
		return common.Address{}, fmt.Errorf("unsupported request type: %s", env.Type)
	}
	if err != nil {
		return common.Address{}, err
	}

	owner := env.Account()
	signer, err := RecoverAddress(d, env.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("request signature: %w", err)
	}
	if signer != owner {
		return common.Address{}, fmt.Errorf("request signed by %s, not %s", signer.Hex(), owner.Hex())
	}
	envSigner, err := RecoverAddress(EnvelopeDigest(env.Signature, env.Nonce), env.EnvelopeSignature)
	if err != nil {
		return common.Address{}, fmt.Errorf("envelope signature: %w", err)
	}
	if envSigner != owner {
		return common.Address{}, fmt.Errorf("envelope signed by %s, not %s", envSigner.Hex(), owner.Hex())
	}
	return owner, nil
}

// OrderJSON renders an order as eth_signTypedData_v4 JSON for wallets
func (e *TypedData) OrderJSON(o *venue.OrderRequest) (string, error) {
	td := e.typed("Order", orderType, orderMessage(o))
	b, err := json.MarshalIndent(td, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(b), nil
}
