package account

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpsdk/pkg/fixed"
)

// MarginMode selects how a position's collateral is pooled.
type MarginMode uint8

const (
	Cross MarginMode = iota
	Isolated
)

func (m MarginMode) String() string {
	if m == Isolated {
		return "isolated"
	}
	return "cross"
}

func (m MarginMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *MarginMode) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "", "cross":
		*m = Cross
	case "isolated":
		*m = Isolated
	default:
		return fmt.Errorf("unknown margin mode %q", string(b))
	}
	return nil
}

// Position is an open perpetual position. Size is signed: positive is long.
type Position struct {
	Instrument         string      `json:"instrument"`
	Size               fixed.Value `json:"size"`
	EntryPrice         fixed.Value `json:"entry_price"`
	MarkPrice          fixed.Value `json:"mark_price"`
	AccumulatedFunding fixed.Value `json:"accumulated_funding"`
	RealizedPnL        fixed.Value `json:"realized_pnl"`
	UnrealizedPnL      fixed.Value `json:"unrealized_pnl"`
	Mode               MarginMode  `json:"mode"`
	IsolatedMargin     fixed.Value `json:"isolated_margin"`
}

func (p Position) IsLong() bool  { return p.Size.IsPositive() }
func (p Position) IsShort() bool { return p.Size.IsNegative() }
func (p Position) IsFlat() bool  { return p.Size.IsZero() }

// Balance is one collateral asset. Available + Locked == Total always.
type Balance struct {
	Asset     string      `json:"asset"`
	Available fixed.Value `json:"available"`
	Locked    fixed.Value `json:"locked"`
	Total     fixed.Value `json:"total"`
}

// NewBalance builds a balance whose total is available + locked.
func NewBalance(asset string, available, locked fixed.Value) (Balance, error) {
	total, err := available.Add(locked)
	if err != nil {
		return Balance{}, fmt.Errorf("balance %s: %w", asset, err)
	}
	return Balance{Asset: asset, Available: available, Locked: locked, Total: total}, nil
}

// Validate checks the balance invariants.
func (b Balance) Validate() error {
	sum, err := b.Available.Add(b.Locked)
	if err != nil {
		return fmt.Errorf("balance %s: %w", b.Asset, err)
	}
	if !sum.Equal(b.Total) {
		return fmt.Errorf("balance %s: available %s + locked %s != total %s", b.Asset, b.Available, b.Locked, b.Total)
	}
	if b.Locked.IsNegative() {
		return fmt.Errorf("balance %s: locked %s is negative", b.Asset, b.Locked)
	}
	if b.Available.IsNegative() {
		return fmt.Errorf("balance %s: available %s is negative", b.Asset, b.Available)
	}
	return nil
}

// Snapshot is a versioned copy of the venue's authoritative account state.
type Snapshot struct {
	Account     common.Address      `json:"account"`
	Sequence    uint64              `json:"sequence"`
	Frozen      bool                `json:"frozen,omitempty"`
	Balances    map[string]Balance  `json:"balances"`
	Positions   map[string]Position `json:"positions"`
	Attestation []byte              `json:"attestation,omitempty"`
}

func NewSnapshot(addr common.Address, seq uint64) *Snapshot {
	return &Snapshot{
		Account:   addr,
		Sequence:  seq,
		Balances:  make(map[string]Balance),
		Positions: make(map[string]Position),
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	cp := *s
	cp.Balances = make(map[string]Balance, len(s.Balances))
	for k, v := range s.Balances {
		cp.Balances[k] = v
	}
	cp.Positions = make(map[string]Position, len(s.Positions))
	for k, v := range s.Positions {
		cp.Positions[k] = v
	}
	cp.Attestation = append([]byte(nil), s.Attestation...)
	return &cp
}

// Validate checks every balance invariant and key consistency.
func (s *Snapshot) Validate() error {
	for _, asset := range sortedKeys(s.Balances) {
		b := s.Balances[asset]
		if b.Asset != asset {
			return fmt.Errorf("balance keyed %s carries asset %s", asset, b.Asset)
		}
		if err := b.Validate(); err != nil {
			return err
		}
	}
	for sym, p := range s.Positions {
		if p.Instrument != sym {
			return fmt.Errorf("position keyed %s carries instrument %s", sym, p.Instrument)
		}
		if p.IsolatedMargin.IsNegative() {
			return fmt.Errorf("position %s: isolated margin %s is negative", sym, p.IsolatedMargin)
		}
	}
	return nil
}

// SetPosition stores p, removing it when flat.
func (s *Snapshot) SetPosition(p Position) {
	if p.IsFlat() {
		delete(s.Positions, p.Instrument)
		return
	}
	s.Positions[p.Instrument] = p
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
