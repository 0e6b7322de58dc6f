package market

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages instrument definitions in a thread-safe manner
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]*Instrument // symbol -> instrument
}

func NewRegistry() *Registry {
	return &Registry{
		instruments: make(map[string]*Instrument),
	}
}

// Register adds an instrument to the registry
// Returns error if the definition is invalid or the symbol already exists
func (r *Registry) Register(in *Instrument) error {
	if in == nil {
		return fmt.Errorf("cannot register nil instrument")
	}
	if err := in.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instruments[in.Symbol]; exists {
		return fmt.Errorf("instrument %s already registered", in.Symbol)
	}

	cp := *in
	cp.Margin.Tiers = append([]Tier(nil), in.Margin.Tiers...)
	r.instruments[in.Symbol] = &cp
	return nil
}

// Get returns a copy of the instrument definition
func (r *Registry) Get(symbol string) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, exists := r.instruments[symbol]
	if !exists {
		return Instrument{}, fmt.Errorf("instrument %s not found", symbol)
	}
	return *in, nil
}

// List returns all instruments sorted by symbol
func (r *Registry) List() []Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instrument, 0, len(r.instruments))
	for _, in := range r.instruments {
		out = append(out, *in)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UpdateStatus changes the trading status of an instrument
// Closed is terminal.
func (r *Registry) UpdateStatus(symbol string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, exists := r.instruments[symbol]
	if !exists {
		return fmt.Errorf("instrument %s not found", symbol)
	}
	if in.Status == Closed && status != Closed {
		return fmt.Errorf("cannot change status of %s from Closed", symbol)
	}
	in.Status = status
	return nil
}

// CollateralDecimals returns the decimals used for asset by any instrument
// settling in it.
func (r *Registry) CollateralDecimals(asset string) (uint8, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, in := range r.instruments {
		if in.CollateralAsset == asset {
			return in.CollateralDecimals, nil
		}
	}
	return 0, fmt.Errorf("no instrument settles in %s", asset)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instruments)
}
