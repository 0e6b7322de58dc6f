package reconcile

import (
	"fmt"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/risk"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// applyDelta writes the delta's absolute post-state into next.
func applyDelta(next *account.Snapshot, d venue.Delta) {
	for _, b := range d.Balances {
		next.Balances[b.Asset] = b
	}
	for _, p := range d.Positions {
		next.SetPosition(p)
	}
	if d.Frozen != nil {
		next.Frozen = *d.Frozen
	}
}

// applyFunding settles every entry against the matching open position. The
// payment moves both the position's accumulated funding and the collateral
// balance. Entries for instruments the account does not hold are skipped.
func applyFunding(next *account.Snapshot, f venue.FundingSettlement) error {
	const op = "reconcile.Funding"
	bal, ok := next.Balances[f.Asset]
	if !ok {
		return sdkerr.Consistencyf(op, "funding at %d settles in %s, which the account does not hold", f.Sequence, f.Asset)
	}
	dp := bal.Total.Decimals()

	for _, e := range f.Entries {
		pos, ok := next.Positions[e.Instrument]
		if !ok {
			continue
		}
		pay, err := risk.FundingPayment(pos, e.Rate, e.MarkPrice, dp)
		if err != nil {
			return err
		}
		if pay.IsZero() {
			continue
		}
		if pos.AccumulatedFunding, err = pos.AccumulatedFunding.Add(pay); err != nil {
			return sdkerr.New(sdkerr.Numeric, op, fmt.Errorf("%s accumulated funding: %w", e.Instrument, err))
		}
		next.Positions[e.Instrument] = pos

		if bal.Available, err = bal.Available.Add(pay); err != nil {
			return sdkerr.New(sdkerr.Numeric, op, err)
		}
		if bal.Total, err = bal.Total.Add(pay); err != nil {
			return sdkerr.New(sdkerr.Numeric, op, err)
		}
	}
	next.Balances[f.Asset] = bal
	return nil
}
