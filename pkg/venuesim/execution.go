package venuesim

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/perpsdk/pkg/account"
	"github.com/uhyunpark/perpsdk/pkg/fixed"
	"github.com/uhyunpark/perpsdk/pkg/market"
	"github.com/uhyunpark/perpsdk/pkg/risk"
	"github.com/uhyunpark/perpsdk/pkg/sdkerr"
	"github.com/uhyunpark/perpsdk/pkg/venue"
)

// Fill executes size of an open order at price as taker. It publishes the
// Fill and then the Delta carrying its account effects.
func (v *Venue) Fill(acct common.Address, clientID string, size, price fixed.Value) error {
	const op = "venuesim.Fill"
	v.mu.Lock()
	defer v.mu.Unlock()
	b := v.bookLocked(acct)
	so, ok := b.orders[clientID]
	if !ok || so.status != venue.StatusOpen {
		return sdkerr.NotFoundf(op, "no open order %s", clientID)
	}
	if !size.IsPositive() || size.GreaterThan(so.remaining) {
		return sdkerr.Validationf(op, "fill %s outside remaining %s", size, so.remaining)
	}
	in, err := v.cfg.Instruments.Get(so.req.Instrument)
	if err != nil {
		return err
	}
	dp := in.CollateralDecimals

	// release the filled share of the order's margin
	release := so.locked
	if !size.Equal(so.remaining) {
		if release, err = so.locked.Mul(size, dp, fixed.Floor); err != nil {
			return err
		}
		if release, err = release.Div(so.remaining, dp, fixed.Floor); err != nil {
			return err
		}
	}
	bal, err := unlock(b.snap.Balances[in.CollateralAsset], release)
	if err != nil {
		return err
	}

	notional, err := risk.Notional(size, price, dp, fixed.Ceil)
	if err != nil {
		return err
	}
	fee, err := notional.Mul(in.TakerFeeRatio, dp, fixed.Ceil)
	if err != nil {
		return err
	}

	signed := size
	if so.req.Side == venue.SideSell {
		signed = size.Neg()
	}
	pos, realized, err := trade(&in, b.snap.Positions[in.Symbol], signed, price)
	if err != nil {
		return err
	}
	pnl, err := realized.Sub(fee)
	if err != nil {
		return err
	}
	if bal.Available, err = bal.Available.Add(pnl); err != nil {
		return err
	}
	if bal.Total, err = bal.Total.Add(pnl); err != nil {
		return err
	}
	if bal.Available.IsNegative() {
		return sdkerr.Consistencyf(op, "fill would leave %s available at %s", in.CollateralAsset, bal.Available)
	}

	if so.remaining, err = so.remaining.Sub(size); err != nil {
		return err
	}
	if so.locked, err = so.locked.Sub(release); err != nil {
		return err
	}
	status := venue.StatusOpen
	if so.remaining.IsZero() {
		status = venue.StatusFilled
		so.status = status
	}
	b.snap.Balances[in.CollateralAsset] = bal
	b.snap.SetPosition(pos)

	v.publishLocked(acct, venue.Fill{
		ClientOrderID: clientID,
		VenueOrderID:  so.venueID,
		Instrument:    in.Symbol,
		Size:          size,
		Price:         price,
		Fee:           fee,
	})
	v.commitLocked(b, venue.Delta{
		Balances:  []account.Balance{bal},
		Positions: []account.Position{pos},
		OrderEffects: []venue.OrderEffect{{
			ClientOrderID: clientID,
			VenueOrderID:  so.venueID,
			Status:        status,
			LockedMargin:  so.locked,
		}},
	})
	return nil
}

// trade applies a signed fill to pos and returns the new position with the
// PnL realized by any reduced part.
func trade(in *market.Instrument, pos account.Position, signed, price fixed.Value) (account.Position, fixed.Value, error) {
	dp := in.CollateralDecimals
	realized := fixed.Zero(dp)
	if pos.Instrument == "" {
		pos = account.Position{
			Instrument:         in.Symbol,
			Size:               fixed.Zero(in.SizeDecimals),
			EntryPrice:         fixed.Zero(in.PriceDecimals),
			AccumulatedFunding: fixed.Zero(dp),
			RealizedPnL:        fixed.Zero(dp),
			UnrealizedPnL:      fixed.Zero(dp),
		}
	}
	next, err := pos.Size.Add(signed)
	if err != nil {
		return pos, realized, err
	}

	switch {
	case pos.IsFlat() || pos.Size.Sign() == signed.Sign():
		// increasing: volume-weighted entry
		a, err := pos.Size.Abs().Mul(pos.EntryPrice, in.SizeDecimals+in.PriceDecimals, fixed.TowardZero)
		if err != nil {
			return pos, realized, err
		}
		bn, err := signed.Abs().Mul(price, in.SizeDecimals+in.PriceDecimals, fixed.TowardZero)
		if err != nil {
			return pos, realized, err
		}
		sum, err := a.Add(bn)
		if err != nil {
			return pos, realized, err
		}
		if pos.EntryPrice, err = sum.Div(next.Abs(), in.PriceDecimals, fixed.HalfEven); err != nil {
			return pos, realized, err
		}
	default:
		closed := fixed.Min(pos.Size.Abs(), signed.Abs())
		closing := account.Position{Size: closed, EntryPrice: pos.EntryPrice}
		if pos.IsShort() {
			closing.Size = closed.Neg()
		}
		if realized, err = risk.UnrealizedPnL(closing, price, dp); err != nil {
			return pos, realized, err
		}
		if next.Sign() != 0 && next.Sign() != pos.Size.Sign() {
			pos.EntryPrice = price
		}
		if pos.RealizedPnL, err = pos.RealizedPnL.Add(realized); err != nil {
			return pos, realized, err
		}
	}
	pos.Size = next
	pos.MarkPrice = price
	upnl, err := risk.UnrealizedPnL(pos, price, dp)
	if err != nil {
		return pos, realized, err
	}
	pos.UnrealizedPnL = upnl
	return pos, realized, nil
}

// SettleFunding charges every account holding instrument at rate and mark,
// one sequenced FundingSettlement per account.
func (v *Venue) SettleFunding(instrument string, rate, mark fixed.Value) error {
	in, err := v.cfg.Instruments.Get(instrument)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	accts := make([]common.Address, 0, len(v.accounts))
	for a := range v.accounts {
		accts = append(accts, a)
	}
	sort.Slice(accts, func(i, j int) bool { return accts[i].Hex() < accts[j].Hex() })

	for _, a := range accts {
		b := v.accounts[a]
		pos, ok := b.snap.Positions[instrument]
		if !ok {
			continue
		}
		bal, ok := b.snap.Balances[in.CollateralAsset]
		if !ok {
			return sdkerr.Consistencyf("venuesim.SettleFunding", "%s holds %s without %s collateral", a.Hex(), instrument, in.CollateralAsset)
		}
		pay, err := risk.FundingPayment(pos, rate, mark, bal.Total.Decimals())
		if err != nil {
			return err
		}
		if pos.AccumulatedFunding, err = pos.AccumulatedFunding.Add(pay); err != nil {
			return err
		}
		if bal.Available, err = bal.Available.Add(pay); err != nil {
			return err
		}
		if bal.Total, err = bal.Total.Add(pay); err != nil {
			return err
		}
		b.snap.Positions[instrument] = pos
		b.snap.Balances[in.CollateralAsset] = bal
		v.commitLocked(b, venue.FundingSettlement{
			Asset:   in.CollateralAsset,
			Entries: []venue.FundingEntry{{Instrument: instrument, Rate: rate, MarkPrice: mark}},
		})
	}
	return nil
}

// Mark moves the mark price of instrument on every holder's position.
func (v *Venue) Mark(instrument string, price fixed.Value) error {
	in, err := v.cfg.Instruments.Get(instrument)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range v.accounts {
		pos, ok := b.snap.Positions[instrument]
		if !ok {
			continue
		}
		pos.MarkPrice = price
		if pos.UnrealizedPnL, err = risk.UnrealizedPnL(pos, price, in.CollateralDecimals); err != nil {
			return fmt.Errorf("mark %s: %w", instrument, err)
		}
		b.snap.Positions[instrument] = pos
		v.commitLocked(b, venue.Delta{Positions: []account.Position{pos}})
	}
	return nil
}
