package state

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is the payload of a trade_executed envelope. SignedQuantity is
// negative for sells; when absent, Quantity is used as already signed.
type Trade struct {
	OrderID        string              `json:"orderId"`
	Symbol         string              `json:"symbol"`
	SignedQuantity decimal.NullDecimal `json:"signedQuantity"`
	Quantity       decimal.Decimal     `json:"quantity"`
	Price          decimal.Decimal     `json:"price"`
	Timestamp      int64               `json:"timestamp"`
	CompanyName    string              `json:"companyName"`
	Strategy       string              `json:"strategy"`
	Sector         string              `json:"sector"`
}

// Signed returns the signed trade quantity.
func (t Trade) Signed() decimal.Decimal {
	if t.SignedQuantity.Valid {
		return t.SignedQuantity.Decimal
	}
	return t.Quantity
}

// MergeTrade applies a trade to the position currently held for its symbol
// (held=false when there is none). It returns the resulting position and
// whether the symbol is still held afterwards.
//
// A trade that takes the position through zero to the opposite side is split
// into a closing leg, which flattens the position, and an opening leg for the
// remainder at the trade price.
func MergeTrade(existing Position, held bool, t Trade) (Position, bool) {
	qty := t.Signed()
	if !held || existing.Quantity.IsZero() {
		if qty.IsZero() {
			return Position{}, false
		}
		return openPosition(t, qty, t.Price), true
	}

	newQty := existing.Quantity.Add(qty)
	if newQty.IsZero() {
		return Position{}, false
	}

	if newQty.Sign() != existing.Quantity.Sign() {
		p := openPosition(t, newQty, existing.CurrentPrice)
		p.CompanyName = orElse(t.CompanyName, existing.CompanyName)
		p.Strategy = orElse(t.Strategy, existing.Strategy)
		p.Sector = orElse(t.Sector, existing.Sector)
		p.DayChange = existing.DayChange
		p.DayChangePercent = existing.DayChangePercent
		p.Weight = existing.Weight
		return p.revalue(), true
	}

	p := existing
	p.AvgPrice = existing.AvgPrice.Mul(existing.Quantity).Add(t.Price.Mul(qty)).Div(newQty)
	p.Quantity = newQty
	return p.revalue(), true
}

func openPosition(t Trade, qty, current decimal.Decimal) Position {
	if current.IsZero() {
		current = t.Price
	}
	p := Position{
		ID:           t.Symbol,
		Symbol:       t.Symbol,
		CompanyName:  orElse(t.CompanyName, t.Symbol),
		Quantity:     qty,
		AvgPrice:     t.Price,
		CurrentPrice: current,
		Strategy:     orElse(t.Strategy, "Manual"),
		Sector:       orElse(t.Sector, "Unknown"),
	}
	if t.Timestamp > 0 {
		p.EntryDate = time.UnixMilli(t.Timestamp).UTC().Format(time.RFC3339)
	}
	return p.revalue()
}

func orElse(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
