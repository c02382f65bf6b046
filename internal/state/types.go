// Package state holds the consolidated domain snapshot rendered by the
// monitoring front end and the reducers that advance it.
package state

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Snapshots are served with numbers, as the backend sends them.
	decimal.MarshalJSONWithoutQuotes = true
}

// Position is one held symbol. Money and quantity fields are decimals so that
// a sequence of trades nets to exactly zero.
type Position struct {
	ID                   string          `json:"id"`
	Symbol               string          `json:"symbol"`
	CompanyName          string          `json:"companyName,omitempty"`
	Quantity             decimal.Decimal `json:"quantity"`
	AvgPrice             decimal.Decimal `json:"avgPrice"`
	CurrentPrice         decimal.Decimal `json:"currentPrice"`
	MarketValue          decimal.Decimal `json:"marketValue"`
	UnrealizedPnL        decimal.Decimal `json:"unrealizedPnL"`
	UnrealizedPnLPercent decimal.Decimal `json:"unrealizedPnLPercent"`
	DayChange            decimal.Decimal `json:"dayChange"`
	DayChangePercent     decimal.Decimal `json:"dayChangePercent"`
	Weight               decimal.Decimal `json:"weight"`
	EntryDate            string          `json:"entryDate,omitempty"`
	Strategy             string          `json:"strategy,omitempty"`
	Sector               string          `json:"sector,omitempty"`
}

// revalue recomputes the derived fields from quantity, average price and the
// current price.
func (p Position) revalue() Position {
	p.MarketValue = p.Quantity.Mul(p.CurrentPrice)
	p.UnrealizedPnL = p.CurrentPrice.Sub(p.AvgPrice).Mul(p.Quantity)
	basis := p.AvgPrice.Mul(p.Quantity.Abs())
	if basis.IsZero() {
		p.UnrealizedPnLPercent = decimal.Zero
	} else {
		p.UnrealizedPnLPercent = p.UnrealizedPnL.Div(basis).Mul(hundred)
	}
	return p
}

var hundred = decimal.NewFromInt(100)

// Signal is a trading signal. Only the id is interpreted; the rest of the
// payload is carried through untouched.
type Signal struct {
	ID  string
	Raw json.RawMessage
}

func (s Signal) MarshalJSON() ([]byte, error) {
	if len(s.Raw) == 0 {
		return json.Marshal(map[string]string{"id": s.ID})
	}
	return s.Raw, nil
}

// Snapshot is a point-in-time copy of all domain state. Readers must not
// modify it; use Clone to derive a new one.
type Snapshot struct {
	PortfolioValue decimal.Decimal     `json:"portfolioValue"`
	DailyPnL       decimal.Decimal     `json:"dailyPnL"`
	Positions      map[string]Position `json:"positions"`
	Signals        []Signal            `json:"signals"`
	RiskMetrics    json.RawMessage     `json:"riskMetrics"`
	SystemHealth   json.RawMessage     `json:"systemHealth"`
	LastUpdate     time.Time           `json:"lastUpdate"`
}

// Empty returns the initial snapshot.
func Empty() Snapshot {
	return Snapshot{
		Positions: map[string]Position{},
		Signals:   []Signal{},
	}
}

// Clone returns a deep copy that can be modified freely.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Positions = make(map[string]Position, len(s.Positions))
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	out.Signals = append([]Signal(nil), s.Signals...)
	if out.Signals == nil {
		out.Signals = []Signal{}
	}
	out.RiskMetrics = cloneRaw(s.RiskMetrics)
	out.SystemHealth = cloneRaw(s.SystemHealth)
	return out
}

// Position looks up a held symbol.
func (s Snapshot) Position(symbol string) (Position, bool) {
	p, ok := s.Positions[symbol]
	return p, ok
}

// PositionList returns positions ordered by symbol.
func (s Snapshot) PositionList() []Position {
	out := make([]Position, 0, len(s.Positions))
	for _, p := range s.Positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
