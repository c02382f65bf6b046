package state

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trade(qty, price string) Trade {
	return Trade{
		Symbol:         "AAPL",
		SignedQuantity: decimal.NullDecimal{Decimal: dec(qty), Valid: true},
		Price:          dec(price),
	}
}

func held(qty, avg, current string) Position {
	return Position{
		ID:           "AAPL",
		Symbol:       "AAPL",
		Quantity:     dec(qty),
		AvgPrice:     dec(avg),
		CurrentPrice: dec(current),
		Strategy:     "Momentum",
	}.revalue()
}

func TestMergeTrade(t *testing.T) {
	tests := []struct {
		name        string
		existing    Position
		held        bool
		trade       Trade
		wantHeld    bool
		wantQty     string
		wantAvg     string
		wantCurrent string
		wantPnL     string
	}{
		{
			name:        "open new",
			trade:       trade("50", "180"),
			wantHeld:    true,
			wantQty:     "50",
			wantAvg:     "180",
			wantCurrent: "180",
			wantPnL:     "0",
		},
		{
			name:     "zero quantity without position",
			trade:    trade("0", "180"),
			wantHeld: false,
		},
		{
			name:        "add same direction",
			existing:    held("100", "180", "190"),
			held:        true,
			trade:       trade("100", "200"),
			wantHeld:    true,
			wantQty:     "200",
			wantAvg:     "190",
			wantCurrent: "190",
			wantPnL:     "0",
		},
		{
			name:        "partial close",
			existing:    held("100", "180", "190"),
			held:        true,
			trade:       trade("-50", "180"),
			wantHeld:    true,
			wantQty:     "50",
			wantAvg:     "180",
			wantCurrent: "190",
			wantPnL:     "500",
		},
		{
			name:     "flat",
			existing: held("100", "180", "190"),
			held:     true,
			trade:    trade("-100", "185"),
			wantHeld: false,
		},
		{
			name:        "long to short splits",
			existing:    held("100", "180", "190"),
			held:        true,
			trade:       trade("-150", "185"),
			wantHeld:    true,
			wantQty:     "-50",
			wantAvg:     "185",
			wantCurrent: "190",
			wantPnL:     "-250",
		},
		{
			name:        "short to long splits",
			existing:    held("-20", "50", "45"),
			held:        true,
			trade:       trade("30", "44"),
			wantHeld:    true,
			wantQty:     "10",
			wantAvg:     "44",
			wantCurrent: "45",
			wantPnL:     "10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := MergeTrade(tt.existing, tt.held, tt.trade)
			require.Equal(t, tt.wantHeld, ok)
			if !tt.wantHeld {
				return
			}
			assert.True(t, p.Quantity.Equal(dec(tt.wantQty)), "quantity %s", p.Quantity)
			assert.True(t, p.AvgPrice.Equal(dec(tt.wantAvg)), "avgPrice %s", p.AvgPrice)
			assert.True(t, p.CurrentPrice.Equal(dec(tt.wantCurrent)), "currentPrice %s", p.CurrentPrice)
			assert.True(t, p.UnrealizedPnL.Equal(dec(tt.wantPnL)), "unrealizedPnL %s", p.UnrealizedPnL)
			assert.True(t, p.MarketValue.Equal(p.Quantity.Mul(p.CurrentPrice)))
		})
	}
}

func TestMergeTradeFlipKeepsDescriptiveFields(t *testing.T) {
	existing := held("100", "180", "190")
	existing.Sector = "Technology"

	p, ok := MergeTrade(existing, true, trade("-150", "185"))
	require.True(t, ok)
	assert.Equal(t, "Momentum", p.Strategy)
	assert.Equal(t, "Technology", p.Sector)
}

func TestTradeSignedFallsBackToQuantity(t *testing.T) {
	assert.True(t, Trade{Quantity: dec("-3")}.Signed().Equal(dec("-3")))
	assert.True(t, trade("4", "1").Signed().Equal(dec("4")))
}
