package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradedesk-sync/internal/common"
	"tradedesk-sync/internal/wire"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

// errUnchanged is returned by a reducer that accepted its envelope but had
// nothing to apply. The store publishes nothing for it.
var errUnchanged = errors.New("snapshot unchanged")

// Reducer derives the next snapshot from the previous one and an envelope.
// Reducers never modify prev.
type Reducer func(prev Snapshot, env wire.Envelope, at time.Time) (Snapshot, error)

// PortfolioUpdate is the payload of portfolio_update.
type PortfolioUpdate struct {
	PortfolioValue decimal.Decimal `json:"portfolioValue"`
	DailyPnL       decimal.Decimal `json:"dailyPnL"`
	Positions      []Position      `json:"positions"`
}

// PriceUpdate is the payload of price_update.
type PriceUpdate struct {
	Symbol        string              `json:"symbol"`
	Price         decimal.NullDecimal `json:"price"`
	Change        decimal.NullDecimal `json:"change"`
	ChangePercent decimal.NullDecimal `json:"changePercent"`
}

type signalRef struct {
	ID       string `json:"id"`
	SignalID string `json:"signalId"`
}

func reducers(signalCap int) map[string]Reducer {
	return map[string]Reducer{
		common.TypePortfolioUpdate: reducePortfolio,
		common.TypePriceUpdate:     reducePrice,
		common.TypeNewSignal: func(prev Snapshot, env wire.Envelope, at time.Time) (Snapshot, error) {
			return reduceNewSignal(prev, env, at, signalCap)
		},
		common.TypeSignalExpired: reduceSignalExpired,
		common.TypeSignalsUpdate: func(prev Snapshot, env wire.Envelope, at time.Time) (Snapshot, error) {
			return reduceSignals(prev, env, at, signalCap)
		},
		common.TypeRiskUpdate:    reduceRisk,
		common.TypeSystemHealth:  reduceSystemHealth,
		common.TypeTradeExecuted: reduceTrade,
	}
}

func reducePortfolio(prev Snapshot, env wire.Envelope, at time.Time) (Snapshot, error) {
	var u PortfolioUpdate
	if err := env.DecodePayload(&u); err != nil {
		return prev, err
	}
	next := prev
	next.PortfolioValue = u.PortfolioValue
	next.DailyPnL = u.DailyPnL
	next.Positions = make(map[string]Position, len(u.Positions))
	for _, p := range u.Positions {
		if p.Symbol == "" || p.Quantity.IsZero() {
			continue
		}
		if p.ID == "" {
			p.ID = p.Symbol
		}
		next.Positions[p.Symbol] = p
	}
	next.LastUpdate = at
	return next, nil
}

func reducePrice(prev Snapshot, env wire.Envelope, at time.Time) (Snapshot, error) {
	var u PriceUpdate
	if err := env.DecodePayload(&u); err != nil {
		return prev, err
	}
	if !u.Price.Valid {
		return prev, fmt.Errorf("%s: missing price", env.Type)
	}
	p, ok := prev.Positions[u.Symbol]
	if !ok {
		return prev, errUnchanged
	}
	p.CurrentPrice = u.Price.Decimal
	if u.Change.Valid {
		p.DayChange = u.Change.Decimal
	}
	if u.ChangePercent.Valid {
		p.DayChangePercent = u.ChangePercent.Decimal
	}

	next := prev
	next.Positions = copyPositions(prev.Positions)
	next.Positions[u.Symbol] = p.revalue()
	next.LastUpdate = at
	return next, nil
}

func reduceNewSignal(prev Snapshot, env wire.Envelope, at time.Time, signalCap int) (Snapshot, error) {
	sig, err := decodeSignal(env.Payload)
	if err != nil {
		return prev, fmt.Errorf("%s: %w", env.Type, err)
	}
	n := len(prev.Signals)
	if n > signalCap-1 {
		n = signalCap - 1
	}
	signals := make([]Signal, 0, n+1)
	signals = append(signals, sig)
	signals = append(signals, prev.Signals[:n]...)

	next := prev
	next.Signals = signals
	next.LastUpdate = at
	return next, nil
}

func reduceSignalExpired(prev Snapshot, env wire.Envelope, at time.Time) (Snapshot, error) {
	var ref signalRef
	if err := env.DecodePayload(&ref); err != nil {
		return prev, err
	}
	id := ref.SignalID
	if id == "" {
		id = ref.ID
	}
	signals := make([]Signal, 0, len(prev.Signals))
	for _, s := range prev.Signals {
		if s.ID != id {
			signals = append(signals, s)
		}
	}

	next := prev
	next.Signals = signals
	next.LastUpdate = at
	return next, nil
}

func reduceSignals(prev Snapshot, env wire.Envelope, at time.Time, signalCap int) (Snapshot, error) {
	var raws []json.RawMessage
	if err := env.DecodePayload(&raws); err != nil {
		return prev, err
	}
	if len(raws) > signalCap {
		raws = raws[:signalCap]
	}
	signals := make([]Signal, 0, len(raws))
	for _, raw := range raws {
		sig, err := decodeSignal(raw)
		if err != nil {
			return prev, fmt.Errorf("%s: %w", env.Type, err)
		}
		signals = append(signals, sig)
	}

	next := prev
	next.Signals = signals
	next.LastUpdate = at
	return next, nil
}

func reduceRisk(prev Snapshot, env wire.Envelope, at time.Time) (Snapshot, error) {
	if !env.HasPayload() {
		return prev, fmt.Errorf("%s: empty payload", env.Type)
	}
	next := prev
	next.RiskMetrics = cloneRaw(env.Payload)
	next.LastUpdate = at
	return next, nil
}

func reduceSystemHealth(prev Snapshot, env wire.Envelope, at time.Time) (Snapshot, error) {
	if !env.HasPayload() {
		return prev, fmt.Errorf("%s: empty payload", env.Type)
	}
	next := prev
	next.SystemHealth = cloneRaw(env.Payload)
	next.LastUpdate = at
	return next, nil
}

func reduceTrade(prev Snapshot, env wire.Envelope, at time.Time) (Snapshot, error) {
	var t Trade
	if err := env.DecodePayload(&t); err != nil {
		return prev, err
	}
	if t.Symbol == "" {
		return prev, fmt.Errorf("%s: missing symbol", env.Type)
	}

	existing, held := prev.Positions[t.Symbol]
	p, stillHeld := MergeTrade(existing, held, t)

	next := prev
	next.Positions = copyPositions(prev.Positions)
	if stillHeld {
		next.Positions[t.Symbol] = p
	} else {
		delete(next.Positions, t.Symbol)
	}
	next.LastUpdate = at
	return next, nil
}

func decodeSignal(raw json.RawMessage) (Signal, error) {
	var ref signalRef
	if err := sonic.Unmarshal(raw, &ref); err != nil {
		return Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	if ref.ID == "" {
		return Signal{}, fmt.Errorf("signal without id")
	}
	return Signal{ID: ref.ID, Raw: cloneRaw(raw)}, nil
}

func copyPositions(in map[string]Position) map[string]Position {
	out := make(map[string]Position, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
