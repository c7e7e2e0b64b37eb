package market

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/exchange"
)

type stubRules struct {
	rules map[string]exchange.TradingRules
	calls int32
}

func (s *stubRules) GetTradingRules(_ context.Context, symbol string) (exchange.TradingRules, error) {
	atomic.AddInt32(&s.calls, 1)
	r, ok := s.rules[symbol]
	if !ok {
		return exchange.TradingRules{}, exchange.ErrUnknownSymbol
	}
	return r, nil
}

type stubPrices struct {
	best map[exchange.Side]float64
	last map[string]float64
}

func (s *stubPrices) GetBestPrice(_ context.Context, symbol string, side exchange.Side) (float64, error) {
	return s.best[side], nil
}

func (s *stubPrices) GetLastPrice(_ context.Context, symbol string) (float64, error) {
	p, ok := s.last[symbol]
	if !ok {
		return 0, errors.New("no ticker")
	}
	return p, nil
}

func btcRules() exchange.TradingRules {
	return exchange.TradingRules{
		Symbol: "BTCUSDT", StepSize: 0.001, QuantityPrecision: 3,
		MinQty: 0.001, MaxQty: 100, MinNotional: 5, TickSize: 0.1, PricePrecision: 1,
	}
}

func newTestNormalizer() (*Normalizer, *stubRules) {
	src := &stubRules{rules: map[string]exchange.TradingRules{"BTCUSDT": btcRules()}}
	return NewNormalizer(NewRuleCache(src, nil), nil), src
}

func TestNormalize_QuantityTooSmall(t *testing.T) {
	n, _ := newTestNormalizer()

	qty, reason := n.Normalize(context.Background(), "BTCUSDT", 0.0004, 50000, false)
	assert.Zero(t, qty)
	assert.Equal(t, ReasonQuantityTooSmall, reason)
}

func TestNormalize_RoundsToNearestStep(t *testing.T) {
	n, _ := newTestNormalizer()

	qty, reason := n.Normalize(context.Background(), "BTCUSDT", 0.0106, 50000, false)
	assert.Equal(t, 0.011, qty)
	assert.Empty(t, reason)

	qty, _ = n.Normalize(context.Background(), "BTCUSDT", -0.0104, 50000, false)
	assert.Equal(t, 0.010, qty)
}

func TestNormalize_ClampsToMaxQty(t *testing.T) {
	n, _ := newTestNormalizer()

	qty, reason := n.Normalize(context.Background(), "BTCUSDT", 250, 50000, false)
	assert.Equal(t, 100.0, qty)
	assert.Equal(t, ReasonQuantityTooLarge, reason)
}

func TestNormalize_NotionalOnlyCheckedForOpens(t *testing.T) {
	n, _ := newTestNormalizer()

	qty, reason := n.Normalize(context.Background(), "BTCUSDT", 0.001, 1000, false)
	assert.Zero(t, qty)
	assert.Equal(t, ReasonNotionalTooLow, reason)

	qty, reason = n.Normalize(context.Background(), "BTCUSDT", 0.001, 1000, true)
	assert.Equal(t, 0.001, qty)
	assert.Empty(t, reason)
}

func TestNormalize_MissingRules(t *testing.T) {
	n, _ := newTestNormalizer()

	qty, reason := n.Normalize(context.Background(), "DOGEUSDT", 10, 0.1, false)
	assert.Zero(t, qty)
	assert.Equal(t, ReasonRulesUnavailable, reason)
}

func TestNormalize_ZeroStepSizeIsRulesUnavailable(t *testing.T) {
	broken := btcRules()
	broken.StepSize = 0
	src := &stubRules{rules: map[string]exchange.TradingRules{"BTCUSDT": broken}}
	n := NewNormalizer(NewRuleCache(src, nil), nil)

	var qty float64
	var reason string
	require.NotPanics(t, func() {
		qty, reason = n.Normalize(context.Background(), "BTCUSDT", 0.01, 50000, false)
	})
	assert.Zero(t, qty)
	assert.Equal(t, ReasonRulesUnavailable, reason)
}

func TestNormalize_ResultIsStepMultipleWithinBounds(t *testing.T) {
	n, _ := newTestNormalizer()
	rules := btcRules()
	rng := rand.New(rand.NewSource(7))
	step := decimal.NewFromFloat(rules.StepSize)

	for i := 0; i < 2000; i++ {
		raw := rng.Float64() * 150
		price := 1 + rng.Float64()*60000
		isClose := rng.Intn(2) == 0

		qty, _ := n.Normalize(context.Background(), "BTCUSDT", raw, price, isClose)
		if qty == 0 {
			continue
		}
		d := decimal.NewFromFloat(qty)
		require.True(t, d.Mod(step).IsZero(), "qty %v is not a multiple of step", qty)
		require.GreaterOrEqual(t, qty, rules.MinQty)
		require.LessOrEqual(t, qty, rules.MaxQty)
		if !isClose {
			require.GreaterOrEqual(t, qty*price, rules.MinNotional-1e-9)
		}
	}
}

func TestRuleCache_FetchesOncePerRun(t *testing.T) {
	src := &stubRules{rules: map[string]exchange.TradingRules{"BTCUSDT": btcRules()}}
	cache := NewRuleCache(src, nil)

	for i := 0; i < 3; i++ {
		_, err := cache.Get(context.Background(), "btcusdt")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&src.calls))

	cache.Reset()
	_, err := cache.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&src.calls))
}

func TestRoundToTick(t *testing.T) {
	assert.Equal(t, 50000.1, RoundToTick(50000.17, 0.1, 1, exchange.SideBuy))
	assert.Equal(t, 50000.2, RoundToTick(50000.11, 0.1, 1, exchange.SideSell))
	assert.Equal(t, 0.5123, RoundToTick(0.5123, 0.0001, 4, exchange.SideSell))
	assert.Equal(t, 12.5, RoundToTick(12.5, 0, -1, exchange.SideBuy))
}

func TestMakerPrice_UsesMakerSideAndTick(t *testing.T) {
	rules := NewRuleCache(&stubRules{rules: map[string]exchange.TradingRules{"BTCUSDT": btcRules()}}, nil)
	prices := &stubPrices{best: map[exchange.Side]float64{
		exchange.SideBuy:  49999.96,
		exchange.SideSell: 50000.04,
	}}
	oracle := NewOracle(prices, rules, 2, nil)

	buy, err := oracle.MakerPrice(context.Background(), "BTCUSDT", exchange.SideBuy)
	require.NoError(t, err)
	assert.Equal(t, 49999.9, buy)

	sell, err := oracle.MakerPrice(context.Background(), "BTCUSDT", exchange.SideSell)
	require.NoError(t, err)
	assert.Equal(t, 50000.1, sell)
}

func TestLastPrices_CollectsFailures(t *testing.T) {
	oracle := NewOracle(&stubPrices{last: map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000}}, nil, 2, nil)

	prices, failures := oracle.LastPrices(context.Background(), []string{"BTCUSDT", "ETHUSDT", "NOPEUSDT"})
	assert.Equal(t, map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000}, prices)
	require.Len(t, failures, 1)
	assert.Error(t, failures["NOPEUSDT"])
	assert.False(t, math.IsNaN(prices["BTCUSDT"]))
}

func TestTradable_ReportsVenueStatus(t *testing.T) {
	halted := btcRules()
	halted.Symbol = "LUNAUSDT"
	halted.Status = "SETTLING"
	src := &stubRules{rules: map[string]exchange.TradingRules{"BTCUSDT": btcRules(), "LUNAUSDT": halted}}
	n := NewNormalizer(NewRuleCache(src, nil), nil)

	ok, reason := n.Tradable(context.Background(), "BTCUSDT")
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason = n.Tradable(context.Background(), "LUNAUSDT")
	assert.False(t, ok)
	assert.Equal(t, ReasonNotTradable, reason)

	ok, reason = n.Tradable(context.Background(), "NOPEUSDT")
	assert.False(t, ok)
	assert.Equal(t, ReasonRulesUnavailable, reason)
}
