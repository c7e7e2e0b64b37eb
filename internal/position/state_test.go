package position

import (
	"context"
	"errors"
	"testing"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

type mockBalanceClient struct {
	balances  ccxt.Balances
	positions []ccxt.Position
	err       error
}

func (m *mockBalanceClient) FetchBalance(params ...interface{}) (ccxt.Balances, error) {
	return m.balances, m.err
}

func (m *mockBalanceClient) FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error) {
	return m.positions, m.err
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

func TestFetchPositions_SignedQuantities(t *testing.T) {
	client := &mockBalanceClient{
		positions: []ccxt.Position{
			{Info: map[string]interface{}{"symbol": "BTCUSDT", "positionAmt": "0.010"}},
			{Info: map[string]interface{}{"symbol": "ETHUSDT", "positionAmt": "-5.0"}},
			{Info: map[string]interface{}{"symbol": "XRPUSDT", "positionAmt": "0"}},
			{Symbol: strPtr("SOL/USDT:USDT"), Contracts: floatPtr(3), Side: strPtr("short")},
		},
	}

	mgr := NewManager(client, nil, nil)
	positions, err := mgr.FetchPositions(context.Background())
	if err != nil {
		t.Fatalf("FetchPositions returned error: %v", err)
	}

	if len(positions) != 3 {
		t.Fatalf("expected 3 non-zero positions, got %v", positions)
	}
	if positions["BTCUSDT"] != 0.010 {
		t.Errorf("expected BTCUSDT=0.010, got %v", positions["BTCUSDT"])
	}
	if positions["ETHUSDT"] != -5.0 {
		t.Errorf("expected ETHUSDT=-5, got %v", positions["ETHUSDT"])
	}
	if positions["SOLUSDT"] != -3 {
		t.Errorf("expected SOLUSDT=-3, got %v", positions["SOLUSDT"])
	}
}

func TestFetchBalance_PrefersAccountInfo(t *testing.T) {
	client := &mockBalanceClient{
		balances: ccxt.Balances{
			Info: map[string]interface{}{
				"totalMarginBalance": "1200.5",
				"availableBalance":   "800.25",
			},
			Total: map[string]*float64{"USDT": floatPtr(1)},
		},
	}

	mgr := NewManager(client, nil, nil)
	balance, err := mgr.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("FetchBalance returned error: %v", err)
	}
	if balance.TotalMargin != 1200.5 || balance.AvailableMargin != 800.25 {
		t.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestFetchBalance_FallsBackToUnifiedTotals(t *testing.T) {
	client := &mockBalanceClient{
		balances: ccxt.Balances{
			Total: map[string]*float64{"USDT": floatPtr(500)},
			Free:  map[string]*float64{"USDT": floatPtr(300)},
		},
	}

	balance, err := NewManager(client, nil, nil).FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("FetchBalance returned error: %v", err)
	}
	if balance.TotalMargin != 500 || balance.AvailableMargin != 300 {
		t.Fatalf("unexpected balance: %+v", balance)
	}
}

func TestManager_UsesCallWrapper(t *testing.T) {
	client := &mockBalanceClient{err: errors.New("boom")}
	var ops []string
	call := func(ctx context.Context, op string, fn func() error) error {
		ops = append(ops, op)
		return fn()
	}

	manager := NewManager(client, call, nil)
	if _, err := manager.FetchBalance(context.Background()); err == nil {
		t.Fatalf("expected balance error")
	}
	if _, err := manager.FetchPositions(context.Background()); err == nil {
		t.Fatalf("expected positions error")
	}
	if len(ops) != 2 || ops[0] != "fetch_balance" || ops[1] != "fetch_positions" {
		t.Fatalf("expected both reads to be wrapped, got %v", ops)
	}
}

func TestSymbolID(t *testing.T) {
	cases := map[string]string{
		"BTC/USDT:USDT":      "BTCUSDT",
		"1000PEPE/USDT:USDT": "1000PEPEUSDT",
		"ETHUSDT":            "ETHUSDT",
		" btc/usdt ":         "BTCUSDT",
	}
	for in, want := range cases {
		if got := SymbolID(in); got != want {
			t.Errorf("SymbolID(%q)=%q want %q", in, got, want)
		}
	}
}
