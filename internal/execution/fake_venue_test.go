package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rebalancer/internal/exchange"
	"rebalancer/internal/market"
	"rebalancer/internal/position"
)

type fillMode int

const (
	fillOnPoll fillMode = iota
	neverFill
	fillOnCancel
	// canceledOnPoll 首次查询时按 partial 成交后返回 CANCELED，仅生效一次
	canceledOnPoll
)

type fakeOrder struct {
	id         string
	symbol     string
	side       exchange.Side
	qty        float64
	price      float64
	reduceOnly bool
	status     exchange.OrderStatus
	executed   float64
}

// placedOrder 记录提交的订单，balanceCalls 为下单时余额已被查询的次数。
type placedOrder struct {
	kind         string
	symbol       string
	side         exchange.Side
	qty          float64
	price        float64
	reduceOnly   bool
	balanceCalls int
}

type fakeVenue struct {
	mu sync.Mutex

	positions map[string]float64
	balance   position.AccountBalance
	rules     map[string]exchange.TradingRules
	bids      map[string]float64
	asks      map[string]float64
	last      map[string]float64

	modes        map[string]fillMode
	partial      map[string]float64
	makerRejects map[string][]string
	alwaysReject map[string]string
	marketReject map[string]string
	cancelErrs   map[string]error
	priceErrs    map[string]int
	modesErr     error

	positionsErr       error
	positionsFailAfter int

	orders        map[string]*fakeOrder
	trades        map[string][]exchange.Trade
	placed        []placedOrder
	makerAttempts map[string]int
	leverage      map[string]int
	positionCalls int
	balanceCalls  int
	modeSymbols   []string
	seq           int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		positions: make(map[string]float64),
		balance:   position.AccountBalance{TotalMargin: 10000, AvailableMargin: 10000},
		rules: map[string]exchange.TradingRules{
			"BTCUSDT": {Symbol: "BTCUSDT", StepSize: 0.001, QuantityPrecision: 3, MinQty: 0.001, MaxQty: 100, MinNotional: 5, TickSize: 0.1, PricePrecision: 1, Status: "TRADING"},
			"ETHUSDT": {Symbol: "ETHUSDT", StepSize: 0.001, QuantityPrecision: 3, MinQty: 0.001, MaxQty: 1000, MinNotional: 5, TickSize: 0.01, PricePrecision: 2, Status: "TRADING"},
			"XRPUSDT": {Symbol: "XRPUSDT", StepSize: 1, QuantityPrecision: 0, MinQty: 1, MaxQty: 1000000, MinNotional: 5, TickSize: 0.0001, PricePrecision: 4, Status: "TRADING"},
		},
		bids:          map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000, "XRPUSDT": 0.5},
		asks:          map[string]float64{"BTCUSDT": 50000.1, "ETHUSDT": 3000.01, "XRPUSDT": 0.5001},
		last:          map[string]float64{"BTCUSDT": 50000, "ETHUSDT": 3000, "XRPUSDT": 0.5},
		modes:         make(map[string]fillMode),
		partial:       make(map[string]float64),
		makerRejects:  make(map[string][]string),
		alwaysReject:  make(map[string]string),
		marketReject:  make(map[string]string),
		cancelErrs:    make(map[string]error),
		priceErrs:     make(map[string]int),
		orders:        make(map[string]*fakeOrder),
		trades:        make(map[string][]exchange.Trade),
		makerAttempts: make(map[string]int),
		leverage:      make(map[string]int),
	}
}

func (v *fakeVenue) setPosition(symbol string, qty float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if qty == 0 {
		delete(v.positions, symbol)
		return
	}
	v.positions[symbol] = qty
}

func (v *fakeVenue) position(symbol string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.positions[symbol]
}

func (v *fakeVenue) placedOrders() []placedOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]placedOrder(nil), v.placed...)
}

// fill 按成交量更新持仓并生成成交明细，调用方需持有锁。
func (v *fakeVenue) fill(o *fakeOrder, executed float64) {
	if executed <= o.executed {
		return
	}
	slice := diff(executed, o.executed)
	o.executed = executed
	next := diff(v.positions[o.symbol], -signedQty(o.side, slice))
	if next == 0 {
		delete(v.positions, o.symbol)
	} else {
		v.positions[o.symbol] = next
	}
	v.trades[o.id] = append(v.trades[o.id], exchange.Trade{
		ID:              fmt.Sprintf("t-%s-%d", o.id, len(v.trades[o.id])+1),
		OrderID:         o.id,
		Symbol:          o.symbol,
		Side:            o.side,
		Quantity:        slice,
		Price:           o.price,
		Commission:      slice * o.price * 0.0002,
		CommissionAsset: "USDT",
		Maker:           true,
	})
}

func (v *fakeVenue) nextID() string {
	v.seq++
	return fmt.Sprintf("%d", v.seq)
}

func (v *fakeVenue) GetPositions(context.Context) (map[string]float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positionCalls++
	if v.positionsErr != nil {
		return nil, v.positionsErr
	}
	if v.positionsFailAfter > 0 && v.positionCalls > v.positionsFailAfter {
		return nil, errors.New("exchange unavailable")
	}
	out := make(map[string]float64, len(v.positions))
	for k, q := range v.positions {
		out[k] = q
	}
	return out, nil
}

func (v *fakeVenue) GetAccountBalances(context.Context) (position.AccountBalance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balanceCalls++
	return v.balance, nil
}

func (v *fakeVenue) GetTradingRules(_ context.Context, symbol string) (exchange.TradingRules, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.rules[symbol]
	if !ok {
		return exchange.TradingRules{}, exchange.ErrUnknownSymbol
	}
	return r, nil
}

func (v *fakeVenue) GetBestPrice(_ context.Context, symbol string, side exchange.Side) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n := v.priceErrs[symbol]; n > 0 {
		v.priceErrs[symbol] = n - 1
		return 0, errors.New("order book unavailable")
	}
	book := v.bids
	if side == exchange.SideSell {
		book = v.asks
	}
	p, ok := book[symbol]
	if !ok {
		return 0, exchange.ErrPriceUnavailable
	}
	return p, nil
}

func (v *fakeVenue) GetLastPrice(_ context.Context, symbol string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.last[symbol]
	if !ok {
		return 0, exchange.ErrPriceUnavailable
	}
	return p, nil
}

func (v *fakeVenue) PlaceMakerOnlyOrder(_ context.Context, symbol string, side exchange.Side, qty, price float64, reduceOnly bool) (exchange.MakerOrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.makerAttempts[symbol]++

	if code, ok := v.alwaysReject[symbol]; ok {
		return exchange.MakerOrderResult{Rejected: true, RejectCode: code, RejectReason: "rejected"}, nil
	}
	if codes := v.makerRejects[symbol]; len(codes) > 0 {
		v.makerRejects[symbol] = codes[1:]
		return exchange.MakerOrderResult{Rejected: true, RejectCode: codes[0], RejectReason: "Order would immediately match and take."}, nil
	}

	id := v.nextID()
	v.orders[id] = &fakeOrder{id: id, symbol: symbol, side: side, qty: qty, price: price, reduceOnly: reduceOnly, status: exchange.StatusNew}
	v.placed = append(v.placed, placedOrder{kind: "maker", symbol: symbol, side: side, qty: qty, price: price, reduceOnly: reduceOnly})
	return exchange.MakerOrderResult{OrderID: id}, nil
}

func (v *fakeVenue) PlaceMarketOrder(_ context.Context, symbol string, side exchange.Side, qty float64, reduceOnly bool) (exchange.MarketOrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placed = append(v.placed, placedOrder{kind: "market", symbol: symbol, side: side, qty: qty, reduceOnly: reduceOnly, balanceCalls: v.balanceCalls})
	if code, ok := v.marketReject[symbol]; ok {
		return exchange.MarketOrderResult{Rejected: true, RejectCode: code, RejectReason: "Margin is insufficient."}, nil
	}

	id := v.nextID()
	o := &fakeOrder{id: id, symbol: symbol, side: side, qty: qty, price: v.last[symbol], reduceOnly: reduceOnly, status: exchange.StatusFilled}
	v.orders[id] = o
	v.fill(o, qty)
	for i := range v.trades[id] {
		v.trades[id][i].Maker = false
	}
	return exchange.MarketOrderResult{OrderID: id, FilledQty: qty, AvgPrice: o.price}, nil
}

func (v *fakeVenue) GetOrderStatus(_ context.Context, _ string, orderID string) (exchange.OrderState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return exchange.OrderState{}, exchange.ErrOrderNotFound
	}

	if v.modes[o.symbol] == canceledOnPoll && !o.status.Terminal() {
		v.fill(o, v.partial[o.symbol])
		o.status = exchange.StatusCanceled
		delete(v.modes, o.symbol)
		delete(v.partial, o.symbol)
	}
	if o.status == exchange.StatusNew || o.status == exchange.StatusPartiallyFilled {
		if partial, ok := v.partial[o.symbol]; ok && o.executed < partial {
			v.fill(o, partial)
			o.status = exchange.StatusPartiallyFilled
		} else if v.modes[o.symbol] == fillOnPoll && o.status == exchange.StatusNew {
			v.fill(o, o.qty)
			o.status = exchange.StatusFilled
		}
	}
	return exchange.OrderState{
		OrderID:     o.id,
		Symbol:      o.symbol,
		Side:        o.side,
		Status:      o.status,
		ExecutedQty: o.executed,
		AvgPrice:    o.price,
	}, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, _ string, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok || o.status.Terminal() {
		return exchange.ErrOrderNotFound
	}
	if err := v.cancelErrs[o.symbol]; err != nil {
		return err
	}
	delete(v.partial, o.symbol)
	if v.modes[o.symbol] == fillOnCancel {
		v.fill(o, o.qty)
		o.status = exchange.StatusFilled
		return fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, orderID)
	}
	o.status = exchange.StatusCanceled
	return nil
}

func (v *fakeVenue) GetTradesForOrder(_ context.Context, _ string, orderID string) ([]exchange.Trade, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]exchange.Trade(nil), v.trades[orderID]...), nil
}

func (v *fakeVenue) GetOpenOrders(_ context.Context, symbol string) ([]exchange.OpenOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []exchange.OpenOrder
	for _, o := range v.orders {
		if o.status.Terminal() || (symbol != "" && o.symbol != symbol) {
			continue
		}
		out = append(out, exchange.OpenOrder{OrderID: o.id, Symbol: o.symbol, Side: o.side, Remaining: o.qty - o.executed})
	}
	return out, nil
}

func (v *fakeVenue) CancelAllOpenOrders(ctx context.Context) (int, error) {
	open, _ := v.GetOpenOrders(ctx, "")
	n := 0
	for _, o := range open {
		if err := v.CancelOrder(ctx, o.Symbol, o.OrderID); err == nil {
			n++
		}
	}
	return n, nil
}

func (v *fakeVenue) SetLeverage(_ context.Context, symbol string, leverage int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leverage[symbol] = leverage
	return nil
}

func (v *fakeVenue) EnsureAccountModes(_ context.Context, symbols []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.modeSymbols = append([]string(nil), symbols...)
	return v.modesErr
}

// fakeClock 在 After 被调用时立即推进时间，等待窗口无需真实耗时。
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	onAfter func(now time.Time)
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	hook := c.onAfter
	c.mu.Unlock()

	if hook != nil {
		hook(now)
	}
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func testOptions(clock Clock) Options {
	return Options{
		RunBudget:             2 * time.Minute,
		FillWait:              30 * time.Second,
		PollInterval:          2 * time.Second,
		PostOnlyRetryWindow:   60 * time.Second,
		PostOnlyRetryInterval: time.Second,
		NegligibleNotional:    5,
		PriceConcurrency:      2,
		Clock:                 clock,
	}
}

func newTestReconciler(v *fakeVenue, opts Options) *Reconciler {
	rules := market.NewRuleCache(v, nil)
	normalizer := market.NewNormalizer(rules, nil)
	oracle := market.NewOracle(v, rules, opts.PriceConcurrency, nil)
	return NewReconciler(v, rules, normalizer, oracle, opts, nil, nil)
}

func newTestFallback(v *fakeVenue, opts Options) *FallbackExecutor {
	rules := market.NewRuleCache(v, nil)
	normalizer := market.NewNormalizer(rules, nil)
	oracle := market.NewOracle(v, rules, opts.PriceConcurrency, nil)
	return NewFallbackExecutor(v, normalizer, oracle, opts, nil, nil)
}
