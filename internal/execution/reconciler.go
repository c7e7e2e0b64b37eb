package execution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"rebalancer/internal/exchange"
	"rebalancer/internal/market"
	"rebalancer/internal/position"
	"rebalancer/internal/target"
)

// LoopInput 为调仓循环的输入。
type LoopInput struct {
	RunID    string
	Targets  target.Map
	Start    map[string]float64
	FirstDay bool
	Leverage float64
	Budget   time.Duration
}

// LoopResult 为调仓循环结束时的状态。
type LoopResult struct {
	Targets   target.Map
	Positions map[string]float64
	Pinned    []string
	Rounds    int
	Converged bool
	Aborted   bool
}

type loopState struct {
	in      LoopInput
	targets target.Map
	pinned  map[string]struct{}
	prices  map[string]float64
	acc     *Accumulator
	round   int
}

type workItem struct {
	symbol string
	delta  float64
	kind   Kind
}

type pendingOrder struct {
	symbol  string
	orderID string
	side    exchange.Side
	kind    Kind
	qty     float64
	price   float64
	filled  float64
	done    bool
}

// Reconciler 以 postOnly 限价单逐轮把持仓推进到目标仓位。
type Reconciler struct {
	venue      Venue
	rules      *market.RuleCache
	normalizer *market.Normalizer
	oracle     *market.Oracle
	opts       Options
	metrics    Metrics
	logger     *zap.Logger
}

// NewReconciler 创建调仓循环。
func NewReconciler(venue Venue, rules *market.RuleCache, normalizer *market.Normalizer, oracle *market.Oracle, opts Options, metrics Metrics, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Reconciler{
		venue:      venue,
		rules:      rules,
		normalizer: normalizer,
		oracle:     oracle,
		opts:       opts.withDefaults(),
		metrics:    metrics,
		logger:     logger,
	}
}

// Run 循环执行调仓直到全部收敛、时间预算耗尽或账户状态不可读。
//
// 每轮开始都从交易所重新读取持仓与余额；单个合约的失败只记录原因并跳过本轮。
func (r *Reconciler) Run(ctx context.Context, in LoopInput, acc *Accumulator) LoopResult {
	clock := r.opts.Clock
	if in.Leverage <= 0 {
		in.Leverage = 1
	}
	budget := in.Budget
	if budget <= 0 {
		budget = r.opts.RunBudget
	}

	st := &loopState{
		in:      in,
		targets: in.Targets.Clone(),
		pinned:  make(map[string]struct{}),
		prices:  make(map[string]float64),
		acc:     acc,
	}
	deadline := clock.Now().Add(budget)
	res := LoopResult{}

	for {
		if err := ctx.Err(); err != nil {
			acc.RecordGlobal(fmt.Sprintf("run canceled: %v", err))
			res.Aborted = true
			break
		}
		if !clock.Now().Before(deadline) {
			r.logger.Warn("调仓时间预算耗尽",
				zap.String("run_id", in.RunID),
				zap.Int("rounds", st.round),
				zap.Duration("budget", budget),
			)
			break
		}

		st.round++
		res.Rounds = st.round

		positions, balance, err := r.fetchAccount(ctx)
		if err != nil {
			acc.RecordGlobal(err.Error())
			res.Aborted = true
			r.logger.Error("读取账户状态失败，终止调仓", zap.String("run_id", in.RunID), zap.Error(err))
			break
		}
		res.Positions = positions

		work := r.plan(st, positions)
		if len(work) == 0 {
			res.Converged = true
			r.logger.Info("持仓已收敛", zap.String("run_id", in.RunID), zap.Int("rounds", st.round))
			break
		}

		live := r.liveOrders(ctx)
		available := balance.AvailableMargin
		pending := make([]*pendingOrder, 0, len(work))
		for _, w := range work {
			if ctx.Err() != nil {
				break
			}
			if p := r.submit(ctx, st, w, live, &available); p != nil {
				pending = append(pending, p)
			}
		}
		r.metrics.RoundCompleted(len(pending))
		r.logger.Info("本轮挂单完成",
			zap.String("run_id", in.RunID),
			zap.Int("round", st.round),
			zap.Int("deltas", len(work)),
			zap.Int("submitted", len(pending)),
			zap.Float64("available_margin", available),
		)

		if len(pending) == 0 {
			r.sleep(ctx, r.opts.PollInterval)
		} else {
			r.awaitFills(ctx, st, pending, positions)
			r.cancelOutstanding(ctx, st, pending, positions)
		}

		if !in.FirstDay && ctx.Err() == nil {
			latest, err := r.venue.GetPositions(ctx)
			if err != nil {
				r.logger.Warn("刷新持仓失败，使用本轮成交推算的持仓", zap.Error(err))
				latest = positions
			}
			res.Positions = latest
			r.pinNegligible(ctx, st, latest)
		}
	}

	res.Targets = st.targets
	for symbol := range st.pinned {
		res.Pinned = append(res.Pinned, symbol)
	}
	sort.Strings(res.Pinned)
	return res
}

func (r *Reconciler) fetchAccount(ctx context.Context) (map[string]float64, position.AccountBalance, error) {
	positions, err := r.venue.GetPositions(ctx)
	if err != nil {
		return nil, position.AccountBalance{}, fmt.Errorf("fetch positions failed: %v", err)
	}
	balance, err := r.venue.GetAccountBalances(ctx)
	if err != nil {
		return nil, position.AccountBalance{}, fmt.Errorf("fetch balance failed: %v", err)
	}
	return positions, balance, nil
}

// plan 计算目标与当前持仓的差值，按 平仓、反向开仓、开仓 排序，同类按合约名排序。
func (r *Reconciler) plan(st *loopState, positions map[string]float64) []workItem {
	symbols := make(map[string]struct{}, len(st.targets)+len(positions))
	for s := range st.targets {
		symbols[s] = struct{}{}
	}
	for s := range positions {
		symbols[s] = struct{}{}
	}

	work := make([]workItem, 0, len(symbols))
	for symbol := range symbols {
		if _, ok := st.pinned[symbol]; ok {
			continue
		}
		tgt := st.targets[symbol]
		cur := positions[symbol]
		delta := diff(tgt, cur)
		if delta == 0 {
			continue
		}
		work = append(work, workItem{
			symbol: symbol,
			delta:  delta,
			kind:   classify(st.in.Start[symbol], cur, tgt),
		})
	}

	sort.Slice(work, func(i, j int) bool {
		if work[i].kind != work[j].kind {
			return work[i].kind < work[j].kind
		}
		return work[i].symbol < work[j].symbol
	})
	return work
}

func orderKey(symbol string, side exchange.Side) string {
	return symbol + "/" + string(side)
}

// liveOrders 查询交易所侧仍在挂单的 合约/方向，查询失败时仅依赖本地记录。
func (r *Reconciler) liveOrders(ctx context.Context) map[string]struct{} {
	live := make(map[string]struct{})
	orders, err := r.venue.GetOpenOrders(ctx, "")
	if err != nil {
		r.logger.Warn("查询挂单失败，仅使用本地记录去重", zap.Error(err))
		return live
	}
	for _, o := range orders {
		live[orderKey(strings.ToUpper(o.Symbol), o.Side)] = struct{}{}
	}
	return live
}

func (r *Reconciler) submit(ctx context.Context, st *loopState, w workItem, live map[string]struct{}, available *float64) *pendingOrder {
	side := exchange.SideForDelta(w.delta)
	key := orderKey(w.symbol, side)
	if _, ok := live[key]; ok {
		r.logger.Info("存在同向挂单，等待其结束",
			zap.String("symbol", w.symbol),
			zap.String("side", string(side)),
		)
		return nil
	}

	if w.kind == KindOpen {
		if ok, reason := r.normalizer.Tradable(ctx, w.symbol); !ok {
			st.acc.RecordError(w.symbol, reason)
			return nil
		}
	}

	price, err := r.oracle.MakerPrice(ctx, w.symbol, side)
	if err != nil {
		st.acc.RecordError(w.symbol, market.ReasonPriceUnavailable)
		r.logger.Warn("获取挂单价格失败", zap.String("symbol", w.symbol), zap.Error(err))
		return nil
	}
	st.prices[w.symbol] = price

	qty, reason := r.normalizer.Normalize(ctx, w.symbol, abs(w.delta), price, w.kind.closing())
	if qty == 0 {
		st.acc.RecordError(w.symbol, reason)
		return nil
	}
	if reason != "" {
		st.acc.RecordError(w.symbol, reason)
	}

	if w.kind == KindOpen {
		required := qty * price / st.in.Leverage
		if *available < required {
			st.acc.RecordError(w.symbol, ReasonInsufficientBalance)
			r.logger.Info("可用保证金不足，本轮跳过",
				zap.String("symbol", w.symbol),
				zap.Float64("required", required),
				zap.Float64("available", *available),
			)
			return nil
		}
	}

	orderID, placedAt, ok := r.placeMaker(ctx, st, w.symbol, side, qty, price, w.kind == KindClose)
	if !ok {
		return nil
	}
	if w.kind == KindOpen {
		*available -= qty * placedAt / st.in.Leverage
	}
	live[key] = struct{}{}

	r.logger.Info("已提交挂单",
		zap.String("symbol", w.symbol),
		zap.String("kind", w.kind.String()),
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
		zap.Float64("price", placedAt),
		zap.String("order_id", orderID),
	)
	return &pendingOrder{
		symbol:  w.symbol,
		orderID: orderID,
		side:    side,
		kind:    w.kind,
		qty:     qty,
		price:   placedAt,
	}
}

// placeMaker 提交 postOnly 订单；被判定会吃单时在重试窗口内刷新价格重挂。
func (r *Reconciler) placeMaker(ctx context.Context, st *loopState, symbol string, side exchange.Side, qty, price float64, reduceOnly bool) (string, float64, bool) {
	clock := r.opts.Clock
	retryUntil := clock.Now().Add(r.opts.PostOnlyRetryWindow)

	for attempt := 1; ; attempt++ {
		res, err := r.venue.PlaceMakerOnlyOrder(ctx, symbol, side, qty, price, reduceOnly)
		if err != nil {
			st.acc.RecordError(symbol, fmt.Sprintf("order submit failed: %v", err))
			r.logger.Warn("挂单失败", zap.String("symbol", symbol), zap.Error(err))
			return "", 0, false
		}
		if !res.Rejected {
			r.metrics.OrderSubmitted(PhaseMaker, side)
			return res.OrderID, price, true
		}

		r.metrics.OrderRejected(res.RejectCode)
		if res.RejectCode != exchange.RejectWouldCross {
			st.acc.RecordError(symbol, rejectReason(res.RejectCode, res.RejectReason))
			r.logger.Warn("挂单被拒绝",
				zap.String("symbol", symbol),
				zap.String("code", res.RejectCode),
				zap.String("reason", res.RejectReason),
			)
			return "", 0, false
		}

		refreshed, reason, ok := r.refreshMakerPrice(ctx, symbol, side, retryUntil)
		if !ok {
			if reason != "" {
				st.acc.RecordError(symbol, reason)
				r.logger.Warn("postOnly 重试窗口耗尽",
					zap.String("symbol", symbol),
					zap.Int("attempts", attempt),
					zap.String("reason", reason),
				)
			}
			return "", 0, false
		}
		price = refreshed
		st.prices[symbol] = price
		r.logger.Debug("postOnly 会吃单，刷新价格重试",
			zap.String("symbol", symbol),
			zap.Int("attempt", attempt),
			zap.Float64("price", price),
		)
	}
}

// refreshMakerPrice 在重试窗口内等待后重新取价，取价失败时继续等待直到窗口结束。
// 窗口耗尽时返回失败原因；ctx 取消时原因为空。
func (r *Reconciler) refreshMakerPrice(ctx context.Context, symbol string, side exchange.Side, retryUntil time.Time) (float64, string, bool) {
	reason := ReasonWouldCross
	for r.opts.Clock.Now().Before(retryUntil) {
		if !r.sleep(ctx, r.opts.PostOnlyRetryInterval) {
			return 0, "", false
		}
		price, err := r.oracle.MakerPrice(ctx, symbol, side)
		if err == nil {
			return price, "", true
		}
		reason = market.ReasonPriceUnavailable
		r.logger.Warn("重试取价失败", zap.String("symbol", symbol), zap.Error(err))
	}
	return 0, reason, false
}

func rejectReason(code, message string) string {
	reason := "order rejected"
	if code != "" {
		reason += ": code " + code
	}
	if message != "" {
		reason += " " + message
	}
	return reason
}

func (r *Reconciler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.opts.Clock.After(d):
		return true
	}
}

// awaitFills 在等待窗口内轮询未结束的订单，全部结束时提前返回。
func (r *Reconciler) awaitFills(ctx context.Context, st *loopState, pending []*pendingOrder, positions map[string]float64) {
	clock := r.opts.Clock
	deadline := clock.Now().Add(r.opts.FillWait)

	for unresolved(pending) > 0 {
		remaining := deadline.Sub(clock.Now())
		if remaining <= 0 {
			return
		}
		wait := r.opts.PollInterval
		if remaining < wait {
			wait = remaining
		}
		if !r.sleep(ctx, wait) {
			return
		}
		for _, p := range pending {
			if !p.done {
				r.poll(ctx, st, p, positions)
			}
		}
	}
}

func unresolved(pending []*pendingOrder) int {
	n := 0
	for _, p := range pending {
		if !p.done {
			n++
		}
	}
	return n
}

func (r *Reconciler) poll(ctx context.Context, st *loopState, p *pendingOrder, positions map[string]float64) {
	state, err := r.venue.GetOrderStatus(ctx, p.symbol, p.orderID)
	if err != nil {
		if exchange.IsOrderNotFound(err) {
			r.resolve(ctx, st, p, p.filled, p.price, "order not found", positions)
			return
		}
		r.logger.Warn("查询订单状态失败",
			zap.String("symbol", p.symbol),
			zap.String("order_id", p.orderID),
			zap.Error(err),
		)
		return
	}

	switch state.Status {
	case exchange.StatusFilled:
		executed := state.ExecutedQty
		if executed <= 0 {
			executed = p.qty
		}
		r.resolve(ctx, st, p, executed, state.AvgPrice, "", positions)
	case exchange.StatusPartiallyFilled:
		r.applyFill(p, state.ExecutedQty, positions)
	case exchange.StatusNew:
	default:
		r.resolve(ctx, st, p, state.ExecutedQty, state.AvgPrice,
			fmt.Sprintf("order ended without fill: %s", state.Status), positions)
	}
}

func (r *Reconciler) applyFill(p *pendingOrder, executed float64, positions map[string]float64) {
	if executed <= p.filled {
		return
	}
	positions[p.symbol] += signedQty(p.side, executed-p.filled)
	p.filled = executed
	r.logger.Debug("订单部分成交",
		zap.String("symbol", p.symbol),
		zap.String("order_id", p.orderID),
		zap.Float64("filled", p.filled),
		zap.Float64("qty", p.qty),
	)
}

// resolve 结束订单跟踪，以成交明细为准记录成交；没有任何成交时记录 noFillReason。
func (r *Reconciler) resolve(ctx context.Context, st *loopState, p *pendingOrder, executedQty, avgPrice float64, noFillReason string, positions map[string]float64) {
	p.done = true
	if executedQty < p.filled {
		executedQty = p.filled
	}
	if avgPrice <= 0 {
		avgPrice = p.price
	}

	rec, ok := fillRecord(ctx, r.venue, r.opts.Clock, r.logger, p.symbol, p.orderID, p.side, executedQty, avgPrice)
	if !ok {
		if noFillReason != "" {
			st.acc.RecordError(p.symbol, noFillReason)
		}
		r.logger.Info("订单结束且无成交",
			zap.String("symbol", p.symbol),
			zap.String("order_id", p.orderID),
			zap.String("reason", noFillReason),
		)
		return
	}

	r.applyFill(p, rec.Quantity, positions)
	rec.Phase = PhaseMaker
	rec.Round = st.round
	st.acc.RecordTrade(rec)
	r.metrics.OrderFilled(PhaseMaker, rec.Quantity*rec.AvgPrice)
	r.logger.Info("订单成交",
		zap.String("symbol", rec.Symbol),
		zap.String("side", string(rec.Side)),
		zap.Float64("qty", rec.Quantity),
		zap.Float64("avg_price", rec.AvgPrice),
		zap.String("order_id", rec.OrderID),
	)
}

// cancelOutstanding 撤销窗口结束时仍未完成的订单，撤单返回订单不存在时回查成交。
func (r *Reconciler) cancelOutstanding(ctx context.Context, st *loopState, pending []*pendingOrder, positions map[string]float64) {
	cancelCtx := context.WithoutCancel(ctx)
	for _, p := range pending {
		if p.done {
			continue
		}
		err := r.venue.CancelOrder(cancelCtx, p.symbol, p.orderID)
		switch {
		case err == nil, exchange.IsOrderNotFound(err):
			r.resolve(cancelCtx, st, p, p.filled, p.price, "", positions)
		default:
			// 撤单失败也要记录已观察到的部分成交
			r.resolve(cancelCtx, st, p, p.filled, p.price, "", positions)
			st.acc.RecordError(p.symbol, fmt.Sprintf("cancel failed: %v", err))
			r.logger.Warn("撤单失败",
				zap.String("symbol", p.symbol),
				zap.String("order_id", p.orderID),
				zap.Error(err),
			)
		}
	}
}

// pinNegligible 非首日运行时，将名义价值低于下限的开仓残差固定为当前持仓，后续轮次不再处理。
func (r *Reconciler) pinNegligible(ctx context.Context, st *loopState, positions map[string]float64) {
	for _, symbol := range st.targets.Symbols() {
		if _, ok := st.pinned[symbol]; ok {
			continue
		}
		tgt := st.targets[symbol]
		if tgt == 0 {
			continue
		}
		cur := positions[symbol]
		delta := diff(tgt, cur)
		if delta == 0 || classify(st.in.Start[symbol], cur, tgt) == KindClose {
			continue
		}

		price, ok := st.prices[symbol]
		if !ok {
			last, err := r.oracle.LastPrice(ctx, symbol)
			if err != nil {
				continue
			}
			price = last
		}
		rules, err := r.rules.Get(ctx, symbol)
		if err != nil {
			continue
		}
		minNotional := rules.MinNotional
		if minNotional <= 0 {
			minNotional = r.opts.NegligibleNotional
		}

		qty, _ := r.normalizer.Normalize(ctx, symbol, abs(delta), price, true)
		if qty > 0 && qty*price >= minNotional {
			continue
		}

		st.targets[symbol] = cur
		st.pinned[symbol] = struct{}{}
		st.acc.RecordError(symbol, ReasonPinned)
		r.logger.Info("残差可忽略，目标固定为当前持仓",
			zap.String("symbol", symbol),
			zap.Float64("target", tgt),
			zap.Float64("current", cur),
			zap.Float64("price", price),
		)
	}
}
