package execution

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"rebalancer/internal/market"
	"rebalancer/internal/target"
)

const finalFetchTimeout = 30 * time.Second

// Engine 串联目标构建、挂单循环与市价兜底，完成一次完整调仓。
type Engine struct {
	venue      Venue
	rules      *market.RuleCache
	builder    *target.Builder
	reconciler *Reconciler
	fallback   *FallbackExecutor
	opts       Options
	metrics    Metrics
	logger     *zap.Logger
}

// NewEngine 基于交易所接口组装调仓引擎，metrics 为 nil 时不上报指标。
func NewEngine(venue Venue, opts Options, metrics Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	opts = opts.withDefaults()

	rules := market.NewRuleCache(venue, logger)
	normalizer := market.NewNormalizer(rules, logger)
	oracle := market.NewOracle(venue, rules, opts.PriceConcurrency, logger)

	return &Engine{
		venue:      venue,
		rules:      rules,
		builder:    target.NewBuilder(oracle, normalizer, logger),
		reconciler: NewReconciler(venue, rules, normalizer, oracle, opts, metrics, logger),
		fallback:   NewFallbackExecutor(venue, normalizer, oracle, opts, metrics, logger),
		opts:       opts,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run 执行一次调仓并总是返回结果；只有账户状态不可读时才在 global 键下记录中止原因。
func (e *Engine) Run(ctx context.Context, rc RunContext) RunResult {
	clock := e.opts.Clock
	acc := NewAccumulator(rc.RunID)
	result := RunResult{
		RunID:     rc.RunID,
		StartedAt: clock.Now(),
		Targets:   target.Map{},
	}
	logger := e.logger.With(zap.String("run_id", rc.RunID))

	defer func() {
		result.Errors = acc.Errors()
		result.Trades = acc.Trades()
		result.Commission, result.RealizedPnL = acc.Totals()
		result.FinishedAt = clock.Now()
		e.metrics.RunFinished(result.Converged, result.FallbackUsed, len(result.Errors), result.FinishedAt.Sub(result.StartedAt))
		logger.Info("调仓结束",
			zap.Bool("converged", result.Converged),
			zap.Bool("fallback", result.FallbackUsed),
			zap.Int("rounds", result.Rounds),
			zap.Int("trades", len(result.Trades)),
			zap.Int("errors", len(result.Errors)),
			zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
		)
	}()

	e.rules.Reset()

	if e.opts.CancelOpenOrdersOnStart {
		if n, err := e.venue.CancelAllOpenOrders(ctx); err != nil {
			logger.Warn("撤销历史挂单存在失败", zap.Int("canceled", n), zap.Error(err))
		}
	}

	initial, err := e.venue.GetPositions(ctx)
	if err != nil {
		acc.RecordGlobal(fmt.Sprintf("fetch positions failed: %v", err))
		return result
	}
	before, err := e.venue.GetAccountBalances(ctx)
	if err != nil {
		acc.RecordGlobal(fmt.Sprintf("fetch balance failed: %v", err))
		return result
	}
	result.InitialPositions = initial
	result.FinalPositions = initial
	result.Before = before
	result.FirstDay = len(initial) == 0

	if rc.Equity <= 0 {
		acc.RecordGlobal(fmt.Sprintf("non-positive equity: %.4f", rc.Equity))
		return result
	}

	long, removedLong := target.FilterBlacklisted(rc.Long, rc.Blacklist)
	short, removedShort := target.FilterBlacklisted(rc.Short, rc.Blacklist)
	if removed := append(removedLong, removedShort...); len(removed) > 0 {
		sort.Strings(removed)
		acc.RecordError(BlacklistErrorKey, strings.Join(removed, ","))
	}

	leverage := float64(rc.Leverage)
	if leverage <= 0 {
		leverage = 1
	}
	targets, skipped := e.builder.Build(ctx, long, short, rc.Equity, rc.Slots, leverage)
	for symbol, reason := range skipped {
		acc.RecordError(symbol, reason)
	}
	result.Targets = targets

	e.ensureAccountModes(ctx, logger, targets)
	e.setLeverage(ctx, logger, targets, rc.Leverage)

	loop := e.reconciler.Run(ctx, LoopInput{
		RunID:    rc.RunID,
		Targets:  targets,
		Start:    initial,
		FirstDay: result.FirstDay,
		Leverage: leverage,
		Budget:   rc.TimeBudget,
	}, acc)
	result.Targets = loop.Targets
	result.Pinned = loop.Pinned
	result.Rounds = loop.Rounds
	result.Converged = loop.Converged
	if loop.Positions != nil {
		result.FinalPositions = loop.Positions
	}

	if !loop.Converged && !loop.Aborted {
		e.runFallback(ctx, logger, &result, loop, initial, leverage, acc)
	}

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFetchTimeout)
	defer cancel()
	if positions, err := e.venue.GetPositions(finalCtx); err != nil {
		logger.Warn("获取最终持仓失败", zap.Error(err))
	} else {
		result.FinalPositions = positions
		if !result.Converged {
			result.Converged = converged(result.Targets, positions, loop.Pinned)
		}
	}
	if after, err := e.venue.GetAccountBalances(finalCtx); err != nil {
		logger.Warn("获取最终余额失败", zap.Error(err))
	} else {
		result.After = after
	}
	return result
}

// ensureAccountModes 确认单向持仓与全仓模式，失败只记录日志，不中止本次调仓。
func (e *Engine) ensureAccountModes(ctx context.Context, logger *zap.Logger, targets target.Map) {
	symbols := targets.Symbols()
	if len(symbols) == 0 {
		return
	}
	if err := e.venue.EnsureAccountModes(ctx, symbols); err != nil {
		logger.Warn("设置账户模式存在失败", zap.Strings("symbols", symbols), zap.Error(err))
	}
}

func (e *Engine) setLeverage(ctx context.Context, logger *zap.Logger, targets target.Map, leverage int) {
	if leverage <= 0 {
		return
	}
	for _, symbol := range targets.Symbols() {
		if err := e.venue.SetLeverage(ctx, symbol, leverage); err != nil {
			logger.Warn("设置杠杆失败", zap.String("symbol", symbol), zap.Int("leverage", leverage), zap.Error(err))
		}
	}
}

// runFallback 撤销残留挂单、重新读取持仓后用市价单完成剩余调仓。
func (e *Engine) runFallback(ctx context.Context, logger *zap.Logger, result *RunResult, loop LoopResult, initial map[string]float64, leverage float64, acc *Accumulator) {
	if n, err := e.venue.CancelAllOpenOrders(ctx); err != nil {
		logger.Warn("兜底前撤单存在失败", zap.Int("canceled", n), zap.Error(err))
	}

	positions, err := e.venue.GetPositions(ctx)
	if err != nil {
		acc.RecordGlobal(fmt.Sprintf("fetch positions failed: %v", err))
		return
	}

	residuals := residualsFor(loop.Targets, positions, initial, loop.Pinned)
	if len(residuals) == 0 {
		return
	}
	result.FallbackUsed = true
	e.fallback.Complete(ctx, residuals, leverage, acc)
}

func residualsFor(targets target.Map, positions, initial map[string]float64, pinned []string) []Residual {
	skip := make(map[string]struct{}, len(pinned))
	for _, s := range pinned {
		skip[s] = struct{}{}
	}
	symbols := make(map[string]struct{}, len(targets)+len(positions))
	for s := range targets {
		symbols[s] = struct{}{}
	}
	for s := range positions {
		symbols[s] = struct{}{}
	}

	var out []Residual
	for symbol := range symbols {
		if _, ok := skip[symbol]; ok {
			continue
		}
		r := Residual{
			Symbol:  symbol,
			Current: positions[symbol],
			Target:  targets[symbol],
			Start:   initial[symbol],
		}
		if r.delta() != 0 {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func converged(targets target.Map, positions map[string]float64, pinned []string) bool {
	return len(residualsFor(targets, positions, nil, pinned)) == 0
}
