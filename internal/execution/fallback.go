package execution

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"rebalancer/internal/exchange"
	"rebalancer/internal/market"
)

// Residual 为时间预算耗尽后仍未完成的调仓量。
type Residual struct {
	Symbol  string
	Current float64
	Target  float64
	Start   float64
}

func (r Residual) delta() float64 {
	return diff(r.Target, r.Current)
}

func (r Residual) kind() Kind {
	return classify(r.Start, r.Current, r.Target)
}

// FallbackExecutor 以市价单强制完成剩余调仓，每个合约只尝试一次。
type FallbackExecutor struct {
	venue      Venue
	normalizer *market.Normalizer
	oracle     *market.Oracle
	opts       Options
	metrics    Metrics
	logger     *zap.Logger
}

// NewFallbackExecutor 创建市价兜底执行器。
func NewFallbackExecutor(venue Venue, normalizer *market.Normalizer, oracle *market.Oracle, opts Options, metrics Metrics, logger *zap.Logger) *FallbackExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &FallbackExecutor{
		venue:      venue,
		normalizer: normalizer,
		oracle:     oracle,
		opts:       opts.withDefaults(),
		metrics:    metrics,
		logger:     logger,
	}
}

// Complete 先执行全部平仓与减仓以释放保证金，刷新余额后再处理其余残差。
// 任何失败都记录为该合约本次运行的最终原因，不再重试。
func (f *FallbackExecutor) Complete(ctx context.Context, residuals []Residual, leverage float64, acc *Accumulator) {
	if len(residuals) == 0 {
		return
	}
	if leverage <= 0 {
		leverage = 1
	}

	var closes, rest []Residual
	for _, r := range residuals {
		if r.delta() == 0 {
			continue
		}
		if r.kind() == KindClose {
			closes = append(closes, r)
		} else {
			rest = append(rest, r)
		}
	}
	sort.Slice(closes, func(i, j int) bool { return closes[i].Symbol < closes[j].Symbol })
	sort.Slice(rest, func(i, j int) bool {
		ki, kj := rest[i].kind(), rest[j].kind()
		if ki != kj {
			return ki < kj
		}
		return rest[i].Symbol < rest[j].Symbol
	})

	f.logger.Warn("进入市价兜底",
		zap.Int("closes", len(closes)),
		zap.Int("others", len(rest)),
	)

	for _, r := range closes {
		f.execute(ctx, r, KindClose, 0, nil, acc)
	}

	available, balanceOK := 0.0, true
	balance, err := f.venue.GetAccountBalances(ctx)
	if err != nil {
		balanceOK = false
		f.logger.Warn("兜底阶段刷新余额失败", zap.Error(err))
	} else {
		available = balance.AvailableMargin
	}

	for _, r := range rest {
		kind := r.kind()
		if kind == KindOpen && !balanceOK {
			acc.RecordError(r.Symbol, ReasonBalanceUnavailable)
			continue
		}
		f.execute(ctx, r, kind, leverage, &available, acc)
	}
}

func (f *FallbackExecutor) execute(ctx context.Context, r Residual, kind Kind, leverage float64, available *float64, acc *Accumulator) {
	delta := r.delta()
	side := exchange.SideForDelta(delta)

	if ok, reason := f.normalizer.Tradable(ctx, r.Symbol); !ok {
		acc.RecordError(r.Symbol, reason)
		return
	}

	price := 0.0
	if kind != KindClose {
		last, err := f.oracle.LastPrice(ctx, r.Symbol)
		if err != nil {
			acc.RecordError(r.Symbol, market.ReasonPriceUnavailable)
			f.logger.Warn("兜底取价失败", zap.String("symbol", r.Symbol), zap.Error(err))
			return
		}
		price = last
	}

	qty, reason := f.normalizer.Normalize(ctx, r.Symbol, abs(delta), price, kind.closing())
	if qty == 0 {
		acc.RecordError(r.Symbol, reason)
		return
	}
	if reason != "" {
		acc.RecordError(r.Symbol, reason)
	}

	if kind == KindOpen {
		required := qty * price / leverage
		if *available < required {
			acc.RecordError(r.Symbol, ReasonInsufficientBalance)
			f.logger.Info("兜底开仓保证金不足",
				zap.String("symbol", r.Symbol),
				zap.Float64("required", required),
				zap.Float64("available", *available),
			)
			return
		}
	}

	res, err := f.venue.PlaceMarketOrder(ctx, r.Symbol, side, qty, kind == KindClose)
	if err != nil {
		acc.RecordError(r.Symbol, fmt.Sprintf("market order failed: %v", err))
		f.logger.Warn("市价单提交失败", zap.String("symbol", r.Symbol), zap.Error(err))
		return
	}
	if res.Rejected {
		f.metrics.OrderRejected(res.RejectCode)
		acc.RecordError(r.Symbol, rejectReason(res.RejectCode, res.RejectReason))
		return
	}
	f.metrics.OrderSubmitted(PhaseFallback, side)

	rec, ok := fillRecord(ctx, f.venue, f.opts.Clock, f.logger, r.Symbol, res.OrderID, side, res.FilledQty, res.AvgPrice)
	if !ok {
		acc.RecordError(r.Symbol, ReasonMarketNotFilled)
		f.logger.Warn("市价单未成交",
			zap.String("symbol", r.Symbol),
			zap.String("order_id", res.OrderID),
		)
		return
	}

	rec.Phase = PhaseFallback
	acc.RecordTrade(rec)
	f.metrics.OrderFilled(PhaseFallback, rec.Quantity*rec.AvgPrice)
	if kind == KindOpen {
		*available -= rec.Quantity * rec.AvgPrice / leverage
	}
	f.logger.Info("市价单成交",
		zap.String("symbol", rec.Symbol),
		zap.String("kind", kind.String()),
		zap.String("side", string(rec.Side)),
		zap.Float64("qty", rec.Quantity),
		zap.Float64("avg_price", rec.AvgPrice),
	)
}
