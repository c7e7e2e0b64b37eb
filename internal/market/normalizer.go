package market

import (
	"context"
	"errors"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/exchange"
)

// 数量规整失败或被截断时返回的原因。
const (
	ReasonQuantityTooSmall = "quantity too small"
	ReasonQuantityTooLarge = "quantity too large"
	ReasonNotionalTooLow   = "notional too low"
	ReasonRulesUnavailable = "trading rules unavailable"
	ReasonPriceUnavailable = "price unavailable"
	ReasonNotTradable      = "symbol not tradable"
)

// Normalizer 按交易规则规整下单数量。
type Normalizer struct {
	rules  *RuleCache
	logger *zap.Logger
}

// NewNormalizer 创建数量规整器。
func NewNormalizer(rules *RuleCache, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{rules: rules, logger: logger}
}

// Rules 返回合约交易规则。
func (n *Normalizer) Rules(ctx context.Context, symbol string) (exchange.TradingRules, error) {
	return n.rules.Get(ctx, symbol)
}

// Tradable 判断合约是否可交易，规则不可用时同样视为不可交易。
func (n *Normalizer) Tradable(ctx context.Context, symbol string) (bool, string) {
	if err := n.rules.CheckTradable(ctx, symbol); err != nil {
		if errors.Is(err, exchange.ErrSymbolNotTradable) {
			return false, ReasonNotTradable
		}
		return false, ReasonRulesUnavailable
	}
	return true, ""
}

// Normalize 将数量四舍五入到 stepSize 的整数倍并校验上下限。
//
// 返回值为 (0, 原因) 表示无法下单；返回非零数量且原因非空表示数量被截断到 maxQty。
// isClose 为 true 时跳过最小名义价值检查，减仓不受该限制。
func (n *Normalizer) Normalize(ctx context.Context, symbol string, rawQty, price float64, isClose bool) (float64, string) {
	rules, err := n.rules.Get(ctx, symbol)
	if err != nil {
		n.logger.Warn("交易规则不可用", zap.String("symbol", symbol), zap.Error(err))
		return 0, ReasonRulesUnavailable
	}

	if rules.StepSize <= 0 || math.IsNaN(rules.StepSize) {
		n.logger.Warn("交易规则缺少 stepSize", zap.String("symbol", symbol), zap.Float64("step_size", rules.StepSize))
		return 0, ReasonRulesUnavailable
	}
	if math.IsNaN(rawQty) || math.IsInf(rawQty, 0) {
		return 0, ReasonQuantityTooSmall
	}

	step := decimal.NewFromFloat(rules.StepSize)
	qty := decimal.NewFromFloat(rawQty).Abs().Div(step).Round(0).Mul(step).Round(int32(rules.QuantityPrecision))

	if qty.IsZero() || qty.LessThan(decimal.NewFromFloat(rules.MinQty)) {
		n.logger.Debug("数量过小",
			zap.String("symbol", symbol),
			zap.Float64("raw_qty", rawQty),
			zap.String("adjusted_qty", qty.String()),
			zap.Float64("min_qty", rules.MinQty),
		)
		return 0, ReasonQuantityTooSmall
	}

	reason := ""
	maxQty := decimal.NewFromFloat(rules.MaxQty)
	if qty.GreaterThan(maxQty) {
		qty = maxQty.Div(step).Floor().Mul(step).Round(int32(rules.QuantityPrecision))
		reason = ReasonQuantityTooLarge
		n.logger.Warn("数量超过上限，已截断",
			zap.String("symbol", symbol),
			zap.Float64("raw_qty", rawQty),
			zap.Float64("max_qty", rules.MaxQty),
		)
	}

	if !isClose {
		if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
			return 0, ReasonPriceUnavailable
		}
		notional := qty.Mul(decimal.NewFromFloat(price))
		if notional.LessThan(decimal.NewFromFloat(rules.MinNotional)) {
			n.logger.Debug("名义价值过低",
				zap.String("symbol", symbol),
				zap.String("notional", notional.String()),
				zap.Float64("min_notional", rules.MinNotional),
			)
			return 0, ReasonNotionalTooLow
		}
	}

	adjusted, _ := qty.Float64()
	return adjusted, reason
}
