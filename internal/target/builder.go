package target

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"rebalancer/internal/market"
)

// Map 为合约到目标带符号数量的映射，正数为多头，负数为空头。
type Map map[string]float64

// Clone 返回目标仓位的副本。
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Symbols 返回按字母排序的合约列表。
func (m Map) Symbols() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Slots 为多空两侧可分配的仓位数。
type Slots struct {
	Long  int
	Short int
}

// Total 返回仓位总数。
func (s Slots) Total() int {
	return s.Long + s.Short
}

// PriceFetcher 批量提供参考价格。
type PriceFetcher interface {
	LastPrices(ctx context.Context, symbols []string) (map[string]float64, map[string]error)
}

// QuantityNormalizer 按交易规则规整开仓数量。
type QuantityNormalizer interface {
	Normalize(ctx context.Context, symbol string, rawQty, price float64, isClose bool) (float64, string)
	Tradable(ctx context.Context, symbol string) (bool, string)
}

// Builder 根据备选列表、仓位数与账户权益生成目标仓位。
type Builder struct {
	prices     PriceFetcher
	normalizer QuantityNormalizer
	logger     *zap.Logger
}

// NewBuilder 创建目标仓位构建器。
func NewBuilder(prices PriceFetcher, normalizer QuantityNormalizer, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		prices:     prices,
		normalizer: normalizer,
		logger:     logger,
	}
}

// Build 依次消费多头与空头备选直到仓位数填满或列表耗尽。
//
// 每个仓位的名义资金为 equity / (slots.Long + slots.Short)，数量为 资金 * 杠杆 / 最新价。
// 取价失败或规整后数量为 0 的合约记录原因后跳过，不占用仓位。
func (b *Builder) Build(ctx context.Context, long, short []Candidate, equity float64, slots Slots, leverage float64) (Map, map[string]string) {
	targets := make(Map)
	reasons := make(map[string]string)

	if slots.Total() <= 0 || equity <= 0 {
		b.logger.Warn("无可用仓位或权益，目标为空",
			zap.Int("long_slots", slots.Long),
			zap.Int("short_slots", slots.Short),
			zap.Float64("equity", equity),
		)
		return targets, reasons
	}
	if leverage <= 0 {
		leverage = 1
	}

	perShare := equity / float64(slots.Total())
	b.fill(ctx, long, slots.Long, 1, perShare*leverage, targets, reasons)
	b.fill(ctx, short, slots.Short, -1, perShare*leverage, targets, reasons)

	b.logger.Info("目标仓位已生成",
		zap.Int("targets", len(targets)),
		zap.Int("skipped", len(reasons)),
		zap.Float64("per_share", perShare),
		zap.Float64("leverage", leverage),
	)
	return targets, reasons
}

// fill 按顺序分块取价，每块大小为剩余仓位数，跳过的合约由后续备选补位。
func (b *Builder) fill(ctx context.Context, candidates []Candidate, slots int, sign, notional float64, targets Map, reasons map[string]string) {
	filled := 0
	next := 0
	for filled < slots && next < len(candidates) {
		if ctx.Err() != nil {
			return
		}

		end := next + (slots - filled)
		if end > len(candidates) {
			end = len(candidates)
		}
		chunk := make([]string, 0, end-next)
		for _, c := range candidates[next:end] {
			chunk = append(chunk, strings.ToUpper(c.Ticker))
		}
		next = end

		prices, failures := b.prices.LastPrices(ctx, chunk)
		for _, symbol := range chunk {
			if filled >= slots {
				return
			}
			if _, dup := targets[symbol]; dup {
				continue
			}
			if ok, reason := b.normalizer.Tradable(ctx, symbol); !ok {
				b.skip(symbol, reason, reasons)
				continue
			}
			price, ok := prices[symbol]
			if !ok || failures[symbol] != nil {
				b.skip(symbol, market.ReasonPriceUnavailable, reasons)
				continue
			}

			qty, reason := b.normalizer.Normalize(ctx, symbol, notional/price, price, false)
			if qty == 0 {
				b.skip(symbol, reason, reasons)
				continue
			}
			if reason != "" {
				reasons[symbol] = reason
			}
			targets[symbol] = sign * qty
			filled++
		}
	}

	if filled < slots {
		b.logger.Warn("备选不足，仓位未填满",
			zap.Float64("side", sign),
			zap.Int("slots", slots),
			zap.Int("filled", filled),
		)
	}
}

func (b *Builder) skip(symbol, reason string, reasons map[string]string) {
	reasons[symbol] = reason
	b.logger.Info("跳过备选合约", zap.String("symbol", symbol), zap.String("reason", reason))
}
