package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rebalancer/internal/exchange"
)

// PriceSource 提供盘口与最新成交价。
type PriceSource interface {
	GetBestPrice(ctx context.Context, symbol string, side exchange.Side) (float64, error)
	GetLastPrice(ctx context.Context, symbol string) (float64, error)
}

// Oracle 负责计算 postOnly 安全价格及批量获取参考价格。
type Oracle struct {
	source      PriceSource
	rules       *RuleCache
	concurrency int
	logger      *zap.Logger
}

// NewOracle 创建价格服务，concurrency 控制批量取价并发数。
func NewOracle(source PriceSource, rules *RuleCache, concurrency int, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Oracle{
		source:      source,
		rules:       rules,
		concurrency: concurrency,
		logger:      logger,
	}
}

// MakerPrice 返回挂单价格：买单取买一向下取整到 tick，卖单取卖一向上取整到 tick。
func (o *Oracle) MakerPrice(ctx context.Context, symbol string, side exchange.Side) (float64, error) {
	price, err := o.source.GetBestPrice(ctx, symbol, side)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s", exchange.ErrPriceUnavailable, symbol)
	}

	rules, err := o.rules.Get(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return RoundToTick(price, rules.TickSize, rules.PricePrecision, side), nil
}

// LastPrice 返回最新成交价。
func (o *Oracle) LastPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := o.source.GetLastPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s", exchange.ErrPriceUnavailable, symbol)
	}
	return price, nil
}

// LastPrices 并发获取多个合约的最新成交价，单个失败不影响其余合约。
func (o *Oracle) LastPrices(ctx context.Context, symbols []string) (map[string]float64, map[string]error) {
	prices := make(map[string]float64, len(symbols))
	failures := make(map[string]error)
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.concurrency)

	for _, symbol := range symbols {
		symbol := symbol
		group.Go(func() error {
			price, err := o.LastPrice(groupCtx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[symbol] = err
				return nil
			}
			prices[symbol] = price
			return nil
		})
	}
	_ = group.Wait()

	if len(failures) > 0 {
		o.logger.Warn("部分合约价格获取失败",
			zap.Int("requested", len(symbols)),
			zap.Int("failed", len(failures)),
		)
	}
	return prices, failures
}

// RoundToTick 将价格对齐到 tickSize，买单向下、卖单向上，避免越过盘口。
func RoundToTick(price, tick float64, precision int, side exchange.Side) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	steps := p.Div(t)
	if side == exchange.SideSell {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	rounded := steps.Mul(t)
	if precision >= 0 {
		rounded = rounded.Round(int32(precision))
	}
	f, _ := rounded.Float64()
	return f
}
