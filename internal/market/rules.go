package market

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"rebalancer/internal/exchange"
)

// RuleSource 提供合约交易规则。
type RuleSource interface {
	GetTradingRules(ctx context.Context, symbol string) (exchange.TradingRules, error)
}

// RuleCache 在单次运行内缓存交易规则，规则视为运行期间不变。
type RuleCache struct {
	source RuleSource
	logger *zap.Logger

	mu    sync.RWMutex
	rules map[string]exchange.TradingRules
}

// NewRuleCache 创建规则缓存。
func NewRuleCache(source RuleSource, logger *zap.Logger) *RuleCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuleCache{
		source: source,
		logger: logger,
		rules:  make(map[string]exchange.TradingRules),
	}
}

// Get 返回合约规则，未命中时从交易所拉取。
func (c *RuleCache) Get(ctx context.Context, symbol string) (exchange.TradingRules, error) {
	key := strings.ToUpper(symbol)

	c.mu.RLock()
	rules, ok := c.rules[key]
	c.mu.RUnlock()
	if ok {
		return rules, nil
	}

	fetched, err := c.source.GetTradingRules(ctx, key)
	if err != nil {
		return exchange.TradingRules{}, fmt.Errorf("market: 获取 %s 交易规则失败: %w", key, err)
	}

	c.mu.Lock()
	c.rules[key] = fetched
	c.mu.Unlock()

	c.logger.Debug("已缓存交易规则",
		zap.String("symbol", key),
		zap.Float64("step_size", fetched.StepSize),
		zap.Float64("min_qty", fetched.MinQty),
		zap.Float64("min_notional", fetched.MinNotional),
		zap.Float64("tick_size", fetched.TickSize),
	)
	return fetched, nil
}

// Reset 清空缓存，每次运行开始时调用。
func (c *RuleCache) Reset() {
	c.mu.Lock()
	c.rules = make(map[string]exchange.TradingRules)
	c.mu.Unlock()
}

// CheckTradable 校验合约状态，非 TRADING 时返回 exchange.ErrSymbolNotTradable。
func (c *RuleCache) CheckTradable(ctx context.Context, symbol string) error {
	rules, err := c.Get(ctx, symbol)
	if err != nil {
		return err
	}
	if !rules.Tradable() {
		return fmt.Errorf("%w: %s status=%s", exchange.ErrSymbolNotTradable, rules.Symbol, rules.Status)
	}
	return nil
}
