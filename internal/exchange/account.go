package exchange

import (
	"context"
	"fmt"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const crossMarginMode = "cross"

// EnsureAccountModes 将账户切换为单向持仓，并把 symbols 的保证金模式设为全仓。
//
// 账户已处于目标模式时交易所返回的"无需变更"视为成功；其余失败汇总后返回。
func (c *Client) EnsureAccountModes(ctx context.Context, symbols []string) error {
	var errs error

	err := c.callWithRetry(ctx, "set_position_mode", func() error {
		_, err := c.api.SetPositionMode(false)
		return err
	})
	if err != nil && !isNoChange(err) {
		errs = multierr.Append(errs, fmt.Errorf("exchange: 设置单向持仓失败: %w", err))
	}

	for _, symbol := range symbols {
		unified, err := c.unifiedSymbol(ctx, symbol)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		err = c.callWithRetry(ctx, "set_margin_mode", func() error {
			_, err := c.api.SetMarginMode(crossMarginMode, ccxt.WithSetMarginModeSymbol(unified))
			return err
		})
		if err != nil && !isNoChange(err) {
			errs = multierr.Append(errs, fmt.Errorf("exchange: 设置 %s 全仓模式失败: %w", symbol, err))
		}
	}

	if errs == nil {
		c.logger.Debug("账户模式已确认", zap.Int("symbols", len(symbols)))
	}
	return errs
}
