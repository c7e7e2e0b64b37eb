package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rebalancer/internal/position"
)

const cancelConcurrency = 4

// GetPositions 返回交易所侧的全部非零持仓。
func (c *Client) GetPositions(ctx context.Context) (map[string]float64, error) {
	return c.positions.FetchPositions(ctx)
}

// GetAccountBalances 返回账户总保证金与可用保证金。
func (c *Client) GetAccountBalances(ctx context.Context) (position.AccountBalance, error) {
	return c.positions.FetchBalance(ctx)
}

// CancelAllOpenOrders 撤销账户内全部挂单，返回成功撤销的数量。
// 单个订单撤销失败不会中断其余撤单，错误会被合并返回。
func (c *Client) CancelAllOpenOrders(ctx context.Context) (int, error) {
	orders, err := c.GetOpenOrders(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("exchange: 获取挂单失败: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	var (
		mu       sync.Mutex
		canceled int
		errs     error
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(cancelConcurrency)

	for _, order := range orders {
		order := order
		group.Go(func() error {
			cancelErr := c.CancelOrder(groupCtx, order.Symbol, order.OrderID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case cancelErr == nil:
				canceled++
			case errors.Is(cancelErr, ErrOrderNotFound):
			default:
				errs = multierr.Append(errs, fmt.Errorf("%s/%s: %w", order.Symbol, order.OrderID, cancelErr))
			}
			return nil
		})
	}
	_ = group.Wait()

	c.logger.Info("已撤销历史挂单",
		zap.Int("open_orders", len(orders)),
		zap.Int("canceled", canceled),
		zap.Error(errs),
	)
	return canceled, errs
}
