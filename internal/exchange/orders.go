package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"rebalancer/internal/position"
)

const clientOrderPrefix = "rb"

// GetTradingRules 从已加载的市场元数据解析合约交易规则。
func (c *Client) GetTradingRules(ctx context.Context, symbol string) (TradingRules, error) {
	info, err := c.rawMarket(ctx, symbol)
	if err != nil {
		return TradingRules{}, err
	}
	return parseTradingRules(strings.ToUpper(symbol), info)
}

// GetBestPrice 返回挂单侧最优价：买单取买一，卖单取卖一，保证 postOnly 不吃单。
func (c *Client) GetBestPrice(ctx context.Context, symbol string, side Side) (float64, error) {
	unified, err := c.unifiedSymbol(ctx, symbol)
	if err != nil {
		return 0, err
	}

	var book ccxt.OrderBook
	err = c.callWithRetry(ctx, "fetch_order_book", func() error {
		result, err := c.api.FetchOrderBook(unified, ccxt.WithFetchOrderBookLimit(5))
		if err != nil {
			return err
		}
		book = result
		return nil
	})
	if err != nil {
		return 0, err
	}

	levels := book.Bids
	if side == SideSell {
		levels = book.Asks
	}
	if len(levels) == 0 || len(levels[0]) < 2 || levels[0][0] <= 0 {
		return 0, fmt.Errorf("%w: %s %s 盘口为空", ErrPriceUnavailable, symbol, side)
	}
	return levels[0][0], nil
}

// GetLastPrice 返回最新成交价。
func (c *Client) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	unified, err := c.unifiedSymbol(ctx, symbol)
	if err != nil {
		return 0, err
	}

	var ticker ccxt.Ticker
	err = c.callWithRetry(ctx, "fetch_ticker", func() error {
		result, err := c.api.FetchTicker(unified)
		if err != nil {
			return err
		}
		ticker = result
		return nil
	})
	if err != nil {
		return 0, err
	}

	price := derefFloat(ticker.Last)
	if price <= 0 {
		price = derefFloat(ticker.Close)
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s 无最新成交价", ErrPriceUnavailable, symbol)
	}
	return price, nil
}

// PlaceMakerOnlyOrder 提交 GTX 限价单。会立即成交时交易所拒单，
// 以 Rejected=true 与错误码返回而不是 error。
func (c *Client) PlaceMakerOnlyOrder(ctx context.Context, symbol string, side Side, qty, price float64, reduceOnly bool) (MakerOrderResult, error) {
	unified, err := c.unifiedSymbol(ctx, symbol)
	if err != nil {
		return MakerOrderResult{}, err
	}

	clientID := newClientOrderID()
	params := map[string]interface{}{
		"timeInForce":      "GTX",
		"postOnly":         true,
		"newClientOrderId": clientID,
	}
	if reduceOnly {
		params["reduceOnly"] = true
	}

	order, err := c.submitOrder(ctx, "create_maker_order", unified, clientID, func() (ccxt.Order, error) {
		return c.api.CreateLimitOrder(unified, side.ccxt(), qty, price, ccxt.WithCreateLimitOrderParams(params))
	})
	if err != nil {
		if isRejection(err) {
			code := RejectCode(err)
			if IsWouldCross(err) {
				code = RejectWouldCross
			}
			return MakerOrderResult{Rejected: true, RejectCode: code, RejectReason: err.Error()}, nil
		}
		return MakerOrderResult{}, err
	}

	state := orderStateFromCCXT(symbol, order)
	if state.Status == StatusExpired {
		// GTX 订单被撮合引擎直接过期，等同于会吃单的拒绝
		return MakerOrderResult{OrderID: state.OrderID, Rejected: true, RejectCode: RejectWouldCross, RejectReason: "post-only order expired"}, nil
	}

	c.logger.Info("postOnly 挂单成功",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("qty", qty),
		zap.Float64("price", price),
		zap.Bool("reduce_only", reduceOnly),
		zap.String("order_id", state.OrderID),
	)
	return MakerOrderResult{OrderID: state.OrderID}, nil
}

// PlaceMarketOrder 提交市价单并返回成交数量与均价。
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty float64, reduceOnly bool) (MarketOrderResult, error) {
	unified, err := c.unifiedSymbol(ctx, symbol)
	if err != nil {
		return MarketOrderResult{}, err
	}

	clientID := newClientOrderID()
	params := map[string]interface{}{
		"newClientOrderId": clientID,
		"newOrderRespType": "RESULT",
	}
	if reduceOnly {
		params["reduceOnly"] = true
	}

	order, err := c.submitOrder(ctx, "create_market_order", unified, clientID, func() (ccxt.Order, error) {
		return c.api.CreateMarketOrder(unified, side.ccxt(), qty, ccxt.WithCreateMarketOrderParams(params))
	})
	if err != nil {
		if isRejection(err) {
			return MarketOrderResult{Rejected: true, RejectCode: RejectCode(err), RejectReason: err.Error()}, nil
		}
		return MarketOrderResult{}, err
	}

	state := orderStateFromCCXT(symbol, order)
	if state.ExecutedQty == 0 && state.OrderID != "" {
		if refreshed, qErr := c.GetOrderStatus(ctx, symbol, state.OrderID); qErr == nil {
			state = refreshed
		} else {
			c.logger.Warn("市价单成交回报查询失败", zap.String("symbol", symbol), zap.Error(qErr))
		}
	}

	result := MarketOrderResult{
		OrderID:   state.OrderID,
		FilledQty: state.ExecutedQty,
		AvgPrice:  state.AvgPrice,
	}
	if state.Status == StatusRejected || state.Status == StatusExpired {
		result.Rejected = state.ExecutedQty == 0
		result.RejectReason = "order " + strings.ToLower(string(state.Status))
	}
	return result, nil
}

// GetOrderStatus 查询订单状态。
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (OrderState, error) {
	unified, err := c.unifiedSymbol(ctx, symbol)
	if err != nil {
		return OrderState{}, err
	}

	var order ccxt.Order
	err = c.callWithRetry(ctx, "fetch_order", func() error {
		result, err := c.api.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(unified))
		if err != nil {
			return err
		}
		order = result
		return nil
	})
	if err != nil {
		if IsOrderNotFound(err) {
			return OrderState{}, fmt.Errorf("%w: %s %s", ErrOrderNotFound, symbol, orderID)
		}
		return OrderState{}, err
	}

	state := orderStateFromCCXT(symbol, order)
	if state.OrderID == "" {
		state.OrderID = orderID
	}
	return state, nil
}

// CancelOrder 撤销订单，订单不存在时返回 ErrOrderNotFound。
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	unified, err := c.unifiedSymbol(ctx, symbol)
	if err != nil {
		return err
	}

	err = c.callWithRetry(ctx, "cancel_order", func() error {
		_, err := c.api.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(unified))
		return err
	})
	if err != nil {
		if IsOrderNotFound(err) {
			return fmt.Errorf("%w: %s %s", ErrOrderNotFound, symbol, orderID)
		}
		return err
	}
	return nil
}

// GetTradesForOrder 返回某个订单的全部成交明细。
func (c *Client) GetTradesForOrder(ctx context.Context, symbol, orderID string) ([]Trade, error) {
	unified, err := c.unifiedSymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var raw []ccxt.Trade
	err = c.callWithRetry(ctx, "fetch_my_trades", func() error {
		result, err := c.api.FetchMyTrades(
			ccxt.WithFetchMyTradesSymbol(unified),
			ccxt.WithFetchMyTradesParams(map[string]interface{}{"orderId": orderID}),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	trades := make([]Trade, 0, len(raw))
	for _, item := range raw {
		trade := tradeFromCCXT(symbol, item)
		if trade.OrderID != "" && trade.OrderID != orderID {
			continue
		}
		if trade.OrderID == "" {
			trade.OrderID = orderID
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// GetOpenOrders 返回挂单列表，symbol 为空时返回全部合约的挂单。
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	var opts []ccxt.FetchOpenOrdersOptions
	if symbol != "" {
		unified, err := c.unifiedSymbol(ctx, symbol)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ccxt.WithFetchOpenOrdersSymbol(unified))
	} else if err := c.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	var raw []ccxt.Order
	err := c.callWithRetry(ctx, "fetch_open_orders", func() error {
		result, err := c.api.FetchOpenOrders(opts...)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	orders := make([]OpenOrder, 0, len(raw))
	for _, item := range raw {
		id := symbol
		if id == "" {
			id = stringField(item.Info, "symbol")
		}
		if id == "" {
			id = position.SymbolID(derefString(item.Symbol))
		}
		orders = append(orders, openOrderFromCCXT(strings.ToUpper(id), item))
	}
	return orders, nil
}

// SetLeverage 设置合约杠杆倍数。
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	unified, err := c.unifiedSymbol(ctx, symbol)
	if err != nil {
		return err
	}
	return c.callWithRetry(ctx, "set_leverage", func() error {
		_, err := c.api.SetLeverage(int64(leverage), ccxt.WithSetLeverageSymbol(unified))
		return err
	})
}

// isRejection 判断错误是否为交易所对委托本身的拒绝，而非网络或维护问题。
func isRejection(err error) bool {
	if err == nil || errors.Is(err, ErrMaintenance) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsRetryable(err) {
		return false
	}
	var ccxtErr *ccxt.Error
	return errors.As(err, &ccxtErr) || RejectCode(err) != ""
}

// submitOrder 提交下单请求，客户端订单号在重试之间保持不变。
// 重试时若交易所报客户端订单号重复，说明之前的请求已落单，按客户端订单号回查原订单。
func (c *Client) submitOrder(ctx context.Context, operation, unified, clientID string, create func() (ccxt.Order, error)) (ccxt.Order, error) {
	var (
		order    ccxt.Order
		attempts int
	)
	err := c.callWithRetry(ctx, operation, func() error {
		attempts++
		result, err := create()
		if err != nil {
			return err
		}
		order = result
		return nil
	})
	if err == nil || attempts < 2 || RejectCode(err) != RejectDuplicateClientID {
		return order, err
	}

	c.logger.Warn("重试下单时客户端订单号重复，回查原订单",
		zap.String("operation", operation),
		zap.String("client_order_id", clientID),
	)
	var existing ccxt.Order
	lookupErr := c.callWithRetry(ctx, "fetch_order_by_client_id", func() error {
		result, err := c.api.FetchOrder("",
			ccxt.WithFetchOrderSymbol(unified),
			ccxt.WithFetchOrderParams(map[string]interface{}{"origClientOrderId": clientID}),
		)
		if err != nil {
			return err
		}
		existing = result
		return nil
	})
	if lookupErr != nil {
		return ccxt.Order{}, fmt.Errorf("exchange: 回查客户端订单 %s 失败: %w", clientID, lookupErr)
	}
	return existing, nil
}

func newClientOrderID() string {
	return clientOrderPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
