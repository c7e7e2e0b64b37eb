package execution

import (
	"context"

	"go.uber.org/zap"

	"rebalancer/internal/exchange"
)

// summarizeFills 将同一订单的多笔成交汇总为一条记录，价格为成交量加权均价。
func summarizeFills(symbol, orderID string, side exchange.Side, trades []exchange.Trade) (TradeRecord, bool) {
	rec := TradeRecord{Symbol: symbol, OrderID: orderID, Side: side}
	var notional float64
	for _, t := range trades {
		if t.Quantity <= 0 {
			continue
		}
		rec.Quantity += t.Quantity
		notional += t.Quantity * t.Price
		rec.Commission += t.Commission
		rec.RealizedPnL += t.RealizedPnL
		if rec.CommissionAsset == "" {
			rec.CommissionAsset = t.CommissionAsset
		}
		if t.Maker {
			rec.Maker = true
		}
		if t.Time.After(rec.Time) {
			rec.Time = t.Time
		}
		if t.Side != "" {
			rec.Side = t.Side
		}
	}
	if rec.Quantity <= 0 {
		return TradeRecord{}, false
	}
	rec.AvgPrice = notional / rec.Quantity
	return rec, true
}

// fillRecord 查询订单成交明细生成记录，明细为空时退回订单上报的成交量与均价。
func fillRecord(ctx context.Context, venue Venue, clock Clock, logger *zap.Logger, symbol, orderID string, side exchange.Side, executedQty, avgPrice float64) (TradeRecord, bool) {
	trades, err := venue.GetTradesForOrder(ctx, symbol, orderID)
	if err != nil {
		logger.Warn("获取订单成交明细失败",
			zap.String("symbol", symbol),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}

	if rec, ok := summarizeFills(symbol, orderID, side, trades); ok {
		if rec.Time.IsZero() {
			rec.Time = clock.Now()
		}
		return rec, true
	}

	if executedQty <= 0 {
		return TradeRecord{}, false
	}
	return TradeRecord{
		Symbol:   symbol,
		OrderID:  orderID,
		Side:     side,
		Quantity: executedQty,
		AvgPrice: avgPrice,
		Time:     clock.Now(),
	}, true
}

func signedQty(side exchange.Side, qty float64) float64 {
	if side == exchange.SideSell {
		return -qty
	}
	return qty
}
