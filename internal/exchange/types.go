package exchange

import (
	"strings"
	"time"
)

// Side 表示下单方向，取值与 Binance 原生字段一致。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) ccxt() string {
	return strings.ToLower(string(s))
}

// SideForDelta 根据仓位差值的符号给出方向。
func SideForDelta(delta float64) Side {
	if delta < 0 {
		return SideSell
	}
	return SideBuy
}

// OrderStatus 为交易所原生订单状态。
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal 判断订单是否已经结束生命周期。
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}

// TradingRules 描述单个合约的下单精度与限制。
type TradingRules struct {
	Symbol            string
	StepSize          float64
	QuantityPrecision int
	MinQty            float64
	MaxQty            float64
	MinNotional       float64
	TickSize          float64
	PricePrecision    int
	Status            string
}

// Tradable 判断合约当前是否允许交易。
func (r TradingRules) Tradable() bool {
	return r.Status == "" || strings.EqualFold(r.Status, "TRADING")
}

// OrderState 为订单查询结果。
type OrderState struct {
	OrderID     string
	Symbol      string
	Side        Side
	Status      OrderStatus
	ExecutedQty float64
	AvgPrice    float64
}

// Trade 为单笔成交明细。
type Trade struct {
	ID              string
	OrderID         string
	Symbol          string
	Side            Side
	Quantity        float64
	Price           float64
	Commission      float64
	CommissionAsset string
	RealizedPnL     float64
	Maker           bool
	Time            time.Time
}

// MakerOrderResult 为 postOnly 限价单的提交结果。
type MakerOrderResult struct {
	OrderID      string
	Rejected     bool
	RejectCode   string
	RejectReason string
}

// MarketOrderResult 为市价单的提交结果。
type MarketOrderResult struct {
	OrderID      string
	FilledQty    float64
	AvgPrice     float64
	Rejected     bool
	RejectCode   string
	RejectReason string
}

// OpenOrder 为交易所侧仍在挂单中的委托。
type OpenOrder struct {
	OrderID   string
	Symbol    string
	Side      Side
	Remaining float64
}
