package exchange

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"rebalancer/internal/position"
)

var (
	derefFloat  = position.DerefFloat
	derefString = position.DerefString
	parseNumber = position.ParseNumeric
)

// parseTradingRules 从 Binance exchangeInfo 的单个合约条目中解析精度与限制。
func parseTradingRules(symbol string, info map[string]interface{}) (TradingRules, error) {
	rules := TradingRules{
		Symbol:            symbol,
		Status:            stringField(info, "status"),
		QuantityPrecision: -1,
		PricePrecision:    -1,
	}

	if _, ok := info["quantityPrecision"]; ok {
		rules.QuantityPrecision = int(parseNumber(info["quantityPrecision"]))
	}
	if _, ok := info["pricePrecision"]; ok {
		rules.PricePrecision = int(parseNumber(info["pricePrecision"]))
	}

	filters, _ := info["filters"].([]interface{})
	for _, raw := range filters {
		filter, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		switch stringField(filter, "filterType") {
		case "LOT_SIZE":
			rules.StepSize = parseNumber(filter["stepSize"])
			rules.MinQty = parseNumber(filter["minQty"])
			rules.MaxQty = parseNumber(filter["maxQty"])
		case "PRICE_FILTER":
			rules.TickSize = parseNumber(filter["tickSize"])
		case "MIN_NOTIONAL":
			rules.MinNotional = parseNumber(filter["notional"])
			if rules.MinNotional == 0 {
				rules.MinNotional = parseNumber(filter["minNotional"])
			}
		}
	}

	if rules.StepSize <= 0 && rules.QuantityPrecision >= 0 {
		rules.StepSize = math.Pow10(-rules.QuantityPrecision)
	}
	if rules.StepSize <= 0 {
		return TradingRules{}, fmt.Errorf("exchange: %s 缺少 LOT_SIZE 规则", symbol)
	}
	if rules.QuantityPrecision < 0 {
		rules.QuantityPrecision = decimalPlaces(rules.StepSize)
	}
	if rules.TickSize <= 0 && rules.PricePrecision >= 0 {
		rules.TickSize = math.Pow10(-rules.PricePrecision)
	}
	if rules.PricePrecision < 0 {
		rules.PricePrecision = decimalPlaces(rules.TickSize)
	}
	if rules.MaxQty <= 0 {
		rules.MaxQty = math.MaxFloat64
	}

	return rules, nil
}

func orderStateFromCCXT(symbol string, order ccxt.Order) OrderState {
	info := order.Info

	state := OrderState{
		OrderID: derefString(order.Id),
		Symbol:  symbol,
		Side:    sideFrom(stringField(info, "side"), derefString(order.Side)),
	}
	if state.OrderID == "" {
		state.OrderID = stringField(info, "orderId")
	}

	state.ExecutedQty = parseNumber(info["executedQty"])
	if state.ExecutedQty == 0 {
		state.ExecutedQty = derefFloat(order.Filled)
	}
	state.AvgPrice = parseNumber(info["avgPrice"])
	if state.AvgPrice == 0 {
		state.AvgPrice = derefFloat(order.Average)
	}

	state.Status = OrderStatus(strings.ToUpper(stringField(info, "status")))
	if state.Status == "" {
		state.Status = statusFromUnified(derefString(order.Status), state.ExecutedQty)
	}

	return state
}

// statusFromUnified 将 ccxt 统一状态映射回交易所原生状态。
func statusFromUnified(status string, filled float64) OrderStatus {
	switch strings.ToLower(status) {
	case "open":
		if filled > 0 {
			return StatusPartiallyFilled
		}
		return StatusNew
	case "closed":
		return StatusFilled
	case "canceled", "cancelled":
		return StatusCanceled
	case "expired":
		return StatusExpired
	case "rejected":
		return StatusRejected
	default:
		return StatusNew
	}
}

func tradeFromCCXT(symbol string, trade ccxt.Trade) Trade {
	info := trade.Info

	result := Trade{
		ID:              derefString(trade.Id),
		OrderID:         derefString(trade.Order),
		Symbol:          symbol,
		Side:            sideFrom(stringField(info, "side"), derefString(trade.Side)),
		Quantity:        parseNumber(info["qty"]),
		Price:           parseNumber(info["price"]),
		Commission:      parseNumber(info["commission"]),
		CommissionAsset: stringField(info, "commissionAsset"),
		RealizedPnL:     parseNumber(info["realizedPnl"]),
		Maker:           boolField(info, "maker") || strings.EqualFold(derefString(trade.TakerOrMaker), "maker"),
	}
	if result.ID == "" {
		result.ID = stringField(info, "id")
	}
	if result.OrderID == "" {
		result.OrderID = stringField(info, "orderId")
	}
	if result.Quantity == 0 {
		result.Quantity = derefFloat(trade.Amount)
	}
	if result.Price == 0 {
		result.Price = derefFloat(trade.Price)
	}

	if ms := parseNumber(info["time"]); ms > 0 {
		result.Time = time.UnixMilli(int64(ms)).UTC()
	} else if trade.Timestamp != nil {
		result.Time = time.UnixMilli(*trade.Timestamp).UTC()
	}

	return result
}

func openOrderFromCCXT(symbol string, order ccxt.Order) OpenOrder {
	state := orderStateFromCCXT(symbol, order)
	remaining := derefFloat(order.Remaining)
	if remaining == 0 {
		remaining = parseNumber(order.Info["origQty"]) - state.ExecutedQty
	}
	return OpenOrder{
		OrderID:   state.OrderID,
		Symbol:    symbol,
		Side:      state.Side,
		Remaining: remaining,
	}
}

func sideFrom(values ...string) Side {
	for _, v := range values {
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "BUY":
			return SideBuy
		case "SELL":
			return SideSell
		}
	}
	return ""
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func boolField(m map[string]interface{}, key string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

func decimalPlaces(step float64) int {
	if step <= 0 {
		return 0
	}
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		return len(s) - idx - 1
	}
	return 0
}
