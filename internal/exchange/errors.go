package exchange

import (
	"errors"
	"regexp"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrOrderNotFound 表示交易所找不到该订单，通常意味着订单已成交或已失效。
	ErrOrderNotFound = errors.New("exchange: order not found")
	// ErrUnknownSymbol 表示市场元数据中不存在该合约。
	ErrUnknownSymbol = errors.New("exchange: unknown symbol")
	// ErrPriceUnavailable 表示盘口或行情中没有可用价格。
	ErrPriceUnavailable = errors.New("exchange: price unavailable")
	// ErrSymbolNotTradable 表示合约状态不是 TRADING。
	ErrSymbolNotTradable = errors.New("exchange: symbol not tradable")
)

const (
	// RejectWouldCross 为 postOnly 订单会立即成交而被拒绝的错误码。
	RejectWouldCross = "-5022"
	// RejectUnknownOrder 为订单不存在的错误码。
	RejectUnknownOrder = "-2011"
	// RejectOrderDoesNotExist 为查询订单不存在的错误码。
	RejectOrderDoesNotExist = "-2013"
	// RejectInsufficientMargin 为保证金不足的错误码。
	RejectInsufficientMargin = "-2019"
	// RejectDuplicateClientID 为客户端订单号重复的错误码。
	RejectDuplicateClientID = "-4116"
	// RejectMarginTypeUnchanged 为保证金模式无需变更的错误码。
	RejectMarginTypeUnchanged = "-4046"
	// RejectPositionSideUnchanged 为持仓模式无需变更的错误码。
	RejectPositionSideUnchanged = "-4059"
)

var rejectCodePattern = regexp.MustCompile(`"code"\s*:\s*(-?\d+)`)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	return false
}

// RejectCode 从交易所错误中提取原生错误码，找不到时返回空串。
func RejectCode(err error) string {
	if err == nil {
		return ""
	}
	if match := rejectCodePattern.FindStringSubmatch(err.Error()); len(match) == 2 {
		return match[1]
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.OrderImmediatelyFillableErrType:
			return RejectWouldCross
		case ccxt.OrderNotFoundErrType:
			return RejectUnknownOrder
		case ccxt.InsufficientFundsErrType:
			return RejectInsufficientMargin
		}
	}
	return ""
}

// IsOrderNotFound 判断错误是否表示订单不存在。
func IsOrderNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOrderNotFound) {
		return true
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OrderNotFoundErrType {
		return true
	}

	switch RejectCode(err) {
	case RejectUnknownOrder, RejectOrderDoesNotExist:
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unknown order")
}

// IsWouldCross 判断错误是否为 postOnly 会立即成交导致的拒单。
func IsWouldCross(err error) bool {
	if err == nil {
		return false
	}
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OrderImmediatelyFillableErrType {
		return true
	}
	return RejectCode(err) == RejectWouldCross
}

// isNoChange 判断错误是否表示账户已处于目标模式。
func isNoChange(err error) bool {
	if err == nil {
		return false
	}
	switch RejectCode(err) {
	case RejectMarginTypeUnchanged, RejectPositionSideUnchanged:
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no need to change")
}
