package position

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"
)

type balanceClient interface {
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// CallFunc 包装一次交易所调用，通常由交易所客户端提供重试能力。
type CallFunc func(ctx context.Context, operation string, fn func() error) error

// AccountBalance 描述账户保证金状况。
type AccountBalance struct {
	TotalMargin     float64   `json:"total_margin"`
	AvailableMargin float64   `json:"available_margin"`
	Unrealized      float64   `json:"unrealized"`
	Timestamp       time.Time `json:"timestamp"`
}

// Manager 读取交易所侧的仓位与资金状态，本地从不缓存。
type Manager struct {
	client balanceClient
	call   CallFunc
	logger *zap.Logger
}

// NewManager 创建仓位管理器。
func NewManager(client balanceClient, call CallFunc, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if call == nil {
		call = func(_ context.Context, _ string, fn func() error) error { return fn() }
	}
	return &Manager{
		client: client,
		call:   call,
		logger: logger,
	}
}

// FetchBalance 获取账户总保证金与可用保证金。
func (m *Manager) FetchBalance(ctx context.Context) (AccountBalance, error) {
	var balances ccxt.Balances
	err := m.call(ctx, "fetch_balance", func() error {
		result, err := m.client.FetchBalance()
		if err != nil {
			return err
		}
		balances = result
		return nil
	})
	if err != nil {
		return AccountBalance{}, fmt.Errorf("position: 获取账户余额失败: %w", err)
	}

	return parseBalance(balances), nil
}

// FetchPositions 获取全部非零持仓，键为交易所原生合约 ID，多头为正、空头为负。
func (m *Manager) FetchPositions(ctx context.Context) (map[string]float64, error) {
	var rawPositions []ccxt.Position
	err := m.call(ctx, "fetch_positions", func() error {
		result, err := m.client.FetchPositions()
		if err != nil {
			return err
		}
		rawPositions = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("position: 获取持仓失败: %w", err)
	}

	positions := make(map[string]float64, len(rawPositions))
	for _, rawPos := range rawPositions {
		symbol, qty := parsePosition(rawPos)
		if symbol == "" || qty == 0 {
			continue
		}
		// 双向持仓模式下同一合约可能有两条记录
		positions[symbol] += qty
	}

	for symbol, qty := range positions {
		if qty == 0 {
			delete(positions, symbol)
		}
	}

	m.logger.Debug("已获取持仓", zap.Int("count", len(positions)))
	return positions, nil
}

func parseBalance(balances ccxt.Balances) AccountBalance {
	balance := AccountBalance{Timestamp: time.Now().UTC()}

	if balances.Info != nil {
		balance.TotalMargin = ParseNumeric(balances.Info["totalMarginBalance"])
		balance.AvailableMargin = ParseNumeric(balances.Info["availableBalance"])
		balance.Unrealized = ParseNumeric(balances.Info["totalUnrealizedProfit"])
	}

	if balance.TotalMargin == 0 && balances.Total != nil {
		for _, code := range []string{"USDT", "USDC", "USD"} {
			if total, ok := balances.Total[code]; ok && total != nil {
				balance.TotalMargin = *total
				break
			}
		}
	}
	if balance.AvailableMargin == 0 && balances.Free != nil {
		for _, code := range []string{"USDT", "USDC", "USD"} {
			if free, ok := balances.Free[code]; ok && free != nil {
				balance.AvailableMargin = *free
				break
			}
		}
	}

	return balance
}

func parsePosition(rawPos ccxt.Position) (string, float64) {
	var symbol string
	var qty float64

	if rawPos.Info != nil {
		if raw, ok := rawPos.Info["symbol"].(string); ok {
			symbol = strings.ToUpper(strings.TrimSpace(raw))
		}
		qty = ParseNumeric(rawPos.Info["positionAmt"])
	}

	if symbol == "" {
		symbol = SymbolID(DerefString(rawPos.Symbol))
	}

	if qty == 0 {
		qty = DerefFloat(rawPos.Contracts)
		side := strings.ToLower(strings.TrimSpace(DerefString(rawPos.Side)))
		if side == "short" && qty > 0 {
			qty = -qty
		}
	}

	return symbol, qty
}

// SymbolID 将 ccxt 统一符号（BTC/USDT:USDT）转换为原生合约 ID（BTCUSDT）。
func SymbolID(unified string) string {
	s := strings.TrimSpace(unified)
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return strings.ToUpper(strings.ReplaceAll(s, "/", ""))
}

// DerefFloat 解引用 ccxt 的可空数值字段。
func DerefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// DerefString 解引用 ccxt 的可空字符串字段。
func DerefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// ParseNumeric 将交易所原始字段统一解析为 float64，无法解析时返回0。
func ParseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case int32:
		return float64(v)
	case uint32:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case fmt.Stringer:
		s := strings.TrimSpace(v.String())
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}
