package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"rebalancer/internal/config"
	"rebalancer/internal/position"
)

// apiClient 为本包用到的 ccxt 方法集合，*ccxt.Binanceusdm 满足该接口。
type apiClient interface {
	LoadMarkets(params ...interface{}) (map[string]ccxt.MarketInterface, error)
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	FetchMyTrades(options ...ccxt.FetchMyTradesOptions) ([]ccxt.Trade, error)
	SetLeverage(leverage int64, options ...ccxt.SetLeverageOptions) (map[string]interface{}, error)
	SetPositionMode(hedged bool, options ...ccxt.SetPositionModeOptions) (map[string]interface{}, error)
	SetMarginMode(marginMode string, options ...ccxt.SetMarginModeOptions) (map[string]interface{}, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
}

// Client 负责与交易所交互并实现重试机制。
type Client struct {
	cfg    config.ExchangeConfig
	logger *zap.Logger
	api    apiClient

	positions *position.Manager

	marketsMu     sync.RWMutex
	marketsLoaded bool
	// 交易所原生 ID（BTCUSDT）与 ccxt 统一符号（BTC/USDT:USDT）的映射
	idToSymbol map[string]string
	marketInfo map[string]map[string]interface{}
}

// NewClient 构造 Binance USDⓈ-M 客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if !strings.EqualFold(cfg.Name, "binanceusdm") {
		return nil, fmt.Errorf("exchange: 不支持的交易所 %q", cfg.Name)
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference":            true,
			"defaultType":                        "future",
			"warnOnFetchOpenOrdersWithoutSymbol": false,
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return newClient(cfg, ex, logger), nil
}

func newClient(cfg config.ExchangeConfig, api apiClient, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:    cfg,
		logger: logger,
		api:    api,
	}
	c.positions = position.NewManager(api, c.callWithRetry, logger)
	return c
}

// unifiedSymbol 将原生合约 ID 转换为 ccxt 统一符号。
func (c *Client) unifiedSymbol(ctx context.Context, id string) (string, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return "", err
	}

	c.marketsMu.RLock()
	defer c.marketsMu.RUnlock()

	symbol, ok := c.idToSymbol[strings.ToUpper(id)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSymbol, id)
	}
	return symbol, nil
}

func (c *Client) rawMarket(ctx context.Context, id string) (map[string]interface{}, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	c.marketsMu.RLock()
	defer c.marketsMu.RUnlock()

	info, ok := c.marketInfo[strings.ToUpper(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, id)
	}
	return info, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.RLock()
	loaded := c.marketsLoaded
	c.marketsMu.RUnlock()
	if loaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	var markets map[string]ccxt.MarketInterface
	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		result, err := c.api.LoadMarkets()
		if err != nil {
			return err
		}
		markets = result
		return nil
	})
	if loadErr != nil {
		return loadErr
	}

	c.idToSymbol = make(map[string]string, len(markets))
	c.marketInfo = make(map[string]map[string]interface{}, len(markets))
	for unified, market := range markets {
		id := strings.ToUpper(derefString(market.Id))
		if id == "" {
			continue
		}
		symbol := derefString(market.Symbol)
		if symbol == "" {
			symbol = unified
		}
		c.idToSymbol[id] = symbol
		c.marketInfo[id] = market.Info
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.Int("markets", len(c.idToSymbol)))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= maxAttempts {
			if retry {
				c.logger.Error("交易所调用失败",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
					zap.Error(normalizedErr),
				)
			} else {
				c.logger.Debug("交易所调用返回业务错误",
					zap.String("operation", operation),
					zap.Error(normalizedErr),
				)
			}
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	if IsRetryable(err) {
		return err, true
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		case ccxt.OrderNotFoundErrType:
			return fmt.Errorf("%w: %s", ErrOrderNotFound, strings.TrimSpace(ccxtErr.Message)), false
		}
		return err, false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}
