package execution

import (
	"context"
	"time"

	"rebalancer/internal/config"
	"rebalancer/internal/exchange"
	"rebalancer/internal/position"
	"rebalancer/internal/target"
)

// 错误原因映射中的保留键。
const (
	GlobalErrorKey    = "global"
	BlacklistErrorKey = "blacklisted_tickers"
)

// 调仓过程中记录的失败原因。
const (
	ReasonInsufficientBalance = "insufficient balance"
	ReasonWouldCross          = "post-only rejected: would cross"
	ReasonPinned              = "negligible residual pinned"
	ReasonMarketNotFilled     = "market order not filled"
	ReasonBalanceUnavailable  = "balance unavailable"
)

// 成交记录的执行阶段。
const (
	PhaseMaker    = "maker"
	PhaseFallback = "fallback"
)

// Venue 为引擎消费的交易所订单生命周期接口。
type Venue interface {
	GetPositions(ctx context.Context) (map[string]float64, error)
	GetAccountBalances(ctx context.Context) (position.AccountBalance, error)
	GetTradingRules(ctx context.Context, symbol string) (exchange.TradingRules, error)
	GetBestPrice(ctx context.Context, symbol string, side exchange.Side) (float64, error)
	GetLastPrice(ctx context.Context, symbol string) (float64, error)
	PlaceMakerOnlyOrder(ctx context.Context, symbol string, side exchange.Side, qty, price float64, reduceOnly bool) (exchange.MakerOrderResult, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, qty float64, reduceOnly bool) (exchange.MarketOrderResult, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (exchange.OrderState, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetTradesForOrder(ctx context.Context, symbol, orderID string) ([]exchange.Trade, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error)
	CancelAllOpenOrders(ctx context.Context) (int, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	EnsureAccountModes(ctx context.Context, symbols []string) error
}

var _ Venue = (*exchange.Client)(nil)

// Options 控制调仓循环的节奏与阈值。
type Options struct {
	RunBudget               time.Duration
	FillWait                time.Duration
	PollInterval            time.Duration
	PostOnlyRetryWindow     time.Duration
	PostOnlyRetryInterval   time.Duration
	NegligibleNotional      float64
	CancelOpenOrdersOnStart bool
	PriceConcurrency        int
	Clock                   Clock
}

// OptionsFromConfig 由配置生成引擎参数。
func OptionsFromConfig(cfg config.ReconcileConfig, priceConcurrency int) Options {
	return Options{
		RunBudget:               cfg.RunBudget,
		FillWait:                cfg.FillWait,
		PollInterval:            cfg.PollInterval,
		PostOnlyRetryWindow:     cfg.PostOnlyRetryWindow,
		PostOnlyRetryInterval:   cfg.PostOnlyRetryInterval,
		NegligibleNotional:      cfg.NegligibleNotional,
		CancelOpenOrdersOnStart: cfg.CancelOpenOrdersOnStart,
		PriceConcurrency:        priceConcurrency,
	}
}

func (o Options) withDefaults() Options {
	if o.RunBudget <= 0 {
		o.RunBudget = 30 * time.Minute
	}
	if o.FillWait <= 0 {
		o.FillWait = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.PostOnlyRetryWindow < 0 {
		o.PostOnlyRetryWindow = 0
	}
	if o.PostOnlyRetryInterval <= 0 {
		o.PostOnlyRetryInterval = time.Second
	}
	if o.NegligibleNotional <= 0 {
		o.NegligibleNotional = 5
	}
	if o.PriceConcurrency <= 0 {
		o.PriceConcurrency = 1
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	return o
}

// RunContext 为单次调仓的输入，运行期间不可变。
type RunContext struct {
	RunID      string
	Long       []target.Candidate
	Short      []target.Candidate
	Blacklist  map[string]struct{}
	Slots      target.Slots
	Leverage   int
	Equity     float64
	TimeBudget time.Duration
}

// TradeRecord 为单个订单的成交汇总。
type TradeRecord struct {
	RunID           string        `json:"run_id"`
	Symbol          string        `json:"symbol"`
	Side            exchange.Side `json:"side"`
	Quantity        float64       `json:"quantity"`
	AvgPrice        float64       `json:"avg_price"`
	Commission      float64       `json:"commission"`
	CommissionAsset string        `json:"commission_asset,omitempty"`
	RealizedPnL     float64       `json:"realized_pnl"`
	OrderID         string        `json:"order_id"`
	Maker           bool          `json:"maker"`
	Phase           string        `json:"phase"`
	Round           int           `json:"round"`
	Time            time.Time     `json:"time"`
}

// RunResult 为一次调仓的完整结果，由调用方负责持久化与报告。
type RunResult struct {
	RunID            string                  `json:"run_id"`
	StartedAt        time.Time               `json:"started_at"`
	FinishedAt       time.Time               `json:"finished_at"`
	FirstDay         bool                    `json:"first_day"`
	Targets          target.Map              `json:"targets"`
	Pinned           []string                `json:"pinned,omitempty"`
	InitialPositions map[string]float64      `json:"initial_positions"`
	FinalPositions   map[string]float64      `json:"final_positions"`
	Errors           map[string]string       `json:"errors"`
	Trades           []TradeRecord           `json:"trades"`
	Before           position.AccountBalance `json:"before"`
	After            position.AccountBalance `json:"after"`
	Rounds           int                     `json:"rounds"`
	Converged        bool                    `json:"converged"`
	FallbackUsed     bool                    `json:"fallback_used"`
	Commission       float64                 `json:"commission"`
	RealizedPnL      float64                 `json:"realized_pnl"`
}

// Failed 判断运行是否因账户状态不可读而中止。
func (r RunResult) Failed() bool {
	_, ok := r.Errors[GlobalErrorKey]
	return ok
}

// Metrics 接收引擎运行指标，默认实现为空操作。
type Metrics interface {
	OrderSubmitted(phase string, side exchange.Side)
	OrderRejected(code string)
	OrderFilled(phase string, notional float64)
	RoundCompleted(submitted int)
	RunFinished(converged, fallbackUsed bool, errors int, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) OrderSubmitted(string, exchange.Side)       {}
func (nopMetrics) OrderRejected(string)                       {}
func (nopMetrics) OrderFilled(string, float64)                {}
func (nopMetrics) RoundCompleted(int)                         {}
func (nopMetrics) RunFinished(bool, bool, int, time.Duration) {}
