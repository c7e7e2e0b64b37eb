package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rebalancer/internal/config"
	"rebalancer/internal/execution"
	"rebalancer/internal/monitor"
	"rebalancer/internal/position"
	"rebalancer/internal/target"
)

var (
	// ErrNoCandidateFile 表示当日备选文件尚未生成。
	ErrNoCandidateFile = errors.New("app: 未找到备选文件")
	// ErrAlreadyProcessed 表示同一文件已成功执行过调仓。
	ErrAlreadyProcessed = errors.New("app: 备选文件已处理")
)

type balanceReader interface {
	GetAccountBalances(ctx context.Context) (position.AccountBalance, error)
}

type runJournal interface {
	LastRunForSource(ctx context.Context, src monitor.Source) (monitor.RunRecord, bool, error)
	RecordResult(ctx context.Context, src monitor.Source, res execution.RunResult) error
	RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{})
}

type orchestratorConfig struct {
	trading    config.TradingConfig
	candidates config.CandidatesConfig
	runBudget  time.Duration
}

type orchestrator struct {
	runner   execution.Runner
	balances balanceReader
	journal  runJournal
	cfg      orchestratorConfig
	logger   *zap.Logger

	now      func() time.Time
	newRunID func() string
}

func newOrchestrator(cfg orchestratorConfig, runner execution.Runner, balances balanceReader, journal runJournal, logger *zap.Logger) *orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &orchestrator{
		runner:   runner,
		balances: balances,
		journal:  journal,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newRunID: uuid.NewString,
	}
}

// Tick 查找当日备选文件，未处理过则执行一次调仓。
func (o *orchestrator) Tick(ctx context.Context) error {
	path := o.cfg.candidates.CandidatePath(o.now())
	_, err := o.RunFile(ctx, path, false)
	switch {
	case errors.Is(err, ErrNoCandidateFile):
		o.logger.Debug("当日备选文件尚未就绪", zap.String("path", path))
		return nil
	case errors.Is(err, ErrAlreadyProcessed):
		o.logger.Debug("备选文件已处理，跳过", zap.String("path", path))
		return nil
	}
	return err
}

// RunFile 以指定备选文件执行一次调仓。force=false 时跳过已成功处理的同一文件。
func (o *orchestrator) RunFile(ctx context.Context, path string, force bool) (execution.RunResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return execution.RunResult{}, fmt.Errorf("%w: %s", ErrNoCandidateFile, path)
		}
		return execution.RunResult{}, fmt.Errorf("app: 读取备选文件信息失败: %w", err)
	}

	if abs, absErr := filepath.Abs(path); absErr == nil {
		path = abs
	}
	src := monitor.Source{Path: path, ModTime: info.ModTime().UTC()}
	logger := o.logger.With(zap.String("source", path))

	if !force {
		last, ok, err := o.journal.LastRunForSource(ctx, src)
		if err != nil {
			return execution.RunResult{}, err
		}
		// 失败的运行允许下次重试
		if ok && last.Status != monitor.StatusFailed {
			return execution.RunResult{}, fmt.Errorf("%w: %s (run %s)", ErrAlreadyProcessed, path, last.RunID)
		}
	}

	long, short, err := target.LoadCandidates(path)
	if err != nil {
		o.journal.RecordError(ctx, "解析备选文件失败", err, map[string]interface{}{"path": path})
		return execution.RunResult{}, err
	}
	blacklist, err := target.LoadBlacklist(o.cfg.candidates.BlacklistPath)
	if err != nil {
		o.journal.RecordError(ctx, "读取黑名单失败", err, map[string]interface{}{"path": o.cfg.candidates.BlacklistPath})
		return execution.RunResult{}, err
	}

	balance, err := o.balances.GetAccountBalances(ctx)
	if err != nil {
		o.journal.RecordError(ctx, "获取账户余额失败", err, nil)
		return execution.RunResult{}, fmt.Errorf("app: 获取账户余额失败: %w", err)
	}
	equity := balance.TotalMargin - o.cfg.trading.ReserveFunds

	rc := execution.RunContext{
		RunID:     o.newRunID(),
		Long:      long,
		Short:     short,
		Blacklist: blacklist,
		Slots: target.Slots{
			Long:  o.cfg.trading.NumLongPos,
			Short: o.cfg.trading.NumShortPos,
		},
		Leverage:   o.cfg.trading.Leverage,
		Equity:     equity,
		TimeBudget: o.cfg.runBudget,
	}

	logger.Info("开始调仓",
		zap.String("run_id", rc.RunID),
		zap.Int("long_candidates", len(long)),
		zap.Int("short_candidates", len(short)),
		zap.Int("blacklist", len(blacklist)),
		zap.Float64("total_margin", balance.TotalMargin),
		zap.Float64("equity", equity),
	)

	res := o.runner.Run(ctx, rc)

	if err := o.journal.RecordResult(context.WithoutCancel(ctx), src, res); err != nil {
		logger.Error("写入运行日志失败", zap.String("run_id", res.RunID), zap.Error(err))
		return res, fmt.Errorf("app: 写入运行日志失败: %w", err)
	}

	logger.Info("调仓结束",
		zap.String("run_id", res.RunID),
		zap.String("status", string(monitor.StatusOf(res))),
		zap.Int("rounds", res.Rounds),
		zap.Int("trades", len(res.Trades)),
		zap.Int("errors", len(res.Errors)),
		zap.Bool("fallback", res.FallbackUsed),
		zap.Float64("commission", res.Commission),
	)

	if res.Failed() {
		return res, fmt.Errorf("app: 调仓中止: %s", res.Errors[execution.GlobalErrorKey])
	}
	return res, nil
}
