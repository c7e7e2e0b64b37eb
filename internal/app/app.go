package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rebalancer/internal/config"
	"rebalancer/internal/exchange"
	"rebalancer/internal/execution"
	"rebalancer/internal/metrics"
	"rebalancer/internal/monitor"
	"rebalancer/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   *store.Store
	metrics *metrics.Recorder
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		metrics: metrics.NewRecorder(),
	}
}

func (a *App) build(ctx context.Context) (*orchestrator, *monitor.Service, error) {
	client, err := exchange.NewClient(a.cfg.Exchange, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(ctx, a.store, a.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	opts := execution.OptionsFromConfig(a.cfg.Reconcile, a.cfg.Exchange.PriceConcurrency)
	engine := execution.NewEngine(client, opts, a.metrics, a.logger)

	orch := newOrchestrator(orchestratorConfig{
		trading:    a.cfg.Trading,
		candidates: a.cfg.Candidates,
		runBudget:  a.cfg.Reconcile.RunBudget,
	}, engine, client, monitorSvc, a.logger)

	return orch, monitorSvc, nil
}

// Run 按 scheduler.loop_interval 轮询当日备选文件，直到收到退出信号。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("调仓系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Bool("sandbox", a.cfg.Exchange.UseSandbox),
		zap.Int("leverage", a.cfg.Trading.Leverage),
		zap.Int("num_long_pos", a.cfg.Trading.NumLongPos),
		zap.Int("num_short_pos", a.cfg.Trading.NumShortPos),
	)

	orch, monitorSvc, err := a.build(ctx)
	if err != nil {
		return err
	}

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, monitorSvc, a.metrics, a.cfg.Monitor.Port, a.logger); err != nil {
			return err
		}
	}

	loopInterval := a.cfg.Scheduler.LoopInterval
	if loopInterval <= 0 {
		loopInterval = 5 * time.Minute
	}

	if err = orch.Tick(ctx); err != nil {
		a.logger.Error("首次执行失败", zap.Error(err))
	}

	ticker := time.NewTicker(loopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			if err = orch.Tick(ctx); err != nil {
				a.logger.Error("执行调度失败", zap.Error(err))
			}
		}
	}
}

// RunOnce 执行一次调仓后返回。file 为空时使用当日备选文件并遵循去重规则，
// 显式指定的文件总会执行。
func (a *App) RunOnce(ctx context.Context, file string) (execution.RunResult, error) {
	orch, _, err := a.build(ctx)
	if err != nil {
		return execution.RunResult{}, err
	}

	force := file != ""
	if file == "" {
		file = a.cfg.Candidates.CandidatePath(time.Now().UTC())
	}
	return orch.RunFile(ctx, file, force)
}
