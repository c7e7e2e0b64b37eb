package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"rebalancer/internal/app"
	"rebalancer/internal/config"
	"rebalancer/internal/log"
	"rebalancer/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 返回进程退出码；所有 defer 在退出前执行，数据库总能被关闭。
func run(args []string) int {
	var (
		configPath string
		once       bool
		file       string
	)
	flags := flag.NewFlagSet("rebalancer", flag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flags.BoolVar(&once, "once", false, "只执行一次调仓后退出")
	flags.StringVar(&file, "file", "", "指定备选文件（隐含 -once，忽略去重）")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		return 1
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	rebalancer := app.New(cfg, logger, sqliteStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once || file != "" {
		res, err := rebalancer.RunOnce(ctx, file)
		if res.RunID != "" {
			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
		}
		if err != nil {
			logger.Error("调仓执行失败", zap.Error(err))
			return 1
		}
		return 0
	}

	if err := rebalancer.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		return 1
	}

	logger.Info("系统已安全退出")
	return 0
}
