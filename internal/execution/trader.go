package execution

import "context"

// Runner 抽象一次调仓执行，方便在应用层替换为模拟实现。
type Runner interface {
	Run(ctx context.Context, rc RunContext) RunResult
}

var _ Runner = (*Engine)(nil)
