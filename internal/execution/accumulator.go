package execution

import (
	"sort"
	"strings"
)

// Accumulator 收集单次运行的失败原因与成交记录，仅由调仓线程持有。
type Accumulator struct {
	runID  string
	errors map[string]string
	trades []TradeRecord
}

// NewAccumulator 创建运行期累加器。
func NewAccumulator(runID string) *Accumulator {
	return &Accumulator{
		runID:  runID,
		errors: make(map[string]string),
	}
}

// RecordError 记录合约失败原因，同一合约以最后一次写入为准。
func (a *Accumulator) RecordError(symbol, reason string) {
	if symbol == "" || reason == "" {
		return
	}
	a.errors[strings.ToUpper(symbol)] = reason
}

// RecordGlobal 记录导致运行中止的全局错误。
func (a *Accumulator) RecordGlobal(reason string) {
	a.errors[GlobalErrorKey] = reason
}

// RecordTrade 追加一条成交记录。
func (a *Accumulator) RecordTrade(rec TradeRecord) {
	rec.RunID = a.runID
	a.trades = append(a.trades, rec)
}

// Errors 返回失败原因的副本。
func (a *Accumulator) Errors() map[string]string {
	out := make(map[string]string, len(a.errors))
	for k, v := range a.errors {
		out[k] = v
	}
	return out
}

// Trades 返回按时间排序的成交记录副本。
func (a *Accumulator) Trades() []TradeRecord {
	out := make([]TradeRecord, len(a.trades))
	copy(out, a.trades)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// Totals 汇总手续费与已实现盈亏。
func (a *Accumulator) Totals() (commission, realizedPnL float64) {
	for _, t := range a.trades {
		commission += t.Commission
		realizedPnL += t.RealizedPnL
	}
	return commission, realizedPnL
}
