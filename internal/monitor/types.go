package monitor

import (
	"time"

	"rebalancer/internal/execution"
	"rebalancer/internal/position"
	"rebalancer/internal/target"
)

// EventType 表示运行日志事件类型。
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventTrade          EventType = "trade"
	EventSymbolError    EventType = "symbol_error"
	EventFinalPositions EventType = "final_positions"
	EventRunFinished    EventType = "run_finished"
	EventError          EventType = "error"
)

// RunStatus 为一次运行的最终状态。
type RunStatus string

const (
	StatusConverged RunStatus = "converged"
	StatusResidual  RunStatus = "residual"
	StatusFailed    RunStatus = "failed"
)

// Event 封装通用监控事件。
type Event struct {
	RunID     string      `json:"run_id,omitempty"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Source 标识触发运行的备选文件，路径与修改时间共同用于去重。
type Source struct {
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
}

// RunRecord 为 runs 表中的一行。
type RunRecord struct {
	RunID        string    `json:"run_id"`
	Source       Source    `json:"source"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Status       RunStatus `json:"status"`
	Converged    bool      `json:"converged"`
	FallbackUsed bool      `json:"fallback_used"`
	Rounds       int       `json:"rounds"`
	Trades       int       `json:"trades"`
	Errors       int       `json:"errors"`
	Commission   float64   `json:"commission"`
	RealizedPnL  float64   `json:"realized_pnl"`
}

// RunStartedPayload 记录运行起点。
type RunStartedPayload struct {
	Source           Source                  `json:"source"`
	FirstDay         bool                    `json:"first_day"`
	Targets          target.Map              `json:"targets"`
	InitialPositions map[string]float64      `json:"initial_positions"`
	Balance          position.AccountBalance `json:"balance"`
}

// SymbolErrorPayload 记录单个符号（或 global / blacklisted_tickers）的失败原因。
type SymbolErrorPayload struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// FinalPositionsPayload 记录运行结束时的仓位与余额。
type FinalPositionsPayload struct {
	Positions map[string]float64      `json:"positions"`
	Pinned    []string                `json:"pinned,omitempty"`
	Balance   position.AccountBalance `json:"balance"`
}

// ErrorPayload 记录运行之外的异常，例如备选文件无法解析。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// StatusOf 根据运行结果推导最终状态。
func StatusOf(res execution.RunResult) RunStatus {
	switch {
	case res.Failed():
		return StatusFailed
	case res.Converged:
		return StatusConverged
	default:
		return StatusResidual
	}
}

// RecordFromResult 将运行结果压缩为 runs 表记录。
func RecordFromResult(src Source, res execution.RunResult) RunRecord {
	return RunRecord{
		RunID:        res.RunID,
		Source:       src,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
		Status:       StatusOf(res),
		Converged:    res.Converged,
		FallbackUsed: res.FallbackUsed,
		Rounds:       res.Rounds,
		Trades:       len(res.Trades),
		Errors:       len(res.Errors),
		Commission:   res.Commission,
		RealizedPnL:  res.RealizedPnL,
	}
}
