package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"rebalancer/internal/execution"
	"rebalancer/internal/store"
)

const timeLayout = time.RFC3339Nano

// Service 负责持久化运行日志：每次运行一行 runs 记录，明细写入 monitor_events。
type Service struct {
	store  *store.Store
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(ctx context.Context, st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:  st,
		db:     st.DB(),
		logger: logger,
	}

	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema(ctx context.Context) error {
	err := s.store.Migrate(ctx,
		`CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_events_run ON monitor_events(run_id)`,
		`CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	source_path TEXT NOT NULL,
	source_mtime TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	status TEXT NOT NULL,
	converged INTEGER NOT NULL,
	fallback_used INTEGER NOT NULL,
	rounds INTEGER NOT NULL,
	trades INTEGER NOT NULL,
	errors INTEGER NOT NULL,
	commission REAL NOT NULL,
	realized_pnl REAL NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_source ON runs(source_path, source_mtime)`,
	)
	if err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO monitor_events (run_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		event.RunID, string(event.Type), string(payload), event.Timestamp.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	return insertEvent(ctx, s.db, event)
}

// RecordResult 在同一事务内写入 runs 记录与运行明细事件。
func (s *Service) RecordResult(ctx context.Context, src Source, res execution.RunResult) error {
	rec := RecordFromResult(src, res)
	events := resultEvents(src, res)

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, source_path, source_mtime, started_at, finished_at, status,
	converged, fallback_used, rounds, trades, errors, commission, realized_pnl)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.RunID, rec.Source.Path, rec.Source.ModTime.UTC().Format(timeLayout),
			rec.StartedAt.UTC().Format(timeLayout), rec.FinishedAt.UTC().Format(timeLayout),
			string(rec.Status), rec.Converged, rec.FallbackUsed, rec.Rounds, rec.Trades, rec.Errors,
			rec.Commission, rec.RealizedPnL,
		)
		if err != nil {
			return fmt.Errorf("monitor: 写入运行记录失败: %w", err)
		}
		for _, ev := range events {
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("运行结果已写入日志",
		zap.String("run_id", rec.RunID),
		zap.String("status", string(rec.Status)),
		zap.Int("events", len(events)),
	)
	return nil
}

func resultEvents(src Source, res execution.RunResult) []Event {
	events := make([]Event, 0, len(res.Trades)+len(res.Errors)+3)
	events = append(events, Event{
		RunID:     res.RunID,
		Type:      EventRunStarted,
		Timestamp: res.StartedAt,
		Payload: RunStartedPayload{
			Source:           src,
			FirstDay:         res.FirstDay,
			Targets:          res.Targets,
			InitialPositions: res.InitialPositions,
			Balance:          res.Before,
		},
	})

	for _, tr := range res.Trades {
		events = append(events, Event{RunID: res.RunID, Type: EventTrade, Timestamp: tr.Time, Payload: tr})
	}

	keys := make([]string, 0, len(res.Errors))
	for k := range res.Errors {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		events = append(events, Event{
			RunID:     res.RunID,
			Type:      EventSymbolError,
			Timestamp: res.FinishedAt,
			Payload:   SymbolErrorPayload{Key: k, Reason: res.Errors[k]},
		})
	}

	events = append(events,
		Event{
			RunID:     res.RunID,
			Type:      EventFinalPositions,
			Timestamp: res.FinishedAt,
			Payload: FinalPositionsPayload{
				Positions: res.FinalPositions,
				Pinned:    res.Pinned,
				Balance:   res.After,
			},
		},
		Event{
			RunID:     res.RunID,
			Type:      EventRunFinished,
			Timestamp: res.FinishedAt,
			Payload:   RecordFromResult(src, res),
		},
	)
	return events
}

// RecordError 记录运行之外的异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(ctx, Event{
		Type:      EventError,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// LastRunForSource 查询同一文件（路径与修改时间均一致）最近一次运行。
func (s *Service) LastRunForSource(ctx context.Context, src Source) (RunRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		runSelect+` WHERE source_path = ? AND source_mtime = ? ORDER BY started_at DESC LIMIT 1`,
		src.Path, src.ModTime.UTC().Format(timeLayout),
	)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, err
	}
	return rec, true, nil
}

// ListRuns 返回最近的运行记录。
func (s *Service) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, runSelect+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询运行记录失败: %w", err)
	}
	defer rows.Close()

	runs := make([]RunRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取运行记录失败: %w", err)
	}
	return runs, nil
}

const runSelect = `SELECT run_id, source_path, source_mtime, started_at, finished_at, status,
	converged, fallback_used, rounds, trades, errors, commission, realized_pnl FROM runs`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		rec                      RunRecord
		mtime, started, finished string
		status                   string
	)
	err := row.Scan(&rec.RunID, &rec.Source.Path, &mtime, &started, &finished, &status,
		&rec.Converged, &rec.FallbackUsed, &rec.Rounds, &rec.Trades, &rec.Errors,
		&rec.Commission, &rec.RealizedPnL)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, err
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("monitor: 解析运行记录失败: %w", err)
	}
	rec.Status = RunStatus(status)
	rec.Source.ModTime = parseTime(mtime)
	rec.StartedAt = parseTime(started)
	rec.FinishedAt = parseTime(finished)
	return rec, nil
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// EventFilter 控制事件检索范围，零值表示不过滤。
type EventFilter struct {
	Type  EventType
	RunID string
	Limit int
}

// ListEvents 按类型或运行检索最近事件。
func (s *Service) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT run_id, event_type, payload, created_at FROM monitor_events WHERE 1 = 1`
	args := make([]interface{}, 0, 3)
	if filter.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			runID   string
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&runID, &typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		events = append(events, Event{
			RunID:     runID,
			Type:      EventType(typ),
			Timestamp: parseTime(created),
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
