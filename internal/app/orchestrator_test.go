package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebalancer/internal/config"
	"rebalancer/internal/execution"
	"rebalancer/internal/metrics"
	"rebalancer/internal/monitor"
	"rebalancer/internal/position"
	"rebalancer/internal/store"
)

type fakeRunner struct {
	calls  []execution.RunContext
	result func(rc execution.RunContext) execution.RunResult
}

func (f *fakeRunner) Run(_ context.Context, rc execution.RunContext) execution.RunResult {
	f.calls = append(f.calls, rc)
	if f.result != nil {
		return f.result(rc)
	}
	now := time.Date(2024, 5, 1, 0, 10, 0, 0, time.UTC)
	return execution.RunResult{
		RunID:          rc.RunID,
		StartedAt:      now,
		FinishedAt:     now.Add(time.Minute),
		Errors:         map[string]string{},
		FinalPositions: map[string]float64{},
		Converged:      true,
	}
}

type fakeBalances struct {
	balance position.AccountBalance
	err     error
}

func (f *fakeBalances) GetAccountBalances(context.Context) (position.AccountBalance, error) {
	return f.balance, f.err
}

type fixture struct {
	dir     string
	runner  *fakeRunner
	balance *fakeBalances
	journal *monitor.Service
	orch    *orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	journal, err := monitor.NewService(context.Background(), st, nil)
	require.NoError(t, err)

	f := &fixture{
		dir:     dir,
		runner:  &fakeRunner{},
		balance: &fakeBalances{balance: position.AccountBalance{TotalMargin: 1100, AvailableMargin: 1100}},
		journal: journal,
	}
	f.orch = newOrchestrator(orchestratorConfig{
		trading: config.TradingConfig{Leverage: 2, ReserveFunds: 100, NumLongPos: 3, NumShortPos: 2},
		candidates: config.CandidatesConfig{
			PathTemplate:  filepath.Join(dir, "pos{date}_v3.csv"),
			BlacklistPath: filepath.Join(dir, "blacklist.csv"),
		},
		runBudget: 10 * time.Minute,
	}, f.runner, f.balance, journal, nil)

	f.orch.now = func() time.Time { return time.Date(2024, 5, 1, 0, 5, 0, 0, time.UTC) }
	seq := 0
	f.orch.newRunID = func() string {
		seq++
		return "run-" + string(rune('0'+seq))
	}
	return f
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const candidatesCSV = "ticker,fundingRate,id\nBTCUSDT,-1,1\nLUNAUSDT,-1,3\nXRPUSDT,1,2\nETHUSDT,0,4\n"

func TestTick_RunsTodayFileOnce(t *testing.T) {
	f := newFixture(t)
	f.write(t, "pos20240501_v3.csv", candidatesCSV)
	f.write(t, "blacklist.csv", "ticker\nLUNAUSDT\n")
	ctx := context.Background()

	require.NoError(t, f.orch.Tick(ctx))
	require.Len(t, f.runner.calls, 1)

	rc := f.runner.calls[0]
	assert.Equal(t, "run-1", rc.RunID)
	assert.Equal(t, 1000.0, rc.Equity)
	assert.Equal(t, 2, rc.Leverage)
	assert.Equal(t, 3, rc.Slots.Long)
	assert.Equal(t, 2, rc.Slots.Short)
	assert.Equal(t, 10*time.Minute, rc.TimeBudget)
	assert.Contains(t, rc.Blacklist, "LUNAUSDT")
	require.Len(t, rc.Long, 2)
	assert.Equal(t, "BTCUSDT", rc.Long[0].Ticker)
	require.Len(t, rc.Short, 1)

	// 同一文件第二次轮询不再执行
	require.NoError(t, f.orch.Tick(ctx))
	assert.Len(t, f.runner.calls, 1)

	runs, err := f.journal.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, monitor.StatusConverged, runs[0].Status)
}

func TestTick_MissingFileIsNotAnError(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.orch.Tick(context.Background()))
	assert.Empty(t, f.runner.calls)

	_, err := f.orch.RunFile(context.Background(), filepath.Join(f.dir, "nope.csv"), true)
	assert.ErrorIs(t, err, ErrNoCandidateFile)
}

func TestRunFile_FailedRunIsRetried(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "pos20240501_v3.csv", candidatesCSV)
	f.runner.result = func(rc execution.RunContext) execution.RunResult {
		return execution.RunResult{
			RunID:  rc.RunID,
			Errors: map[string]string{execution.GlobalErrorKey: "fetch positions failed: timeout"},
		}
	}
	ctx := context.Background()

	_, err := f.orch.RunFile(ctx, path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch positions failed")

	f.runner.result = nil
	_, err = f.orch.RunFile(ctx, path, false)
	require.NoError(t, err)
	assert.Len(t, f.runner.calls, 2)

	_, err = f.orch.RunFile(ctx, path, false)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	_, err = f.orch.RunFile(ctx, path, true)
	require.NoError(t, err)
	assert.Len(t, f.runner.calls, 3)
}

func TestRunFile_BalanceFailureSkipsRun(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "pos20240501_v3.csv", candidatesCSV)
	f.balance.err = errors.New("timeout")

	_, err := f.orch.RunFile(context.Background(), path, false)
	require.Error(t, err)
	assert.Empty(t, f.runner.calls)

	events, err := f.journal.ListEvents(context.Background(), monitor.EventFilter{Type: monitor.EventError})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRunFile_BadCandidateFile(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "bad.csv", "symbol,rate\nBTCUSDT,1\n")

	_, err := f.orch.RunFile(context.Background(), path, true)
	require.Error(t, err)
	assert.Empty(t, f.runner.calls)
}

func TestMonitorHandler(t *testing.T) {
	f := newFixture(t)
	path := f.write(t, "pos20240501_v3.csv", candidatesCSV)
	_, err := f.orch.RunFile(context.Background(), path, false)
	require.NoError(t, err)

	rec := metrics.NewRecorder()
	rec.RoundCompleted(1)
	h := newMonitorHandler(f.journal, rec, nil)

	for _, tc := range []struct {
		path string
		want string
	}{
		{"/runs", `"run_id":"run-1"`},
		{"/events?type=RUN_FINISHED&limit=5", `"type":"run_finished"`},
		{"/events?run_id=run-1", `"type":"run_started"`},
		{"/metrics", "rebalancer_rounds_total 1"},
		{"/healthz", "ok"},
	} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		require.Equal(t, http.StatusOK, w.Code, tc.path)
		assert.True(t, strings.Contains(w.Body.String(), tc.want), "%s: %s", tc.path, w.Body.String())
	}
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 200, parseLimit("", 200, 1000))
	assert.Equal(t, 200, parseLimit("abc", 200, 1000))
	assert.Equal(t, 200, parseLimit("-3", 200, 1000))
	assert.Equal(t, 10, parseLimit("10", 200, 1000))
	assert.Equal(t, 1000, parseLimit("5000", 200, 1000))
}
