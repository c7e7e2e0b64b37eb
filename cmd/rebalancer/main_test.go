package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	body := fmt.Sprintf(`exchange:
  name: binanceusdm
  use_sandbox: true
database:
  path: %s
logging:
  level: error
  output_paths: ["stdout"]
  error_output_paths: ["stderr"]
  file:
    path: %s
`, filepath.Join(dir, "rebalancer.db"), filepath.Join(dir, "rebalancer.log"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRun_FailedRunClosesStore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	code := run([]string{"-config", cfgPath, "-file", filepath.Join(dir, "missing.csv")})
	assert.Equal(t, 1, code)

	// 最后一个连接关闭时 SQLite 会合并并删除 WAL 文件
	_, err := os.Stat(filepath.Join(dir, "rebalancer.db"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "rebalancer.db-wal"))
	assert.True(t, os.IsNotExist(err), "expected WAL file removed after close, got %v", err)
}

func TestRun_BadFlagsAndConfig(t *testing.T) {
	assert.Equal(t, 2, run([]string{"-unknown"}))
	assert.Equal(t, 1, run([]string{"-config", filepath.Join(t.TempDir(), "absent.yaml")}))
}
