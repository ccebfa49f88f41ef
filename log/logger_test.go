package log

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lcx/btpm/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memAppender 把日志行收集到内存，便于断言
type memAppender struct {
	mu    sync.Mutex
	lines []string
}

func (m *memAppender) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, string(p))
	return len(p), nil
}

func (m *memAppender) Refresh() {}

func (m *memAppender) records(t *testing.T) []map[string]any {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.lines))
	for _, l := range m.lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &rec), l)
		out = append(out, rec)
	}
	return out
}

func newMemLogger(level Level) (*GameLogger, *memAppender) {
	logger := NewLogger(&LogCfg{LogLevel: level})
	mem := &memAppender{}
	logger.AddAppender(mem)
	return logger, mem
}

func TestLoggerWritesJSONLines(t *testing.T) {
	logger, mem := newMemLogger(DebugLevel)

	logger.Info().
		Str("k", "v \"quoted\"\n").
		Int("i", -3).
		Uint32("u", 7).
		Hex32("group", 0x110E).
		Bool("b", true).
		Err(errors.New("boom")).
		Msg("hello")

	recs := mem.records(t)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "info", rec["level"])
	assert.Equal(t, "v \"quoted\"\n", rec["k"])
	assert.Equal(t, float64(-3), rec["i"])
	assert.Equal(t, float64(7), rec["u"])
	assert.Equal(t, "0x110e", rec["group"])
	assert.Equal(t, true, rec["b"])
	assert.Equal(t, "boom", rec["error"])
	assert.Equal(t, "hello", rec["msg"])
	assert.NotEmpty(t, rec["time"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	logger, mem := newMemLogger(WarnLevel)

	assert.Nil(t, logger.Debug())
	assert.Nil(t, logger.Info())

	// 被过滤的事件必须可以安全地链式调用
	logger.Info().Str("a", "b").Int("c", 1).Err(errors.New("x")).Msg("dropped")

	logger.Warn().Msg("kept")
	logger.Error().Msg("kept too")

	recs := mem.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, "warn", recs[0]["level"])
	assert.Equal(t, "error", recs[1]["level"])
}

func TestFatalPanics(t *testing.T) {
	logger, mem := newMemLogger(InfoLevel)
	assert.Panics(t, func() { logger.Fatal().Msg("fatal") })
	assert.Len(t, mem.records(t), 1)
}

func TestHotReloadChangesLevel(t *testing.T) {
	logger, mem := newMemLogger(ErrorLevel)
	logger.Info().Msg("before")

	require.NoError(t, logger.OnConfigChanged("logger", &LogCfg{LogLevel: DebugLevel}, nil))
	assert.Equal(t, DebugLevel, logger.Level())
	logger.Debug().Msg("after")

	// 其他配置段的变更应被忽略
	require.NoError(t, logger.OnConfigChanged("manager", &LogCfg{LogLevel: FatalLevel}, nil))
	assert.Equal(t, DebugLevel, logger.Level())

	recs := mem.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "after", recs[0]["msg"])
}

func TestModuleLogger(t *testing.T) {
	logger := NewLogger(&LogCfg{LogLevel: WarnLevel, DebugModules: []string{"tdsm-server"}})
	mem := &memAppender{}
	logger.AddAppender(mem)

	quiet := NewModuleLogger(logger, "cscm-client")
	loud := NewModuleLogger(logger, "tdsm-server")

	quiet.Info().Msg("filtered")
	quiet.Warn().Msg("cscm warn")
	loud.Debug().Msg("tdsm debug")

	assert.False(t, quiet.IgnoreCheckLevel())
	assert.True(t, loud.IgnoreCheckLevel())

	recs := mem.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, "cscm-client", recs[0]["module"])
	assert.Equal(t, "tdsm-server", recs[1]["module"])
	assert.Equal(t, "debug", recs[1]["level"])
}

func TestCallerInfo(t *testing.T) {
	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, EnabledCallerInfo: true})
	mem := &memAppender{}
	logger.AddAppender(mem)

	logger.Info().Msg("where")

	recs := mem.records(t)
	require.Len(t, recs, 1)
	assert.Contains(t, recs[0]["caller"], "logger_test.go")
}

func TestFileAppenderRotatesBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "btpm.log")
	fa := NewFileAppender(&LogCfg{LogPath: path, FileSplitMB: 1})
	defer fa.Close()

	line := []byte(strings.Repeat("x", 64<<10) + "\n")
	for i := 0; i < 20; i++ {
		_, err := fa.Write(line)
		require.NoError(t, err)
	}
	fa.Refresh()

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.NotEmpty(t, matches, "expected a rotated file")

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, st.Size(), int64(1<<20))
}

func TestLevelDecodeFromConfig(t *testing.T) {
	cfg := DefaultCfg()
	require.NoError(t, config.Decode(map[string]any{"level": "WARN", "debugModules": []string{"a"}}, cfg))
	assert.Equal(t, WarnLevel, cfg.LogLevel)
	assert.True(t, cfg.IsDebugModule("a"))

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.Error(t, (&LogCfg{FileAppender: true}).Validate())
	assert.Error(t, (&LogCfg{FileSplitMB: -1}).Validate())
	assert.NoError(t, DefaultCfg().Validate())
}
