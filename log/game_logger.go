package log

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/btpm/config"
)

// GameLogger is the concrete Logger. Events come from a sync.Pool and are written
// to every appender when terminated. The level is hot reloadable through the
// "logger" configuration section.
//
//	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, ConsoleAppender: true})
//	logger.Info().Str("group", "cscm").Uint32("client", 0x101).Msg("client registered")
type GameLogger struct {
	appenders         []LogAppender
	appendersMu       sync.RWMutex
	minLevel          atomic.Uint32
	callerSkip        atomic.Int32
	enabledCallerInfo atomic.Bool
	eventPool         *sync.Pool
	callerCache       sync.Map
	configMutex       sync.RWMutex
	currentConfig     *LogCfg
}

// NewLogger creates a GameLogger. A nil cfg uses DefaultCfg.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = DefaultCfg()
	}

	logger := &GameLogger{currentConfig: cfg}
	logger.minLevel.Store(uint32(cfg.LogLevel))
	logger.callerSkip.Store(int32(cfg.CallerSkip))
	logger.enabledCallerInfo.Store(cfg.EnabledCallerInfo)

	logger.eventPool = &sync.Pool{
		New: func() any {
			return newEvent(logger)
		},
	}

	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg))
	}

	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}

	return logger
}

// NewLoggerWithConfigManager creates a GameLogger that follows reloads of the
// "logger" section.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *GameLogger {
	logger := NewLogger(cfg)
	if configManager != nil {
		configManager.AddChangeListener(logger)
	}
	return logger
}

// OnConfigChanged implements config.ConfigChangeListener.
func (x *GameLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "logger" {
		return nil
	}

	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	x.updateConfig(newLogCfg)
	return nil
}

func (x *GameLogger) updateConfig(newCfg *LogCfg) {
	x.configMutex.Lock()
	x.currentConfig = newCfg
	x.configMutex.Unlock()

	x.minLevel.Store(uint32(newCfg.LogLevel))
	x.callerSkip.Store(int32(newCfg.CallerSkip))
	x.enabledCallerInfo.Store(newCfg.EnabledCallerInfo)

	x.appendersMu.RLock()
	for _, appender := range x.appenders {
		if fa, ok := appender.(*FileAppender); ok {
			fa.OnConfigChanged(newCfg)
		}
	}
	x.appendersMu.RUnlock()

	x.Refresh()
}

// GetCurrentConfig returns the configuration last applied.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	x.configMutex.RLock()
	defer x.configMutex.RUnlock()
	return x.currentConfig
}

// Level returns the minimum level currently written.
func (x *GameLogger) Level() Level {
	return Level(x.minLevel.Load())
}

func (x *GameLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

func (x *GameLogger) AddAppender(appender LogAppender) {
	x.appendersMu.Lock()
	defer x.appendersMu.Unlock()
	x.appenders = append(x.appenders, appender)
}

func (x *GameLogger) GetAppender() []LogAppender {
	x.appendersMu.RLock()
	defer x.appendersMu.RUnlock()
	return append([]LogAppender(nil), x.appenders...)
}

// Refresh flushes every appender.
func (x *GameLogger) Refresh() {
	for _, appender := range x.GetAppender() {
		appender.Refresh()
	}
}

func (x *GameLogger) IgnoreCheckLevel() bool {
	return false
}

func (x *GameLogger) newEvent() *LogEvent {
	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	return e
}

// OnEventEnd writes a terminated event and returns it to the pool.
// Fatal events panic after being written.
func (x *GameLogger) OnEventEnd(e *LogEvent) {
	x.appendersMu.RLock()
	for _, appender := range x.appenders {
		_, _ = appender.Write(e.buf.Bytes())
	}
	x.appendersMu.RUnlock()

	if e.level == FatalLevel {
		panic(e.buf.String())
	}

	x.eventPool.Put(e)
}

func (x *GameLogger) Debug() *LogEvent {
	return x.log(DebugLevel, false)
}

func (x *GameLogger) Info() *LogEvent {
	return x.log(InfoLevel, false)
}

func (x *GameLogger) Warn() *LogEvent {
	return x.log(WarnLevel, false)
}

func (x *GameLogger) Error() *LogEvent {
	return x.log(ErrorLevel, false)
}

// Fatal events panic once written.
func (x *GameLogger) Fatal() *LogEvent {
	return x.log(FatalLevel, false)
}

type callerInfo struct {
	text string
}

var _unknownCallerInfo = &callerInfo{text: "???"}

// getCallerInfo resolves file:line function of the logging call site, cached by pc.
func (x *GameLogger) getCallerInfo() *callerInfo {
	pc, file, line, ok := runtime.Caller(3 + int(x.callerSkip.Load()))
	if !ok {
		return _unknownCallerInfo
	}

	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	funcName := runtime.FuncForPC(pc).Name()
	if dotIdx := strings.LastIndexByte(funcName, '.'); dotIdx != -1 {
		funcName = funcName[dotIdx+1:]
	}

	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if secondLastSlash := strings.LastIndexByte(file[:lastSlash], '/'); secondLastSlash >= 0 {
			file = file[secondLastSlash+1:]
		}
	}

	c := &callerInfo{text: file + ":" + strconv.Itoa(line) + " " + funcName}
	x.callerCache.Store(pc, c)
	return c
}

// log returns a prepared event, or nil when level is filtered out and
// ignoreLevel is false.
func (x *GameLogger) log(level Level, ignoreLevel bool) *LogEvent {
	if !ignoreLevel && !x.checkLevel(level) {
		return nil
	}

	e := x.newEvent()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())

	if x.enabledCallerInfo.Load() {
		e.Str("caller", x.getCallerInfo().text)
	}

	return e
}
