package log

import (
	"sync/atomic"

	"github.com/lcx/btpm/config"
)

type Logger interface {
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	IgnoreCheckLevel() bool
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

var _defaultLogger atomic.Pointer[GameLogger]

func init() {
	_defaultLogger.Store(NewLogger(nil))
}

// Default returns the package-level logger.
func Default() *GameLogger {
	return _defaultLogger.Load()
}

// AddAppender adds an appender to the default logger.
func AddAppender(appender LogAppender) {
	Default().AddAppender(appender)
}

// Refresh flushes the default logger.
func Refresh() {
	Default().Refresh()
}

// SetDefaultLogger replaces the default logger.
func SetDefaultLogger(logger *GameLogger) {
	_defaultLogger.Store(logger)
}

// InitializeWithConfigManager loads the "logger" section and installs a default
// logger that follows its reloads.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := DefaultCfg()
	if err := configManager.LoadConfig("logger", logCfg); err != nil {
		return err
	}

	SetDefaultLogger(NewLoggerWithConfigManager(logCfg, configManager))
	return nil
}

// Initialize is InitializeWithConfigManager on the singleton config manager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

func Debug() *LogEvent {
	return Default().log(DebugLevel, false)
}

func Info() *LogEvent {
	return Default().log(InfoLevel, false)
}

func Warn() *LogEvent {
	return Default().log(WarnLevel, false)
}

func Error() *LogEvent {
	return Default().log(ErrorLevel, false)
}

func Fatal() *LogEvent {
	return Default().log(FatalLevel, false)
}
