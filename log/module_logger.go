package log

// ModuleLogger stamps every event with the owning manager's name, e.g.
// {"module":"cscm-client"}. It shares the appenders and level of its base logger.
// Modules listed in LogCfg.DebugModules log at every level regardless of the
// base threshold.
type ModuleLogger struct {
	base        *GameLogger
	module      string
	inDebugList bool
}

// NewModuleLogger wraps base, or the default logger when base is nil.
func NewModuleLogger(base *GameLogger, module string) *ModuleLogger {
	if base == nil {
		base = Default()
	}
	return &ModuleLogger{
		base:        base,
		module:      module,
		inDebugList: base.GetCurrentConfig().IsDebugModule(module),
	}
}

// Module returns the name stamped on events.
func (x *ModuleLogger) Module() string {
	return x.module
}

func (x *ModuleLogger) log(level Level) *LogEvent {
	e := x.base.log(level, x.inDebugList)
	if e == nil {
		return nil
	}
	return e.Str("module", x.module)
}

// IgnoreCheckLevel reports whether this module bypasses the level threshold.
func (x *ModuleLogger) IgnoreCheckLevel() bool {
	return x.inDebugList
}

func (x *ModuleLogger) Debug() *LogEvent {
	return x.log(DebugLevel)
}

func (x *ModuleLogger) Info() *LogEvent {
	return x.log(InfoLevel)
}

func (x *ModuleLogger) Warn() *LogEvent {
	return x.log(WarnLevel)
}

func (x *ModuleLogger) Error() *LogEvent {
	return x.log(ErrorLevel)
}

func (x *ModuleLogger) Fatal() *LogEvent {
	return x.log(FatalLevel)
}

func (x *ModuleLogger) GetAppender() []LogAppender {
	return x.base.GetAppender()
}

func (x *ModuleLogger) AddAppender(appender LogAppender) {
	x.base.AddAppender(appender)
}

func (x *ModuleLogger) OnEventEnd(e *LogEvent) {
	x.base.OnEventEnd(e)
}
