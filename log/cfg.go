package log

import "errors"

var (
	errEmptyLogPath  = errors.New("log path is empty while file appender is enabled")
	errNegativeSplit = errors.New("splitmb must not be negative")
)

// LogCfg is the "logger" configuration section.
type LogCfg struct {
	// LogPath is the target file for the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level written. Hot reloadable.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB rotates the log file once it exceeds this size. Zero disables rotation.
	FileSplitMB int `mapstructure:"splitmb"`

	// CallerSkip is the number of extra stack frames between the call site and the logger.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender    bool `mapstructure:"fileAppender"`
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// DebugModules lists module names (e.g. "cscm-server") whose events bypass
	// LogLevel, for targeted debugging of one manager in production.
	DebugModules []string `mapstructure:"debugModules"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`

	debugModuleSet map[string]struct{}
}

func (cfg *LogCfg) GetName() string {
	return "logger"
}

func (cfg *LogCfg) Validate() error {
	if cfg.FileAppender && cfg.LogPath == "" {
		return errEmptyLogPath
	}
	if cfg.FileSplitMB < 0 {
		return errNegativeSplit
	}
	return nil
}

// IsDebugModule reports whether module is listed in DebugModules.
func (cfg *LogCfg) IsDebugModule(module string) bool {
	if cfg.debugModuleSet == nil && len(cfg.DebugModules) != 0 {
		cfg.debugModuleSet = make(map[string]struct{}, len(cfg.DebugModules))
		for _, m := range cfg.DebugModules {
			cfg.debugModuleSet[m] = struct{}{}
		}
	}

	_, exists := cfg.debugModuleSet[module]
	return exists
}

var _defaultCfg = LogCfg{
	LogPath:         "./btpm.log",
	LogLevel:        InfoLevel,
	FileSplitMB:     50,
	CallerSkip:      0,
	FileAppender:    false,
	ConsoleAppender: true,
}

// DefaultCfg returns a copy of the built-in configuration, suitable as the
// starting value passed to ConfigManager.LoadConfig.
func DefaultCfg() *LogCfg {
	cfg := _defaultCfg
	return &cfg
}
