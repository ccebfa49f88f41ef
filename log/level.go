package log

import (
	"fmt"
	"strings"
)

// Level is the severity of a log event. Higher values are more severe.
type Level uint32

const (
	TraceLevel Level = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var _levelNames = [...]string{"trace", "debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if int(l) < len(_levelNames) {
		return _levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint32(l))
}

// ParseLevel accepts a level name, case insensitive.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range _levelNames {
		if name == s {
			return Level(i), nil
		}
	}
	if s == "warning" {
		return WarnLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// UnmarshalText lets configuration files spell the level by name.
func (l *Level) UnmarshalText(text []byte) error {
	lv, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = lv
	return nil
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}
