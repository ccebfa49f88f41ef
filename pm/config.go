package pm

import (
	"errors"
	"time"
)

// Config is the "manager" section shared by every manager module.
type Config struct {
	TimeoutMs   int `mapstructure:"timeoutMs"`
	MailboxSize int `mapstructure:"mailboxSize"`
}

func DefaultConfig() *Config {
	return &Config{
		TimeoutMs:   5000,
		MailboxSize: 256,
	}
}

func (c *Config) GetName() string {
	return "manager"
}

func (c *Config) Validate() error {
	if c.TimeoutMs <= 0 {
		return errors.New("timeoutMs must be positive")
	}
	if c.MailboxSize <= 0 {
		return errors.New("mailboxSize must be positive")
	}
	return nil
}

// Timeout is the request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
