package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/config"
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/pm"
)

// daemonConfig is the "btpmd" section.
type daemonConfig struct {
	// AdminAddr is the admin HTTP listener, empty disables it.
	AdminAddr string `mapstructure:"adminAddr"`
	// Simulate connects SimSensors at startup and drives measurements.
	Simulate   bool          `mapstructure:"simulate"`
	SimDelay   time.Duration `mapstructure:"simDelay"`
	SimTick    time.Duration `mapstructure:"simTick"`
	SimSensors []string      `mapstructure:"simSensors"`
}

func defaultDaemonConfig() *daemonConfig {
	return &daemonConfig{
		AdminAddr:  "127.0.0.1:7421",
		SimDelay:   20 * time.Millisecond,
		SimTick:    time.Second,
		SimSensors: []string{"00:1B:DC:0F:10:01"},
	}
}

func (c *daemonConfig) GetName() string {
	return "btpmd"
}

func (c *daemonConfig) Validate() error {
	if c.SimDelay < 0 {
		return errors.New("simDelay must not be negative")
	}
	if c.Simulate && c.SimTick <= 0 {
		return errors.New("simTick must be positive when simulating")
	}
	for _, s := range c.SimSensors {
		if _, err := bt.ParseAddr(s); err != nil {
			return fmt.Errorf("simSensors: %w", err)
		}
	}
	return nil
}

func (c *daemonConfig) sensorAddrs() []bt.Addr {
	out := make([]bt.Addr, 0, len(c.SimSensors))
	for _, s := range c.SimSensors {
		if a, err := bt.ParseAddr(s); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// settings is everything btpmd reads from the config directory.
type settings struct {
	daemon  *daemonConfig
	manager *pm.Config
	ipc     *ipc.ServerConfig
}

// loadSettings reads the btpmd, manager and ipcserver sections. Flags given on
// the command line win over the files.
func loadSettings(cm config.ConfigManager, opts *options) (*settings, error) {
	s := &settings{
		daemon:  defaultDaemonConfig(),
		manager: pm.DefaultConfig(),
		ipc:     ipc.DefaultServerConfig(),
	}
	for _, c := range []config.Config{s.daemon, s.manager, s.ipc} {
		if err := cm.LoadConfig(c.GetName(), c); err != nil {
			return nil, fmt.Errorf("load %s config: %w", c.GetName(), err)
		}
	}
	if opts.simulate {
		s.daemon.Simulate = true
	}
	if opts.adminAddr != "" {
		s.daemon.AdminAddr = opts.adminAddr
	}
	if opts.listen != "" {
		s.ipc.Addr = opts.listen
	}
	if err := s.daemon.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
