package devm

import (
	"fmt"

	"github.com/lcx/btpm/config"
	"github.com/lcx/btpm/log"
	"github.com/lcx/btpm/plugin"
)

// newBlueZFn is swapped by tests that have no system bus.
var newBlueZFn = func(cfg BlueZConfig) (Source, error) { return NewBlueZ(cfg) }

func init() {
	plugin.RegisterPlugin(&staticFactory{})
	plugin.RegisterPlugin(&bluezFactory{})
}

// StaticConfig is the "devm.static" plugin section.
type StaticConfig struct {
	Powered bool `mapstructure:"powered"`
}

func decodeStatic(v map[string]any) (*StaticConfig, error) {
	cfg := &StaticConfig{Powered: true}
	if err := config.Decode(v, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

type staticFactory struct{}

func (f *staticFactory) Type() plugin.Type { return plugin.DevM }
func (f *staticFactory) Name() string      { return "static" }

func (f *staticFactory) Setup(v map[string]any) (plugin.Plugin, error) {
	cfg, err := decodeStatic(v)
	if err != nil {
		return nil, err
	}
	return NewStatic(cfg.Powered), nil
}

func (f *staticFactory) Destroy(p plugin.Plugin, _ any) error {
	return p.(*Static).Close()
}

// Reload switches the power state in place.
func (f *staticFactory) Reload(p plugin.Plugin, v map[string]any) error {
	cfg, err := decodeStatic(v)
	if err != nil {
		return err
	}
	p.(*Static).SetPowered(cfg.Powered)
	return nil
}

func (f *staticFactory) CanDelete(plugin.Plugin) bool {
	return true
}

type bluezFactory struct{}

func (f *bluezFactory) Type() plugin.Type { return plugin.DevM }
func (f *bluezFactory) Name() string      { return "bluez" }

func (f *bluezFactory) Setup(v map[string]any) (plugin.Plugin, error) {
	cfg := &BlueZConfig{}
	if err := config.Decode(v, cfg); err != nil {
		return nil, err
	}
	src, err := newBlueZFn(*cfg)
	if err != nil {
		return nil, err
	}
	p, ok := src.(plugin.Plugin)
	if !ok {
		_ = src.Close()
		return nil, fmt.Errorf("devm: %T is not a plugin", src)
	}
	return p, nil
}

func (f *bluezFactory) Destroy(p plugin.Plugin, _ any) error {
	return p.(Source).Close()
}

// Reload keeps the instance. Modules subscribe once at startup, so a new
// adapter only takes effect after a restart.
func (f *bluezFactory) Reload(p plugin.Plugin, v map[string]any) error {
	cfg := &BlueZConfig{}
	if err := config.Decode(v, cfg); err != nil {
		return err
	}
	if b, ok := p.(*BlueZ); ok && b.path != cfg.path() {
		log.Warn().Str("current", string(b.path)).Str("configured", string(cfg.path())).
			Msg("adapter change needs a restart")
	}
	return nil
}

func (f *bluezFactory) CanDelete(plugin.Plugin) bool {
	return true
}
