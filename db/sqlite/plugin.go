package sqlite

import (
	"github.com/lcx/btpm/config"
	"github.com/lcx/btpm/plugin"
)

var (
	// openDatabaseFn wraps DBOpen to allow tests to substitute a fake database implementation.
	openDatabaseFn = func(cfg *Config) (plugin.Plugin, error) { return DBOpen(cfg) }
)

func init() {
	plugin.RegisterPlugin(&factory{})
}

// factory implements the SQLite database plugin factory.
type factory struct{}

func (f *factory) Type() plugin.Type {
	return plugin.DB
}

func (f *factory) Name() string {
	return "sqlite"
}

// Setup opens the store named by the configuration payload.
func (f *factory) Setup(v map[string]any) (plugin.Plugin, error) {
	cfg := DefaultConfig()
	if err := config.Decode(v, cfg); err != nil {
		return nil, err
	}
	return openDatabaseFn(cfg)
}

func (f *factory) Destroy(p plugin.Plugin, _ any) error {
	if d, ok := p.(interface{ Close() error }); ok {
		return d.Close()
	}
	return nil
}

// Reload refuses changes so the store is reopened with the new settings.
func (f *factory) Reload(p plugin.Plugin, v map[string]any) error {
	cfg := DefaultConfig()
	if err := config.Decode(v, cfg); err != nil {
		return err
	}
	if d, ok := p.(*DB); ok && d.dsn == cfg.DSN {
		return nil
	}
	return errDSNChanged
}

func (f *factory) CanDelete(plugin.Plugin) bool {
	return true
}
