package discovery

import (
	"context"
	"time"

	"github.com/lcx/btpm/config"
	"github.com/lcx/btpm/plugin"
)

func init() {
	plugin.RegisterPlugin(&staticFactory{})
	plugin.RegisterPlugin(&consulFactory{})
}

type staticFactory struct{}

func (f *staticFactory) Type() plugin.Type { return plugin.Discovery }
func (f *staticFactory) Name() string      { return "static" }

func (f *staticFactory) Setup(v map[string]any) (plugin.Plugin, error) {
	s := &Static{}
	if err := config.Decode(v, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (f *staticFactory) Destroy(plugin.Plugin, any) error {
	return nil
}

func (f *staticFactory) Reload(p plugin.Plugin, v map[string]any) error {
	return config.Decode(v, p.(*Static))
}

func (f *staticFactory) CanDelete(plugin.Plugin) bool {
	return true
}

type consulFactory struct{}

func (f *consulFactory) Type() plugin.Type { return plugin.Discovery }
func (f *consulFactory) Name() string      { return "consul" }

func (f *consulFactory) Setup(v map[string]any) (plugin.Plugin, error) {
	cfg := DefaultConsulConfig()
	if err := config.Decode(v, cfg); err != nil {
		return nil, err
	}
	return NewConsul(cfg)
}

// Destroy takes the instance out of the catalogue.
func (f *consulFactory) Destroy(p plugin.Plugin, _ any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return p.(*Consul).Deregister(ctx)
}

func (f *consulFactory) Reload(p plugin.Plugin, v map[string]any) error {
	cfg := DefaultConsulConfig()
	if err := config.Decode(v, cfg); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return p.(*Consul).Reload(ctx, cfg)
}

func (f *consulFactory) CanDelete(plugin.Plugin) bool {
	return true
}
