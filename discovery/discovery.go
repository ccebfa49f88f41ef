// Package discovery tells clients where the daemon listens. btpmd publishes
// its IPC address through a Registrar; btpmctl looks it up through a Resolver.
package discovery

import (
	"context"
	"errors"
)

var ErrNoInstance = errors.New("discovery: no healthy instance")

// Resolver returns the address of a daemon to dial.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Registrar publishes the daemon address.
type Registrar interface {
	Register(ctx context.Context, addr string) error
	Deregister(ctx context.Context) error
}

// Static always resolves to the same address and publishes nothing.
type Static struct {
	Addr string `mapstructure:"addr"`
}

func NewStatic(addr string) *Static {
	return &Static{Addr: addr}
}

func (s *Static) FactoryName() string { return "static" }

func (s *Static) Resolve(context.Context) (string, error) {
	if s.Addr == "" {
		return "", ErrNoInstance
	}
	return s.Addr, nil
}
