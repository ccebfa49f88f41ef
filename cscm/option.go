package cscm

import (
	"github.com/lcx/btpm/db"
	"github.com/lcx/btpm/pm"
)

// ServerOption configures a Server at construction.
type ServerOption func(*Server)

// WithSensorStore remembers configured sensors in the store returned by fn.
// fn is asked on every use so a reloaded store is picked up; it may return nil.
func WithSensorStore(fn func() db.SensorStore) ServerOption {
	return func(s *Server) {
		s.store = fn
	}
}

// WithPowerSource gates the server on the adapter power state.
func WithPowerSource(power pm.PowerSource) ServerOption {
	return func(s *Server) {
		s.power = power
	}
}

// WithConfig sets the manager configuration.
func WithConfig(cfg *pm.Config) ServerOption {
	return func(s *Server) {
		s.cfg = cfg
	}
}
