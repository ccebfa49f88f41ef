package tdsm

import "github.com/lcx/btpm/pm"

// ServerOption configures a Server at construction.
type ServerOption func(*Server)

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
