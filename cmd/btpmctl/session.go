package main

import (
	"context"
	"fmt"
	"time"

	"github.com/lcx/btpm/cscm"
	"github.com/lcx/btpm/discovery"
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/pm"
	"github.com/lcx/btpm/tdsm"
)

// session is one connection to btpmd with both managers on it. Events from
// either manager are queued on events until a command reads them.
type session struct {
	client *ipc.Client
	csc    *cscm.Manager
	sync3d *tdsm.Manager
	events chan any
}

// resolve picks the daemon address: --addr, then consul, then the default.
func resolve(ctx context.Context, g *globalOptions) (string, error) {
	var r discovery.Resolver = discovery.NewStatic(g.addr)
	if g.addr == "" {
		if g.consul == "" {
			return ipc.DefaultClientConfig().ServerAddr, nil
		}
		cfg := discovery.DefaultConsulConfig()
		cfg.Addr = g.consul
		cfg.Service = g.service
		c, err := discovery.NewConsul(cfg)
		if err != nil {
			return "", err
		}
		r = c
	}
	return r.Resolve(ctx)
}

func dial(ctx context.Context, g *globalOptions) (*session, error) {
	addr, err := resolve(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("resolve btpmd: %w", err)
	}
	ccfg := ipc.DefaultClientConfig()
	ccfg.ServerAddr = addr
	if g.unix {
		ccfg.Network = "unix"
	}
	mcfg := pm.DefaultConfig()
	mcfg.TimeoutMs = int(g.timeout / time.Millisecond)

	s := &session{
		client: ipc.NewClient(ccfg),
		events: make(chan any, 256),
	}
	s.csc = cscm.NewManager(s.client, mcfg)
	s.sync3d = tdsm.NewManager(s.client, mcfg)
	if err := s.csc.Initialize(); err != nil {
		return nil, err
	}
	if err := s.sync3d.Initialize(); err != nil {
		_ = s.csc.Shutdown()
		return nil, err
	}
	if err := s.client.Connect(ctx); err != nil {
		s.close()
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return s, nil
}

func (s *session) close() {
	_ = s.sync3d.Shutdown()
	_ = s.csc.Shutdown()
	_ = s.client.Close()
}

// queue drops events once nobody keeps up.
func (s *session) queue(ev any) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *session) listenCSC() error {
	_, err := s.csc.RegisterCollectorEventCallback(func(ev cscm.Event, _ any) { s.queue(ev) }, nil)
	return err
}

// listen3D registers for 3D sync events, as the control callback when control is set.
func (s *session) listen3D(control bool) (uint32, error) {
	return s.sync3d.RegisterEventCallback(control, func(ev tdsm.Event, _ any) { s.queue(ev) }, nil)
}

// waitFor returns the first queued event match accepts.
func (s *session) waitFor(ctx context.Context, match func(ev any) bool) (any, error) {
	for {
		select {
		case ev := <-s.events:
			if match(ev) {
				return ev, nil
			}
		case <-s.client.Done():
			return nil, fmt.Errorf("btpmd closed the connection")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
