package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/lcx/btpm/config"
	"github.com/lcx/btpm/cscm"
	"github.com/lcx/btpm/db"
	"github.com/lcx/btpm/devm"
	"github.com/lcx/btpm/discovery"
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/log"
	"github.com/lcx/btpm/plugin"
	"github.com/lcx/btpm/pm"
	"github.com/lcx/btpm/tdsm"
)

// service owns every part of the daemon. start brings them up in order and
// stop takes down whatever was started, in reverse.
type service struct {
	cm  config.ConfigManager
	cfg *settings

	plugins    bool
	power      pm.PowerSource
	ownPower   *devm.Static
	bus        *ipc.Server
	collector  *cscm.SimCollector
	controller *tdsm.SimController
	csc        *cscm.Server
	syncMgr    *tdsm.Server
	registrar  discovery.Registrar
	admin      *http.Server
	adminAddr  net.Addr

	stopTick chan struct{}
	tickWG   sync.WaitGroup
}

func newService(cm config.ConfigManager, cfg *settings) *service {
	return &service{cm: cm, cfg: cfg}
}

func (s *service) start(ctx context.Context) error {
	if err := plugin.InitPlugins(); err != nil {
		return err
	}
	s.plugins = true
	s.power = s.powerSource()

	s.bus = ipc.NewServer(s.cfg.ipc)
	if err := s.bus.Listen(); err != nil {
		return err
	}
	s.cm.AddChangeListener(s.bus)

	s.collector = cscm.NewSimCollector(s.cfg.daemon.SimDelay)
	s.csc = cscm.NewServer(s.bus, s.collector,
		cscm.WithPowerSource(s.power),
		cscm.WithConfig(s.cfg.manager),
		cscm.WithSensorStore(sensorStore),
	)
	if err := s.csc.Initialize(); err != nil {
		return fmt.Errorf("start csc manager: %w", err)
	}

	s.controller = tdsm.NewSimController(s.cfg.daemon.SimDelay)
	s.syncMgr = tdsm.NewServer(s.bus, s.controller,
		tdsm.WithPowerSource(s.power),
		tdsm.WithConfig(s.cfg.manager),
	)
	if err := s.syncMgr.Initialize(); err != nil {
		return fmt.Errorf("start 3d sync manager: %w", err)
	}

	if s.cfg.daemon.Simulate {
		s.simulate()
	}

	s.register(ctx)
	return s.serveAdmin()
}

// powerSource is the configured devm plugin, or an always powered adapter.
func (s *service) powerSource() pm.PowerSource {
	if p, err := plugin.GetTypePlugin(plugin.DevM); err == nil {
		if src, ok := p.(pm.PowerSource); ok {
			log.Info().Str("factory", p.FactoryName()).Msg("adapter power source")
			return src
		}
	}
	log.Info().Msg("no devm plugin configured, adapter treated as powered")
	s.ownPower = devm.NewStatic(true)
	return s.ownPower
}

// sensorStore resolves the db plugin on every use so a reload takes effect.
func sensorStore() db.SensorStore {
	p, err := plugin.GetTypePlugin(plugin.DB)
	if err != nil {
		return nil
	}
	store, ok := p.(db.SensorStore)
	if !ok {
		return nil
	}
	return store
}

func (s *service) simulate() {
	for _, addr := range s.cfg.daemon.sensorAddrs() {
		s.collector.Connect(cscm.SimSensor{
			Address:                 addr,
			OptionalCharacteristics: cscm.CharacteristicSensorLocation | cscm.CharacteristicControlPoint,
			Features: cscm.FeatureWheelRevolutionData | cscm.FeatureCrankRevolutionData |
				cscm.FeatureMultipleSensorLocations,
			SupportedLocations: cscm.LocationFrontWheel.Mask() | cscm.LocationRearWheel.Mask() |
				cscm.LocationLeftCrank.Mask(),
			Location: cscm.LocationFrontWheel,
		})
		log.Info().Stringer("addr", addr).Msg("simulated sensor connected")
	}

	tick := s.cfg.daemon.SimTick
	s.stopTick = make(chan struct{})
	s.tickWG.Add(1)
	go func() {
		defer s.tickWG.Done()
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.collector.Tick(tick)
			case <-s.stopTick:
				return
			}
		}
	}()
}

// register publishes the ipc address when the discovery plugin can.
func (s *service) register(ctx context.Context) {
	p, err := plugin.GetTypePlugin(plugin.Discovery)
	if err != nil {
		return
	}
	r, ok := p.(discovery.Registrar)
	if !ok {
		return
	}
	addr := s.bus.Addr().String()
	if err := r.Register(ctx, addr); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("discovery register failed, clients need --addr")
		return
	}
	s.registrar = r
}

func (s *service) serveAdmin() error {
	if s.cfg.daemon.AdminAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.daemon.AdminAddr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.cfg.daemon.AdminAddr, err)
	}
	s.admin = &http.Server{
		Handler: newRouter(&adminDeps{
			bus:     s.bus,
			power:   s.power,
			csc:     s.csc,
			syncMgr: s.syncMgr,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := s.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("admin server failed")
		}
	}()
	s.adminAddr = ln.Addr()
	log.Info().Str("addr", ln.Addr().String()).Msg("admin api listening")
	return nil
}

func (s *service) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("admin shutdown")
		}
	}
	if s.registrar != nil {
		if err := s.registrar.Deregister(ctx); err != nil {
			log.Warn().Err(err).Msg("discovery deregister")
		}
	}
	if s.stopTick != nil {
		close(s.stopTick)
		s.tickWG.Wait()
	}
	if s.syncMgr != nil {
		if err := s.syncMgr.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("3d sync manager shutdown")
		}
	}
	if s.csc != nil {
		if err := s.csc.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("csc manager shutdown")
		}
	}
	if s.bus != nil {
		s.cm.RemoveChangeListener(s.bus)
		if err := s.bus.Close(); err != nil {
			log.Warn().Err(err).Msg("ipc server close")
		}
	}
	if s.ownPower != nil {
		_ = s.ownPower.Close()
	}
	if s.plugins {
		plugin.DestroyAll()
	}
}
