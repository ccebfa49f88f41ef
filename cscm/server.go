package cscm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/db"
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/metrics"
	"github.com/lcx/btpm/pm"
)

const storeTimeout = 3 * time.Second

// Server is the CSC manager inside the daemon. It drives a Collector, keeps
// per-sensor state and serves both in-process callers and ipc clients.
type Server struct {
	mod       *pm.Module
	collector Collector
	power     pm.PowerSource
	cfg       *pm.Config
	store     func() db.SensorStore

	// guarded by the module lock
	callbacks pm.Registry[EventCallback]
	peers     map[bt.Addr]*peer
	txnIDs    pm.IDAllocator
	procIDs   pm.IDAllocator
}

func NewServer(bus ipc.Bus, collector Collector, opts ...ServerOption) *Server {
	s := &Server{
		collector: collector,
		peers:     make(map[bt.Addr]*peer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mod = pm.NewModule("cscm", Group, bus, s.power, s.cfg)
	return s
}

// Initialize registers the message group and starts the collector.
func (s *Server) Initialize() error {
	if s.mod.Initialized() {
		return nil
	}
	if err := s.mod.Initialize(pm.Hooks{
		OnMessage:     s.handleMessage,
		OnClientGone:  s.clientGone,
		OnDeviceEvent: s.deviceEvent,
	}); err != nil {
		return err
	}
	if err := s.collector.Start(collectorSink{s}); err != nil {
		_ = s.mod.Shutdown(nil)
		return fmt.Errorf("start collector: %w", err)
	}
	return nil
}

// Shutdown stops the collector and forgets every sensor and registration.
func (s *Server) Shutdown() error {
	if !s.mod.Initialized() {
		return nil
	}
	if err := s.collector.Stop(); err != nil {
		s.mod.Logger().Warn().Err(err).Msg("stop collector failed")
	}
	return s.mod.Shutdown(func() {
		s.callbacks.Clear()
		clear(s.peers)
		s.txnIDs.Reset()
		s.procIDs.Reset()
	})
}

func (s *Server) locked(fn func()) {
	if s.mod.Enter() != nil {
		return
	}
	defer s.mod.Leave()
	fn()
}

func (s *Server) sensorStore() db.SensorStore {
	if s.store == nil {
		return nil
	}
	return s.store()
}

// peerLocked finds a connected sensor.
func (s *Server) peerLocked(addr bt.Addr) (*peer, error) {
	if !s.mod.Powered() {
		return nil, pm.ErrDevicePoweredDown
	}
	p, ok := s.peers[addr]
	if !ok {
		return nil, pm.ErrDeviceNotConnected
	}
	return p, nil
}

func collectorError(err error) error {
	var pe *pm.Error
	if errors.As(err, &pe) {
		return err
	}
	return fmt.Errorf("%w: %w", pm.ErrUnknown, err)
}

// broadcastLocked fans evs out to every subscriber. Entered with the module
// lock held; returns with it released.
func (s *Server) broadcastLocked(evs ...Event) {
	s.fanOutLocked(&s.callbacks, evs...)
}

// deliverLocked sends ev to the owner of callbackID only. Same lock contract
// as broadcastLocked.
func (s *Server) deliverLocked(callbackID uint32, ev Event) {
	var one pm.Registry[EventCallback]
	if e, ok := s.callbacks.Find(callbackID); ok {
		_ = one.Add(e)
	} else {
		s.mod.Logger().Debug().Uint32("callbackID", callbackID).Msg("requester gone, event dropped")
	}
	s.fanOutLocked(&one, ev)
}

func (s *Server) fanOutLocked(reg *pm.Registry[EventCallback], evs ...Event) {
	payloads := make([][]byte, len(evs))
	for i, ev := range evs {
		payloads[i] = ev.Encode()
		metrics.IncrCounterWithDimGroup("cscm", "event_total", 1, metrics.Dimension{"msg": ipc.Messages().Name(Group, ev.Function())})
	}
	pm.DispatchServer(s.mod.Locker(), s.mod.Initialized,
		func(e pm.Entry[EventCallback]) {
			for _, ev := range evs {
				pm.Invoke(e.ID, func() { e.Handler(ev, e.Param) })
			}
		},
		func(clientID uint32) error {
			var errs []error
			for i, ev := range evs {
				errs = append(errs, s.mod.SendEvent(clientID, ev.Function(), payloads[i]))
			}
			return errors.Join(errs...)
		},
		reg)
}

// Public API for in-process callers. Every call is accepted or refused
// synchronously; outcomes arrive as events.

func (s *Server) RegisterCollectorEventCallback(cb EventCallback, param any) (uint32, error) {
	if !s.mod.Initialized() {
		return 0, pm.ErrNotInitialized
	}
	if cb == nil {
		return 0, pm.ErrInvalidParameter
	}
	return s.register(pm.Entry[EventCallback]{Handler: cb, Param: param, ClientID: ipc.ServerAddressID, Local: true})
}

func (s *Server) UnRegisterCollectorEventCallback(callbackID uint32) error {
	if !s.mod.Initialized() {
		return pm.ErrNotInitialized
	}
	return s.unregister(ipc.ServerAddressID, callbackID)
}

// QueryConnectedSensors returns up to maxEntries sensors in address order and
// the number of connected sensors.
func (s *Server) QueryConnectedSensors(maxEntries uint32) ([]ConnectedSensor, uint32, error) {
	if !s.mod.Initialized() {
		return nil, 0, pm.ErrNotInitialized
	}
	if err := s.mod.Enter(); err != nil {
		return nil, 0, err
	}
	defer s.mod.Leave()

	all := make([]ConnectedSensor, 0, len(s.peers))
	for _, p := range s.peers {
		all = append(all, p.info)
	}
	sort.Slice(all, func(i, j int) bool { return bytes.Compare(all[i].Address[:], all[j].Address[:]) < 0 })
	total := uint32(len(all))
	if total > maxEntries {
		all = all[:maxEntries]
	}
	return all, total, nil
}

func (s *Server) GetConnectedSensorInfo(addr bt.Addr) (ConnectedSensor, error) {
	if !s.mod.Initialized() {
		return ConnectedSensor{}, pm.ErrNotInitialized
	}
	if addr.IsZero() {
		return ConnectedSensor{}, pm.ErrInvalidParameter
	}
	if err := s.mod.Enter(); err != nil {
		return ConnectedSensor{}, err
	}
	defer s.mod.Leave()
	p, err := s.peerLocked(addr)
	if err != nil {
		return ConnectedSensor{}, err
	}
	return p.info, nil
}

// ConfigureRemoteSensor starts configuring a connected sensor. The result is
// a ConfigurationStatusChanged event.
func (s *Server) ConfigureRemoteSensor(addr bt.Addr, flags ConfigureFlags) error {
	if !s.mod.Initialized() {
		return pm.ErrNotInitialized
	}
	if addr.IsZero() {
		return pm.ErrInvalidParameter
	}
	return s.configure(addr, flags, 0)
}

func (s *Server) UnConfigureRemoteSensor(addr bt.Addr) error {
	if !s.mod.Initialized() {
		return pm.ErrNotInitialized
	}
	if addr.IsZero() {
		return pm.ErrInvalidParameter
	}
	return s.unconfigure(addr)
}

// GetSensorLocation reads the sensor location. The SensorLocationResponse
// event goes only to callbackID, which must be registered by the caller.
func (s *Server) GetSensorLocation(callbackID uint32, addr bt.Addr) (uint32, error) {
	if !s.mod.Initialized() {
		return 0, pm.ErrNotInitialized
	}
	if addr.IsZero() || callbackID == 0 {
		return 0, pm.ErrInvalidParameter
	}
	return s.getSensorLocation(ipc.ServerAddressID, callbackID, addr)
}

// UpdateCumulativeValue starts a control point procedure and returns its id.
func (s *Server) UpdateCumulativeValue(addr bt.Addr, value uint32) (uint32, error) {
	if !s.mod.Initialized() {
		return 0, pm.ErrNotInitialized
	}
	if addr.IsZero() {
		return 0, pm.ErrInvalidParameter
	}
	return s.update(addr, procedureCumulativeValue, value)
}

// UpdateSensorLocation starts a control point procedure and returns its id.
func (s *Server) UpdateSensorLocation(addr bt.Addr, location SensorLocation) (uint32, error) {
	if !s.mod.Initialized() {
		return 0, pm.ErrNotInitialized
	}
	if addr.IsZero() || !location.Valid() {
		return 0, pm.ErrInvalidParameter
	}
	return s.update(addr, procedureSensorLocation, uint32(location))
}

// ProcedureState reports the control point state of a connected sensor.
func (s *Server) ProcedureState(addr bt.Addr) (ProcedureState, error) {
	if err := s.mod.Enter(); err != nil {
		return ProcedureIdle, err
	}
	defer s.mod.Leave()
	p, err := s.peerLocked(addr)
	if err != nil {
		return ProcedureIdle, err
	}
	return p.cp.state, nil
}

// RememberedSensors lists the store contents, or nothing without a store.
func (s *Server) RememberedSensors(ctx context.Context) ([]db.Sensor, error) {
	store := s.sensorStore()
	if store == nil {
		return nil, nil
	}
	return store.ListSensors(ctx)
}

// Shared by the local API and the ipc handlers.

func (s *Server) register(e pm.Entry[EventCallback]) (uint32, error) {
	if err := s.mod.Enter(); err != nil {
		return 0, err
	}
	defer s.mod.Leave()
	id, err := s.callbacks.Register(s.mod.IDs(), e)
	if err != nil {
		return 0, err
	}
	s.mod.Logger().Debug().Hex32("client", e.ClientID).Uint32("callbackID", id).Msg("collector callback registered")
	return id, nil
}

func (s *Server) unregister(clientID, callbackID uint32) error {
	if err := s.mod.Enter(); err != nil {
		return err
	}
	defer s.mod.Leave()
	e, ok := s.callbacks.Find(callbackID)
	if !ok || e.ClientID != clientID {
		return pm.ErrInvalidCallbackID
	}
	s.callbacks.Remove(callbackID)
	return nil
}

// configure asks the collector to configure addr. locations is what is
// already known about the sensor's supported locations.
func (s *Server) configure(addr bt.Addr, flags ConfigureFlags, locations uint32) error {
	if err := s.mod.Enter(); err != nil {
		return err
	}
	p, err := s.peerLocked(addr)
	if err != nil {
		s.mod.Leave()
		return err
	}
	if p.configuring {
		s.mod.Leave()
		return pm.ErrProcedureAlreadyOutstanding
	}
	p.configuring = true
	p.flags = flags
	if locations != 0 {
		p.info.SupportedSensorLocations = locations
	}
	s.mod.Leave()

	if err := s.collector.Configure(addr, flags); err != nil {
		s.locked(func() {
			if s.peers[addr] == p {
				p.configuring = false
			}
		})
		return collectorError(err)
	}
	return nil
}

func (s *Server) unconfigure(addr bt.Addr) error {
	if err := s.mod.Enter(); err != nil {
		return err
	}
	p, err := s.peerLocked(addr)
	if err != nil {
		s.mod.Leave()
		return err
	}
	if !p.info.Configured && !p.configuring {
		s.mod.Leave()
		return pm.ErrSensorNotConfigured
	}
	p.unconfigure()
	s.mod.Leave()

	if err := s.collector.UnConfigure(addr); err != nil {
		s.mod.Logger().Warn().Stringer("addr", addr).Err(err).Msg("collector unconfigure failed")
	}
	s.forget(addr)

	if s.mod.Enter() != nil {
		return nil
	}
	s.broadcastLocked(&ConfigurationStatusChangedEvent{Addr: addr, Configured: false, Status: ConfigurationSuccess})
	return nil
}

func (s *Server) getSensorLocation(clientID, callbackID uint32, addr bt.Addr) (uint32, error) {
	if err := s.mod.Enter(); err != nil {
		return 0, err
	}
	if e, ok := s.callbacks.Find(callbackID); !ok || e.ClientID != clientID {
		s.mod.Leave()
		return 0, pm.ErrInvalidCallbackID
	}
	p, err := s.peerLocked(addr)
	if err == nil {
		switch {
		case !p.info.Configured:
			err = pm.ErrSensorNotConfigured
		case !p.info.HasSensorLocation():
			err = pm.ErrFeatureNotSupported
		case p.locationTxn != 0:
			err = pm.ErrProcedureAlreadyOutstanding
		}
	}
	if err != nil {
		s.mod.Leave()
		return 0, err
	}
	txn := s.txnIDs.Next()
	p.locationTxn, p.locationCallback = txn, callbackID
	s.mod.Leave()

	if err := s.collector.ReadSensorLocation(addr); err != nil {
		s.locked(func() {
			if p.locationTxn == txn {
				p.locationTxn, p.locationCallback = 0, 0
			}
		})
		return 0, collectorError(err)
	}
	return txn, nil
}

func (s *Server) update(addr bt.Addr, kind procedureKind, value uint32) (uint32, error) {
	if err := s.mod.Enter(); err != nil {
		return 0, err
	}
	p, err := s.peerLocked(addr)
	if err == nil {
		err = checkProcedure(&p.info, kind, value)
	}
	var id uint32
	if err == nil {
		id = s.procIDs.Next()
		err = p.cp.begin(id, kind, value)
	}
	if err != nil {
		s.mod.Leave()
		return 0, err
	}
	s.mod.Leave()

	switch kind {
	case procedureCumulativeValue:
		err = s.collector.WriteCumulativeValue(addr, value)
	case procedureSensorLocation:
		err = s.collector.WriteSensorLocation(addr, SensorLocation(value))
	}
	if err != nil {
		s.locked(func() { p.cp.abort(id) })
		return 0, collectorError(err)
	}
	s.mod.Logger().Debug().Stringer("addr", addr).Uint32("procedureID", id).Msg("control point procedure started")
	return id, nil
}

func checkProcedure(info *ConnectedSensor, kind procedureKind, value uint32) error {
	if !info.Configured {
		return pm.ErrSensorNotConfigured
	}
	if !info.HasControlPoint() {
		return pm.ErrFeatureNotSupported
	}
	switch kind {
	case procedureCumulativeValue:
		if info.SupportedFeatures&FeatureWheelRevolutionData == 0 {
			return pm.ErrFeatureNotSupported
		}
	case procedureSensorLocation:
		loc := SensorLocation(value)
		if !loc.Valid() {
			return pm.ErrInvalidParameter
		}
		if info.SupportedFeatures&FeatureMultipleSensorLocations == 0 {
			return pm.ErrFeatureNotSupported
		}
		if info.SupportedSensorLocations != 0 && info.SupportedSensorLocations&loc.Mask() == 0 {
			return pm.ErrInvalidParameter
		}
	}
	return nil
}

// Remembered sensors.

func (s *Server) remember(rec db.Sensor) {
	store := s.sensorStore()
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := store.SaveSensor(ctx, rec); err != nil {
		s.mod.Logger().Warn().Stringer("addr", rec.Address).Err(err).Msg("remember sensor failed")
	}
}

func (s *Server) forget(addr bt.Addr) {
	store := s.sensorStore()
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := store.DeleteSensor(ctx, addr); err != nil {
		s.mod.Logger().Warn().Stringer("addr", addr).Err(err).Msg("forget sensor failed")
	}
}

// reconfigure configures a remembered sensor that came back.
func (s *Server) reconfigure(addr bt.Addr) {
	store := s.sensorStore()
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	rec, err := store.GetSensor(ctx, addr)
	cancel()
	if errors.Is(err, db.ErrRecordNotExist) {
		return
	}
	if err != nil {
		s.mod.Logger().Warn().Stringer("addr", addr).Err(err).Msg("load remembered sensor failed")
		return
	}

	flags := ConfigureFlags(rec.Flags)
	if rec.SupportedLocations != 0 {
		flags |= ConfigureSkipSupportedSensorLocations
	}
	if err := s.configure(addr, flags, rec.SupportedLocations); err != nil {
		s.mod.Logger().Warn().Stringer("addr", addr).Err(err).Msg("reconfigure remembered sensor failed")
		return
	}
	s.mod.Logger().Info().Stringer("addr", addr).Msg("reconfiguring remembered sensor")
}

// Collector events, on the module worker.

func (s *Server) onSensorConnected(addr bt.Addr, chars uint32) {
	if s.mod.Enter() != nil {
		return
	}
	s.peers[addr] = &peer{info: ConnectedSensor{Address: addr, SupportedOptionalCharacteristics: chars}}
	metrics.UpdateGaugeWithGroup("cscm", "connected_sensors", metrics.Value(len(s.peers)))
	s.broadcastLocked(&ConnectedEvent{Addr: addr, SupportedOptionalCharacteristics: chars})

	s.reconfigure(addr)
}

func (s *Server) onSensorDisconnected(addr bt.Addr) {
	if s.mod.Enter() != nil {
		return
	}
	if _, ok := s.peers[addr]; !ok {
		s.mod.Leave()
		return
	}
	delete(s.peers, addr)
	metrics.UpdateGaugeWithGroup("cscm", "connected_sensors", metrics.Value(len(s.peers)))
	s.broadcastLocked(&DisconnectedEvent{Addr: addr})
}

func (s *Server) onConfigurationComplete(addr bt.Addr, status ConfigurationStatus, features, locations uint32) {
	if s.mod.Enter() != nil {
		return
	}
	p, ok := s.peers[addr]
	if !ok || !p.configuring {
		s.mod.Leave()
		return
	}
	p.configuring = false
	var rec *db.Sensor
	if status == ConfigurationSuccess {
		p.info.Configured = true
		p.info.SupportedFeatures = features
		if p.flags&ConfigureSkipSupportedSensorLocations == 0 {
			p.info.SupportedSensorLocations = locations
		}
		rec = &db.Sensor{
			Address:            addr,
			Flags:              uint32(p.flags),
			SupportedLocations: p.info.SupportedSensorLocations,
			ConfiguredAt:       time.Now(),
		}
	}
	s.broadcastLocked(&ConfigurationStatusChangedEvent{Addr: addr, Configured: p.info.Configured, Status: status})

	if rec != nil {
		s.remember(*rec)
	}
}

func (s *Server) onMeasurement(addr bt.Addr, flags uint32, wheel WheelData, crank CrankData) {
	if s.mod.Enter() != nil {
		return
	}
	if p, ok := s.peers[addr]; !ok || !p.info.Configured {
		s.mod.Leave()
		return
	}
	s.broadcastLocked(&MeasurementEvent{Addr: addr, Flags: flags, Wheel: wheel, Crank: crank})
}

func (s *Server) onSensorLocationRead(addr bt.Addr, status ProcedureStatus, location SensorLocation) {
	if s.mod.Enter() != nil {
		return
	}
	p, ok := s.peers[addr]
	if !ok || p.locationTxn == 0 {
		s.mod.Leave()
		return
	}
	txn, callbackID := p.locationTxn, p.locationCallback
	p.locationTxn, p.locationCallback = 0, 0
	s.deliverLocked(callbackID, &SensorLocationResponseEvent{Addr: addr, TransactionID: txn, Status: status, Location: location})
}

func (s *Server) onControlPointComplete(addr bt.Addr, status ProcedureStatus, responseCode uint32) {
	if s.mod.Enter() != nil {
		return
	}
	p, ok := s.peers[addr]
	if !ok {
		s.mod.Leave()
		return
	}
	done, ok := p.cp.complete()
	if !ok {
		s.mod.Leave()
		s.mod.Logger().Debug().Stringer("addr", addr).Msg("control point response without procedure")
		return
	}

	var evs []Event
	if status == ProcedureSuccess {
		switch done.kind {
		case procedureCumulativeValue:
			evs = append(evs, &CumulativeValueUpdatedEvent{Addr: addr, CumulativeValue: done.value})
		case procedureSensorLocation:
			evs = append(evs, &SensorLocationUpdatedEvent{Addr: addr, Location: SensorLocation(done.value)})
		}
	}
	evs = append(evs, &ProcedureCompleteEvent{Addr: addr, ProcedureID: done.id, Status: status, ResponseErrorCode: responseCode})
	s.broadcastLocked(evs...)
}

// Module hooks.

func (s *Server) clientGone(clientID uint32) {
	if s.mod.Enter() != nil {
		return
	}
	removed := s.callbacks.RemoveClient(clientID)
	s.mod.Leave()
	if len(removed) > 0 {
		s.mod.Logger().Info().Hex32("client", clientID).Int("callbacks", len(removed)).Msg("client gone, callbacks removed")
	}
}

// deviceEvent drops every sensor when the adapter goes down.
func (s *Server) deviceEvent(ev pm.DeviceEvent) {
	if ev == pm.DevicePoweredOn {
		return
	}
	if s.mod.Enter() != nil {
		return
	}
	if len(s.peers) == 0 {
		s.mod.Leave()
		return
	}
	evs := make([]Event, 0, len(s.peers))
	for addr := range s.peers {
		evs = append(evs, &DisconnectedEvent{Addr: addr})
	}
	clear(s.peers)
	metrics.UpdateGaugeWithGroup("cscm", "connected_sensors", 0)
	s.broadcastLocked(evs...)
}

// collectorSink moves collector callbacks onto the module worker.
type collectorSink struct {
	s *Server
}

func (k collectorSink) post(what string, task func()) {
	if !k.s.mod.Post(task) {
		metrics.IncrCounterWithDimGroup("cscm", "collector_event_dropped_total", 1, metrics.Dimension{"event": what})
		k.s.mod.Logger().Warn().Str("event", what).Msg("collector event dropped")
	}
}

func (k collectorSink) SensorConnected(addr bt.Addr, chars uint32) {
	k.post("connected", func() { k.s.onSensorConnected(addr, chars) })
}

func (k collectorSink) SensorDisconnected(addr bt.Addr) {
	k.post("disconnected", func() { k.s.onSensorDisconnected(addr) })
}

func (k collectorSink) ConfigurationComplete(addr bt.Addr, status ConfigurationStatus, features, locations uint32) {
	k.post("configuration", func() { k.s.onConfigurationComplete(addr, status, features, locations) })
}

func (k collectorSink) Measurement(addr bt.Addr, flags uint32, wheel WheelData, crank CrankData) {
	k.post("measurement", func() { k.s.onMeasurement(addr, flags, wheel, crank) })
}

func (k collectorSink) SensorLocationRead(addr bt.Addr, status ProcedureStatus, location SensorLocation) {
	k.post("sensor_location", func() { k.s.onSensorLocationRead(addr, status, location) })
}

func (k collectorSink) ControlPointComplete(addr bt.Addr, status ProcedureStatus, responseCode uint32) {
	k.post("control_point", func() { k.s.onControlPointComplete(addr, status, responseCode) })
}
