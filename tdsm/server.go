package tdsm

import (
	"errors"
	"fmt"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/metrics"
	"github.com/lcx/btpm/pm"
)

// Server is the 3D Sync manager inside the daemon. It owns the controller,
// keeps the broadcast state and serves in-process callers and ipc clients.
type Server struct {
	mod   *pm.Module
	ctrl  Controller
	power pm.PowerSource
	cfg   *pm.Config

	// guarded by the module lock
	control pm.Registry[EventCallback]
	events  pm.Registry[EventCallback]
	state   BroadcastState
}

func NewServer(bus ipc.Bus, ctrl Controller, opts ...ServerOption) *Server {
	s := &Server{ctrl: ctrl}
	for _, opt := range opts {
		opt(s)
	}
	s.mod = pm.NewModule("tdsm", Group, bus, s.power, s.cfg)
	return s
}

// Initialize registers the message group and starts the controller.
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
	if err := s.ctrl.Start(controllerSink{s}); err != nil {
		_ = s.mod.Shutdown(nil)
		return fmt.Errorf("start controller: %w", err)
	}
	return nil
}

// Shutdown stops the controller and forgets every registration.
func (s *Server) Shutdown() error {
	if !s.mod.Initialized() {
		return nil
	}
	if err := s.ctrl.Stop(); err != nil {
		s.mod.Logger().Warn().Err(err).Msg("stop controller failed")
	}
	return s.mod.Shutdown(func() {
		s.control.Clear()
		s.events.Clear()
		s.state = BroadcastState{}
	})
}

func (s *Server) locked(fn func()) {
	if s.mod.Enter() != nil {
		return
	}
	defer s.mod.Leave()
	fn()
}

func controllerError(err error) error {
	var pe *pm.Error
	if errors.As(err, &pe) {
		return err
	}
	return fmt.Errorf("%w: %w", pm.ErrUnknown, err)
}

// broadcastLocked hands ev to the control callback and every event callback.
// Entered with the module lock held; returns with it released.
func (s *Server) broadcastLocked(ev Event) {
	payload := ev.Encode()
	metrics.IncrCounterWithDimGroup("tdsm", "event_total", 1, metrics.Dimension{"msg": ipc.Messages().Name(Group, ev.Function())})
	pm.DispatchServer(s.mod.Locker(), s.mod.Initialized,
		func(e pm.Entry[EventCallback]) { e.Handler(ev, e.Param) },
		func(clientID uint32) error { return s.mod.SendEvent(clientID, ev.Function(), payload) },
		&s.control, &s.events)
}

// Public API for in-process callers.

// RegisterEventCallback adds cb to the event list, or takes the control slot
// when control is set. Only one control callback may exist at a time.
func (s *Server) RegisterEventCallback(control bool, cb EventCallback, param any) (uint32, error) {
	if !s.mod.Initialized() {
		return 0, pm.ErrNotInitialized
	}
	if cb == nil {
		return 0, pm.ErrInvalidParameter
	}
	return s.register(control, pm.Entry[EventCallback]{Handler: cb, Param: param, ClientID: ipc.ServerAddressID, Local: true})
}

func (s *Server) UnRegisterEventCallback(callbackID uint32) error {
	if !s.mod.Initialized() {
		return pm.ErrNotInitialized
	}
	return s.unregister(ipc.ServerAddressID, callbackID)
}

// WriteSyncTrainParams returns the sync train interval the controller chose.
func (s *Server) WriteSyncTrainParams(controlID uint32, p SyncTrainParams) (uint16, error) {
	if !s.mod.Initialized() {
		return 0, pm.ErrNotInitialized
	}
	return s.writeSyncTrainParams(ipc.ServerAddressID, controlID, p)
}

func (s *Server) StartSyncTrain(controlID uint32) error {
	if !s.mod.Initialized() {
		return pm.ErrNotInitialized
	}
	return s.startSyncTrain(ipc.ServerAddressID, controlID)
}

// EnableCSB starts the broadcast and returns the interval the controller chose.
func (s *Server) EnableCSB(controlID uint32, p CSBParams) (uint16, error) {
	if !s.mod.Initialized() {
		return 0, pm.ErrNotInitialized
	}
	return s.enableCSB(ipc.ServerAddressID, controlID, p)
}

func (s *Server) DisableCSB(controlID uint32) error {
	if !s.mod.Initialized() {
		return pm.ErrNotInitialized
	}
	return s.disableCSB(ipc.ServerAddressID, controlID)
}

// GetCurrentBroadcastInfo needs no control id.
func (s *Server) GetCurrentBroadcastInfo() (CurrentBroadcastInformation, error) {
	if !s.mod.Initialized() {
		return CurrentBroadcastInformation{}, pm.ErrNotInitialized
	}
	if err := s.mod.Enter(); err != nil {
		return CurrentBroadcastInformation{}, err
	}
	defer s.mod.Leave()
	if !s.mod.Powered() {
		return CurrentBroadcastInformation{}, pm.ErrDevicePoweredDown
	}
	info := s.state.Info
	info.CurrentBroadcasting = s.state.Broadcasting
	return info, nil
}

func (s *Server) UpdateBroadcastInfo(controlID uint32, u BroadcastInformationUpdate) error {
	if !s.mod.Initialized() {
		return pm.ErrNotInitialized
	}
	return s.updateBroadcastInfo(ipc.ServerAddressID, controlID, u)
}

// State returns the broadcast bookkeeping.
func (s *Server) State() (BroadcastState, error) {
	if err := s.mod.Enter(); err != nil {
		return BroadcastState{}, err
	}
	defer s.mod.Leave()
	st := s.state
	st.Info.CurrentBroadcasting = st.Broadcasting
	return st, nil
}

// Shared by the local API and the ipc handlers.

func (s *Server) register(control bool, e pm.Entry[EventCallback]) (uint32, error) {
	if err := s.mod.Enter(); err != nil {
		return 0, err
	}
	defer s.mod.Leave()
	reg := &s.events
	if control {
		if s.control.Len() > 0 {
			return 0, pm.ErrAlreadyRegisteredControl
		}
		reg = &s.control
	}
	id, err := reg.Register(s.mod.IDs(), e)
	if err != nil {
		return 0, err
	}
	s.mod.Logger().Debug().Hex32("client", e.ClientID).Uint32("callbackID", id).Bool("control", control).Msg("event callback registered")
	return id, nil
}

func (s *Server) unregister(clientID, callbackID uint32) error {
	if err := s.mod.Enter(); err != nil {
		return err
	}
	defer s.mod.Leave()
	for _, reg := range []*pm.Registry[EventCallback]{&s.control, &s.events} {
		if e, ok := reg.Find(callbackID); ok && e.ClientID == clientID {
			reg.Remove(callbackID)
			return nil
		}
	}
	return pm.ErrInvalidCallbackID
}

// authorize checks that callbackID is the control callback of clientID and
// that the adapter is up.
func (s *Server) authorize(clientID, callbackID uint32) error {
	if err := s.mod.Enter(); err != nil {
		return err
	}
	defer s.mod.Leave()
	e, ok := s.control.Find(callbackID)
	if callbackID == 0 || !ok || e.ClientID != clientID {
		return pm.ErrInvalidCallbackID
	}
	if !s.mod.Powered() {
		return pm.ErrDevicePoweredDown
	}
	return nil
}

func (s *Server) writeSyncTrainParams(clientID, callbackID uint32, p SyncTrainParams) (uint16, error) {
	if err := s.authorize(clientID, callbackID); err != nil {
		return 0, err
	}
	interval, err := s.ctrl.WriteSyncTrainParams(p)
	if err != nil {
		return 0, controllerError(err)
	}
	return interval, nil
}

func (s *Server) startSyncTrain(clientID, callbackID uint32) error {
	if err := s.authorize(clientID, callbackID); err != nil {
		return err
	}
	// set first: the completion may reach the worker before StartSyncTrain returns
	var was bool
	s.locked(func() { was, s.state.SyncTrainOn = s.state.SyncTrainOn, true })
	if err := s.ctrl.StartSyncTrain(); err != nil {
		s.locked(func() { s.state.SyncTrainOn = was })
		return controllerError(err)
	}
	s.mod.Logger().Info().Msg("sync train started")
	return nil
}

func (s *Server) enableCSB(clientID, callbackID uint32, p CSBParams) (uint16, error) {
	if err := s.authorize(clientID, callbackID); err != nil {
		return 0, err
	}
	interval, err := s.ctrl.EnableCSB(p)
	if err != nil {
		return 0, controllerError(err)
	}
	s.locked(func() { s.state.Broadcasting = true })
	metrics.UpdateGaugeWithGroup("tdsm", "broadcasting", 1)
	s.mod.Logger().Info().Uint32("interval", uint32(interval)).Msg("broadcast enabled")
	return interval, nil
}

func (s *Server) disableCSB(clientID, callbackID uint32) error {
	if err := s.authorize(clientID, callbackID); err != nil {
		return err
	}
	if err := s.ctrl.DisableCSB(); err != nil {
		return controllerError(err)
	}
	s.locked(func() {
		s.state.Broadcasting = false
		s.state.SyncTrainOn = false
	})
	metrics.UpdateGaugeWithGroup("tdsm", "broadcasting", 0)
	s.mod.Logger().Info().Msg("broadcast disabled")
	return nil
}

func (s *Server) updateBroadcastInfo(clientID, callbackID uint32, u BroadcastInformationUpdate) error {
	if err := s.authorize(clientID, callbackID); err != nil {
		return err
	}
	if err := u.Validate(); err != nil {
		s.mod.Logger().Debug().Err(err).Msg("broadcast update rejected")
		return pm.ErrInvalidParameter
	}
	if u.Flags == 0 {
		return nil
	}
	s.locked(func() { applyUpdate(&s.state, &u) })
	return nil
}

func applyUpdate(st *BroadcastState, u *BroadcastInformationUpdate) {
	if u.Flags&UpdateBroadcast3D != 0 {
		st.Broadcast3D = u.Broadcast3D
	}
	if u.Flags&UpdateVideoMode != 0 {
		st.Info.VideoMode = u.VideoMode
	}
	if u.Flags&UpdateSyncsPerClockCapture != 0 {
		st.Info.SyncsPerClockCapture = u.SyncsPerClockCapture
	}
	if u.Flags&UpdateLLSOpenOffset != 0 {
		st.Info.LeftOpenOffset = u.LeftOpenOffset
	}
	if u.Flags&UpdateLLSCloseOffset != 0 {
		st.Info.LeftCloseOffset = u.LeftCloseOffset
	}
	if u.Flags&UpdateRLSOpenOffset != 0 {
		st.Info.RightOpenOffset = u.RightOpenOffset
	}
	if u.Flags&UpdateRLSCloseOffset != 0 {
		st.Info.RightCloseOffset = u.RightCloseOffset
	}
}

// Controller events, on the module worker.

func (s *Server) onConnectionAnnouncement(addr bt.Addr, flags, battery uint32) {
	if s.mod.Enter() != nil {
		return
	}
	s.broadcastLocked(&DisplayConnectionAnnouncementEvent{Addr: addr, Flags: flags, BatteryLevel: battery})
}

func (s *Server) onSyncTrainComplete(status uint32) {
	if s.mod.Enter() != nil {
		return
	}
	s.state.SyncTrainOn = false
	s.broadcastLocked(&SyncTrainCompleteEvent{Status: status})
}

func (s *Server) onCSBSupervisionTimeout() {
	if s.mod.Enter() != nil {
		return
	}
	s.state.Broadcasting = false
	s.state.SyncTrainOn = false
	metrics.UpdateGaugeWithGroup("tdsm", "broadcasting", 0)
	s.broadcastLocked(&CSBSupervisionTimeoutEvent{})
}

func (s *Server) onChannelMapChange(m ChannelMap) {
	if s.mod.Enter() != nil {
		return
	}
	s.broadcastLocked(&ChannelMapChangeEvent{ChannelMap: m})
}

func (s *Server) onSlavePageResponseTimeout() {
	if s.mod.Enter() != nil {
		return
	}
	s.broadcastLocked(&SlavePageResponseTimeoutEvent{})
}

// Module hooks.

func (s *Server) clientGone(clientID uint32) {
	if s.mod.Enter() != nil {
		return
	}
	removed := len(s.control.RemoveClient(clientID)) + len(s.events.RemoveClient(clientID))
	s.mod.Leave()
	if removed > 0 {
		s.mod.Logger().Info().Hex32("client", clientID).Int("callbacks", removed).Msg("client gone, callbacks removed")
	}
}

// deviceEvent forgets the broadcast when the adapter goes down.
func (s *Server) deviceEvent(ev pm.DeviceEvent) {
	if ev == pm.DevicePoweredOn {
		return
	}
	s.locked(func() {
		s.state.Broadcasting = false
		s.state.SyncTrainOn = false
	})
	metrics.UpdateGaugeWithGroup("tdsm", "broadcasting", 0)
}

// controllerSink moves controller callbacks onto the module worker.
type controllerSink struct {
	s *Server
}

func (k controllerSink) post(what string, task func()) {
	if !k.s.mod.Post(task) {
		metrics.IncrCounterWithDimGroup("tdsm", "controller_event_dropped_total", 1, metrics.Dimension{"event": what})
		k.s.mod.Logger().Warn().Str("event", what).Msg("controller event dropped")
	}
}

func (k controllerSink) ConnectionAnnouncement(addr bt.Addr, flags, batteryLevel uint32) {
	k.post("announcement", func() { k.s.onConnectionAnnouncement(addr, flags, batteryLevel) })
}

func (k controllerSink) SyncTrainComplete(status uint32) {
	k.post("sync_train_complete", func() { k.s.onSyncTrainComplete(status) })
}

func (k controllerSink) CSBSupervisionTimeout() {
	k.post("supervision_timeout", k.s.onCSBSupervisionTimeout)
}

func (k controllerSink) ChannelMapChange(m ChannelMap) {
	k.post("channel_map", func() { k.s.onChannelMapChange(m) })
}

func (k controllerSink) SlavePageResponseTimeout() {
	k.post("page_response_timeout", k.s.onSlavePageResponseTimeout)
}
