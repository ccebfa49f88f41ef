package cscm

import (
	"context"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/pm"
)

// Manager is the application side of the CSC manager. Callbacks registered
// here share one registration with the daemon, made when the first callback
// is added and dropped when the last one goes.
type Manager struct {
	mod       *pm.Module
	callbacks pm.Registry[EventCallback]
}

func NewManager(bus ipc.Bus, cfg *pm.Config) *Manager {
	return &Manager{mod: pm.NewModule("cscm-client", Group, bus, nil, cfg)}
}

func (m *Manager) Initialize() error {
	return m.mod.Initialize(pm.Hooks{
		OnMessage:    m.handleEvent,
		OnClientGone: m.serverGone,
	})
}

// Shutdown drops the daemon registration, if any, and every callback.
func (m *Manager) Shutdown() error {
	if !m.mod.Initialized() {
		return nil
	}
	var serverID uint32
	m.locked(func() { serverID = m.mod.ServerID() })
	if serverID != 0 {
		m.unregisterWithServer(serverID)
	}
	return m.mod.Shutdown(func() {
		m.callbacks.Clear()
	})
}

func (m *Manager) locked(fn func()) {
	if m.mod.Enter() != nil {
		return
	}
	defer m.mod.Leave()
	fn()
}

// RegisterCollectorEventCallback adds cb. The first callback registers this
// process with the daemon; if that fails the callback is not kept.
func (m *Manager) RegisterCollectorEventCallback(cb EventCallback, param any) (uint32, error) {
	if !m.mod.Initialized() {
		return 0, pm.ErrNotInitialized
	}
	if cb == nil {
		return 0, pm.ErrInvalidParameter
	}
	if err := m.mod.Enter(); err != nil {
		return 0, err
	}
	id, err := m.callbacks.Register(m.mod.IDs(), pm.Entry[EventCallback]{Handler: cb, Param: param, Local: true})
	needServer := m.mod.ServerID() == 0
	m.mod.Leave()
	if err != nil || !needServer {
		return id, err
	}

	r, err := m.mod.Request(context.Background(), FunctionRegisterCollectorEvents, nil, registerResponseSize)
	var serverID uint32
	if err == nil {
		serverID = r.Uint32()
		if serverID == 0 {
			err = pm.ErrResponseMessageInvalid
		}
	}

	var orphan bool
	if lockErr := m.mod.Enter(); lockErr != nil {
		return 0, lockErr
	}
	switch {
	case err != nil:
		m.callbacks.Remove(id)
	case m.mod.ServerID() != 0:
		// a concurrent registration got there first
		orphan = true
	case m.callbacks.Len() == 0:
		// the callback was removed while the request was in flight
		orphan = true
	default:
		m.mod.SetServerID(serverID)
	}
	m.mod.Leave()

	if err != nil {
		m.mod.Logger().Warn().Err(err).Msg("register with server failed")
		return 0, err
	}
	if orphan {
		m.unregisterWithServer(serverID)
	}
	return id, nil
}

// UnRegisterCollectorEventCallback removes a callback. Removing the last one
// unregisters from the daemon.
func (m *Manager) UnRegisterCollectorEventCallback(callbackID uint32) error {
	if !m.mod.Initialized() {
		return pm.ErrNotInitialized
	}
	if callbackID == 0 {
		return pm.ErrInvalidParameter
	}
	if err := m.mod.Enter(); err != nil {
		return err
	}
	if _, ok := m.callbacks.Remove(callbackID); !ok {
		m.mod.Leave()
		return pm.ErrInvalidCallbackID
	}
	var serverID uint32
	if m.callbacks.Len() == 0 {
		serverID = m.mod.ServerID()
		m.mod.SetServerID(0)
	}
	m.mod.Leave()

	if serverID != 0 {
		m.unregisterWithServer(serverID)
	}
	return nil
}

func (m *Manager) unregisterWithServer(serverID uint32) {
	if _, err := m.mod.Request(context.Background(), FunctionUnRegisterCollectorEvents, encodeUint32(serverID), pm.StatusSize); err != nil {
		m.mod.Logger().Warn().Uint32("serverID", serverID).Err(err).Msg("unregister from server failed")
	}
}

// QueryConnectedSensors returns up to maxEntries sensors and the number of
// sensors the daemon is connected to.
func (m *Manager) QueryConnectedSensors(ctx context.Context, maxEntries uint32) ([]ConnectedSensor, uint32, error) {
	if !m.mod.Initialized() {
		return nil, 0, pm.ErrNotInitialized
	}
	r, err := m.mod.Request(ctx, FunctionQueryConnectedSensors, encodeUint32(maxEntries), queryResponseSize)
	if err != nil {
		return nil, 0, err
	}
	return decodeQueryBody(r, maxEntries)
}

func (m *Manager) ConfigureRemoteSensor(ctx context.Context, addr bt.Addr, flags ConfigureFlags) error {
	if !m.mod.Initialized() {
		return pm.ErrNotInitialized
	}
	if addr.IsZero() {
		return pm.ErrInvalidParameter
	}
	_, err := m.mod.Request(ctx, FunctionConfigureRemoteSensor, uint32Request{Address: addr, Value: uint32(flags)}.Encode(), pm.StatusSize)
	return err
}

func (m *Manager) UnConfigureRemoteSensor(ctx context.Context, addr bt.Addr) error {
	if !m.mod.Initialized() {
		return pm.ErrNotInitialized
	}
	if addr.IsZero() {
		return pm.ErrInvalidParameter
	}
	_, err := m.mod.Request(ctx, FunctionUnConfigureRemoteSensor, addrRequest{Address: addr}.Encode(), pm.StatusSize)
	return err
}

func (m *Manager) GetConnectedSensorInfo(ctx context.Context, addr bt.Addr) (ConnectedSensor, error) {
	if !m.mod.Initialized() {
		return ConnectedSensor{}, pm.ErrNotInitialized
	}
	if addr.IsZero() {
		return ConnectedSensor{}, pm.ErrInvalidParameter
	}
	r, err := m.mod.Request(ctx, FunctionGetConnectedSensorInfo, addrRequest{Address: addr}.Encode(), infoResponseSize)
	if err != nil {
		return ConnectedSensor{}, err
	}
	info := readConnectedSensor(r)
	if r.Err() != nil {
		return ConnectedSensor{}, pm.ErrResponseMessageInvalid
	}
	return info, nil
}

// GetSensorLocation asks for the sensor location and returns the transaction
// id. The answer is a SensorLocationResponse event delivered to this
// process's callbacks, so at least one callback must be registered.
func (m *Manager) GetSensorLocation(ctx context.Context, addr bt.Addr) (uint32, error) {
	if !m.mod.Initialized() {
		return 0, pm.ErrNotInitialized
	}
	if addr.IsZero() {
		return 0, pm.ErrInvalidParameter
	}
	if err := m.mod.Enter(); err != nil {
		return 0, err
	}
	serverID := m.mod.ServerID()
	m.mod.Leave()
	if serverID == 0 {
		return 0, pm.ErrInvalidCallbackID
	}
	return m.mod.RequestID(ctx, FunctionGetSensorLocation, uint32Request{Address: addr, Value: serverID}.Encode())
}

// UpdateCumulativeValue returns the procedure id.
func (m *Manager) UpdateCumulativeValue(ctx context.Context, addr bt.Addr, value uint32) (uint32, error) {
	if !m.mod.Initialized() {
		return 0, pm.ErrNotInitialized
	}
	if addr.IsZero() {
		return 0, pm.ErrInvalidParameter
	}
	return m.mod.RequestID(ctx, FunctionUpdateCumulativeValue, uint32Request{Address: addr, Value: value}.Encode())
}

// UpdateSensorLocation returns the procedure id.
func (m *Manager) UpdateSensorLocation(ctx context.Context, addr bt.Addr, location SensorLocation) (uint32, error) {
	if !m.mod.Initialized() {
		return 0, pm.ErrNotInitialized
	}
	if addr.IsZero() || !location.Valid() {
		return 0, pm.ErrInvalidParameter
	}
	return m.mod.RequestID(ctx, FunctionUpdateSensorLocation, uint32Request{Address: addr, Value: uint32(location)}.Encode())
}

// handleEvent decodes a daemon event and hands it to every callback.
func (m *Manager) handleEvent(msg *ipc.Message) {
	ev, err := DecodeEvent(msg.Function, msg.Payload)
	if err != nil {
		m.mod.Logger().Debug().Stringer("msg", msg).Err(err).Msg("malformed event dropped")
		return
	}
	if m.mod.Enter() != nil {
		return
	}
	pm.Dispatch(m.mod.Locker(), m.mod.Initialized, func(e pm.Entry[EventCallback]) {
		e.Handler(ev, e.Param)
	}, &m.callbacks)
}

// serverGone forgets the daemon registration and every callback when the
// connection to the daemon is lost.
func (m *Manager) serverGone(clientID uint32) {
	if clientID != ipc.ServerAddressID {
		return
	}
	m.locked(func() {
		m.callbacks.Clear()
		m.mod.SetServerID(0)
	})
	m.mod.Logger().Info().Msg("server gone, collector callbacks cleared")
}

// Registered reports whether this process holds a daemon registration.
func (m *Manager) Registered() bool {
	var id uint32
	m.locked(func() { id = m.mod.ServerID() })
	return id != 0
}
