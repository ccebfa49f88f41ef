package tdsm

import (
	"context"

	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/pm"
)

// Manager is the application side of the 3D Sync manager. Event callbacks
// share one daemon registration and the control callback holds its own; each
// is made when its list gets its first entry and dropped when it empties.
type Manager struct {
	mod *pm.Module

	// guarded by the module lock; the events registration id is the
	// module's server id
	events    pm.Registry[EventCallback]
	control   pm.Registry[EventCallback]
	controlID uint32
}

func NewManager(bus ipc.Bus, cfg *pm.Config) *Manager {
	return &Manager{mod: pm.NewModule("tdsm-client", Group, bus, nil, cfg)}
}

func (m *Manager) Initialize() error {
	return m.mod.Initialize(pm.Hooks{
		OnMessage:    m.handleEvent,
		OnClientGone: m.serverGone,
	})
}

// Shutdown drops both daemon registrations and every callback.
func (m *Manager) Shutdown() error {
	if !m.mod.Initialized() {
		return nil
	}
	var eventsID, controlID uint32
	m.locked(func() { eventsID, controlID = m.mod.ServerID(), m.controlID })
	for _, id := range []uint32{eventsID, controlID} {
		if id != 0 {
			m.unregisterWithServer(id)
		}
	}
	return m.mod.Shutdown(func() {
		m.events.Clear()
		m.control.Clear()
		m.controlID = 0
	})
}

func (m *Manager) locked(fn func()) {
	if m.mod.Enter() != nil {
		return
	}
	defer m.mod.Leave()
	fn()
}

// serverIDLocked returns the daemon registration backing the list.
func (m *Manager) serverIDLocked(control bool) uint32 {
	if control {
		return m.controlID
	}
	return m.mod.ServerID()
}

func (m *Manager) setServerIDLocked(control bool, id uint32) {
	if control {
		m.controlID = id
		return
	}
	m.mod.SetServerID(id)
}

// RegisterEventCallback adds cb to the event list, or makes it the control
// callback. The daemon allows one control callback across all clients.
func (m *Manager) RegisterEventCallback(control bool, cb EventCallback, param any) (uint32, error) {
	if !m.mod.Initialized() {
		return 0, pm.ErrNotInitialized
	}
	if cb == nil {
		return 0, pm.ErrInvalidParameter
	}
	if err := m.mod.Enter(); err != nil {
		return 0, err
	}
	reg := &m.events
	if control {
		if m.control.Len() > 0 {
			m.mod.Leave()
			return 0, pm.ErrAlreadyRegisteredControl
		}
		reg = &m.control
	}
	id, err := reg.Register(m.mod.IDs(), pm.Entry[EventCallback]{Handler: cb, Param: param, Local: true})
	needServer := m.serverIDLocked(control) == 0
	m.mod.Leave()
	if err != nil || !needServer {
		return id, err
	}

	serverID, err := m.mod.RequestID(context.Background(), FunctionRegisterEvents, encodeRegisterRequest(control))

	var orphan bool
	if lockErr := m.mod.Enter(); lockErr != nil {
		return 0, lockErr
	}
	switch {
	case err != nil:
		reg.Remove(id)
	case m.serverIDLocked(control) != 0:
		// a concurrent registration got there first
		orphan = true
	case reg.Len() == 0:
		// the callback was removed while the request was in flight
		orphan = true
	default:
		m.setServerIDLocked(control, serverID)
	}
	m.mod.Leave()

	if err != nil {
		m.mod.Logger().Warn().Bool("control", control).Err(err).Msg("register with server failed")
		return 0, err
	}
	if orphan {
		m.unregisterWithServer(serverID)
	}
	return id, nil
}

// UnRegisterEventCallback removes a callback from whichever list holds it.
// Emptying a list drops its daemon registration.
func (m *Manager) UnRegisterEventCallback(callbackID uint32) error {
	if !m.mod.Initialized() {
		return pm.ErrNotInitialized
	}
	if callbackID == 0 {
		return pm.ErrInvalidParameter
	}
	if err := m.mod.Enter(); err != nil {
		return err
	}
	var serverID uint32
	found := false
	for _, control := range []bool{true, false} {
		reg := &m.events
		if control {
			reg = &m.control
		}
		if _, ok := reg.Remove(callbackID); !ok {
			continue
		}
		found = true
		if reg.Len() == 0 {
			serverID = m.serverIDLocked(control)
			m.setServerIDLocked(control, 0)
		}
		break
	}
	m.mod.Leave()
	if !found {
		return pm.ErrInvalidCallbackID
	}

	if serverID != 0 {
		m.unregisterWithServer(serverID)
	}
	return nil
}

func (m *Manager) unregisterWithServer(serverID uint32) {
	if _, err := m.mod.Request(context.Background(), FunctionUnRegisterEvents, encodeUint32(serverID), pm.StatusSize); err != nil {
		m.mod.Logger().Warn().Uint32("serverID", serverID).Err(err).Msg("unregister from server failed")
	}
}

// controlServerID maps a local control callback id to the daemon's.
func (m *Manager) controlServerID(controlID uint32) (uint32, error) {
	if !m.mod.Initialized() {
		return 0, pm.ErrNotInitialized
	}
	if controlID == 0 {
		return 0, pm.ErrInvalidParameter
	}
	if err := m.mod.Enter(); err != nil {
		return 0, err
	}
	defer m.mod.Leave()
	if _, ok := m.control.Find(controlID); !ok || m.controlID == 0 {
		return 0, pm.ErrInvalidCallbackID
	}
	return m.controlID, nil
}

// WriteSyncTrainParams returns the sync train interval the controller chose.
func (m *Manager) WriteSyncTrainParams(ctx context.Context, controlID uint32, p SyncTrainParams) (uint16, error) {
	serverID, err := m.controlServerID(controlID)
	if err != nil {
		return 0, err
	}
	r, err := m.mod.Request(ctx, FunctionWriteSyncTrainParams, writeSyncTrainRequest{CallbackID: serverID, Params: p}.Encode(), intervalResponseSize)
	if err != nil {
		return 0, err
	}
	return r.Uint16(), nil
}

func (m *Manager) StartSyncTrain(ctx context.Context, controlID uint32) error {
	serverID, err := m.controlServerID(controlID)
	if err != nil {
		return err
	}
	_, err = m.mod.Request(ctx, FunctionStartSyncTrain, controlRequest{CallbackID: serverID}.Encode(), pm.StatusSize)
	return err
}

// EnableCSB starts the broadcast and returns the interval the controller chose.
func (m *Manager) EnableCSB(ctx context.Context, controlID uint32, p CSBParams) (uint16, error) {
	serverID, err := m.controlServerID(controlID)
	if err != nil {
		return 0, err
	}
	r, err := m.mod.Request(ctx, FunctionEnableCSB, enableCSBRequest{CallbackID: serverID, Params: p}.Encode(), intervalResponseSize)
	if err != nil {
		return 0, err
	}
	return r.Uint16(), nil
}

func (m *Manager) DisableCSB(ctx context.Context, controlID uint32) error {
	serverID, err := m.controlServerID(controlID)
	if err != nil {
		return err
	}
	_, err = m.mod.Request(ctx, FunctionDisableCSB, controlRequest{CallbackID: serverID}.Encode(), pm.StatusSize)
	return err
}

func (m *Manager) UpdateBroadcastInfo(ctx context.Context, controlID uint32, u BroadcastInformationUpdate) error {
	serverID, err := m.controlServerID(controlID)
	if err != nil {
		return err
	}
	_, err = m.mod.Request(ctx, FunctionUpdateBroadcastInfo, updateRequest{CallbackID: serverID, Update: u}.Encode(), pm.StatusSize)
	return err
}

// GetCurrentBroadcastInfo needs no control callback.
func (m *Manager) GetCurrentBroadcastInfo(ctx context.Context) (CurrentBroadcastInformation, error) {
	if !m.mod.Initialized() {
		return CurrentBroadcastInformation{}, pm.ErrNotInitialized
	}
	r, err := m.mod.Request(ctx, FunctionGetCurrentBroadcastInfo, nil, infoResponseSize)
	if err != nil {
		return CurrentBroadcastInformation{}, err
	}
	info := readBroadcastInfo(r)
	if r.Err() != nil {
		return CurrentBroadcastInformation{}, pm.ErrResponseMessageInvalid
	}
	return info, nil
}

// handleEvent hands a daemon event to the control callback and every event
// callback.
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
	}, &m.control, &m.events)
}

// serverGone forgets both registrations and every callback when the
// connection to the daemon is lost.
func (m *Manager) serverGone(clientID uint32) {
	if clientID != ipc.ServerAddressID {
		return
	}
	m.locked(func() {
		m.events.Clear()
		m.control.Clear()
		m.controlID = 0
		m.mod.SetServerID(0)
	})
	m.mod.Logger().Info().Msg("server gone, 3d sync callbacks cleared")
}

// Registered reports which daemon registrations this process holds.
func (m *Manager) Registered() (events, control bool) {
	m.locked(func() { events, control = m.mod.ServerID() != 0, m.controlID != 0 })
	return events, control
}
