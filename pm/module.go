// Package pm holds the machinery every platform-manager module is built from:
// status errors, callback registries, the unlocked fan-out, the message-group
// router and the initialize/power/shutdown lifecycle.
package pm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/log"
	"github.com/lcx/btpm/metrics"
)

// DeviceEvent is a local adapter power transition.
type DeviceEvent int

const (
	DevicePoweredOn DeviceEvent = iota + 1
	DevicePoweringOff
	DevicePoweredOff
)

func (e DeviceEvent) String() string {
	switch e {
	case DevicePoweredOn:
		return "powered_on"
	case DevicePoweringOff:
		return "powering_off"
	case DevicePoweredOff:
		return "powered_off"
	default:
		return "unknown"
	}
}

// PowerSource reports the local adapter power state.
type PowerSource interface {
	Powered() bool
	// Subscribe delivers every later transition to fn until the returned
	// function is called.
	Subscribe(fn func(DeviceEvent)) (unsubscribe func())
}

// Hooks are the module specific parts of the lifecycle. All are optional.
type Hooks struct {
	// OnMessage handles a function in the module's range on the worker.
	OnMessage func(msg *ipc.Message)
	// OnClientGone runs on the worker after a peer disconnected.
	OnClientGone func(clientID uint32)
	// OnDeviceEvent runs after the power flag was updated, without the lock.
	OnDeviceEvent func(ev DeviceEvent)
}

// Module is the state shared by one manager instance: initialized flag, power
// flag, server registration id, callback id allocator and the module lock.
//
// Public operations follow one pattern: Enter, read or mutate state, Leave,
// and only then talk to the bus.
type Module struct {
	name  string
	group uint32
	bus   ipc.Bus
	power PowerSource
	cfg   *Config
	log   *log.ModuleLogger

	life        sync.Mutex
	mu          sync.Mutex
	initialized atomic.Bool
	powered     bool
	serverID    uint32
	ids         IDAllocator

	mailbox     atomic.Pointer[ipc.Mailbox]
	router      *Router
	hooks       Hooks
	unsubscribe func()
}

// NewModule builds an uninitialized module for group. power may be nil, in
// which case the adapter is treated as always on.
func NewModule(name string, group uint32, bus ipc.Bus, power PowerSource, cfg *Config) *Module {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Module{
		name:  name,
		group: group,
		bus:   bus,
		power: power,
		cfg:   cfg,
		log:   log.NewModuleLogger(nil, name),
	}
}

func (m *Module) Name() string { return m.name }
func (m *Module) Group() uint32 { return m.group }
func (m *Module) Bus() ipc.Bus { return m.bus }
func (m *Module) Config() *Config { return m.cfg }
func (m *Module) Logger() *log.ModuleLogger { return m.log }
func (m *Module) Locker() sync.Locker { return &m.mu }
func (m *Module) Initialized() bool { return m.initialized.Load() }
func (m *Module) Router() *Router { return m.router }

// Initialize brings the module up. Calling it again while initialized does nothing.
func (m *Module) Initialize(hooks Hooks) error {
	m.life.Lock()
	defer m.life.Unlock()

	if m.initialized.Load() {
		m.log.Warn().Msg("already initialized")
		return nil
	}

	mailbox := ipc.NewMailbox(m.name, m.cfg.MailboxSize)
	mailbox.Start()

	router := &Router{
		Module:      m.name,
		Group:       m.group,
		Initialized: m.Initialized,
		Post:        mailbox.Post,
		Handle: func(msg *ipc.Message) {
			if m.Initialized() && hooks.OnMessage != nil {
				hooks.OnMessage(msg)
			}
		},
		ClientGone: func(clientID uint32) {
			if m.Initialized() && hooks.OnClientGone != nil {
				hooks.OnClientGone(clientID)
			}
		},
	}

	if err := m.bus.RegisterGroupHandler(m.group, router.HandleMessage); err != nil {
		mailbox.Close()
		m.log.Error().Hex32("group", m.group).Err(err).Msg("register message group handler failed")
		return fmt.Errorf("%w: %w", ErrUnableToRegisterHandler, err)
	}

	m.mu.Lock()
	m.powered = m.power == nil || m.power.Powered()
	m.ids.Reset()
	m.serverID = 0
	m.mailbox.Store(mailbox)
	m.router = router
	m.hooks = hooks
	m.initialized.Store(true)
	powered := m.powered
	m.mu.Unlock()

	if m.power != nil {
		m.unsubscribe = m.power.Subscribe(m.onDeviceEvent)
	}

	metrics.UpdateGaugeWithDimGroup("pm", "initialized", 1, metrics.Dimension{"module": m.name})
	m.log.Info().Hex32("group", m.group).Bool("powered", powered).Msg("module initialized")
	return nil
}

// Shutdown tears the module down. cleanup runs under the module lock before
// the initialized flag is cleared. Shutting down an uninitialized module
// returns nil.
func (m *Module) Shutdown(cleanup func()) error {
	m.life.Lock()
	defer m.life.Unlock()

	if !m.initialized.Load() {
		return nil
	}

	m.bus.UnregisterGroupHandler(m.group)

	m.mu.Lock()
	if cleanup != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Any("panic", r).Msg("shutdown cleanup panicked")
				}
			}()
			cleanup()
		}()
	}
	m.powered = false
	m.serverID = 0
	m.initialized.Store(false)
	mailbox := m.mailbox.Swap(nil)
	m.hooks = Hooks{}
	m.mu.Unlock()

	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	if mailbox != nil {
		mailbox.Close()
	}

	metrics.UpdateGaugeWithDimGroup("pm", "initialized", 0, metrics.Dimension{"module": m.name})
	m.log.Info().Msg("module shut down")
	return nil
}

// Enter takes the module lock for a public operation.
func (m *Module) Enter() error {
	if !m.initialized.Load() {
		return ErrNotInitialized
	}
	m.mu.Lock()
	if !m.initialized.Load() {
		m.mu.Unlock()
		return ErrLockUnavailable
	}
	return nil
}

// Leave releases the lock taken by Enter.
func (m *Module) Leave() {
	m.mu.Unlock()
}

// The accessors below must be called between Enter and Leave.

func (m *Module) Powered() bool { return m.powered }
func (m *Module) ServerID() uint32 { return m.serverID }
func (m *Module) SetServerID(id uint32) { m.serverID = id }
func (m *Module) IDs() *IDAllocator { return &m.ids }

// Post queues task on the module worker.
func (m *Module) Post(task func()) bool {
	mailbox := m.mailbox.Load()
	if mailbox == nil {
		return false
	}
	return mailbox.Post(task)
}

func (m *Module) onDeviceEvent(ev DeviceEvent) {
	m.mu.Lock()
	if !m.initialized.Load() {
		m.mu.Unlock()
		return
	}
	switch ev {
	case DevicePoweredOn:
		m.powered = true
	case DevicePoweringOff, DevicePoweredOff:
		m.powered = false
	}
	hook := m.hooks.OnDeviceEvent
	m.mu.Unlock()

	m.log.Info().Stringer("event", ev).Msg("device power event")
	if hook != nil {
		hook(ev)
	}
}

// Call sends a request of function to the daemon and waits for the response.
// A response shorter than minPayload is ErrResponseMessageInvalid.
func (m *Module) Call(ctx context.Context, function uint32, payload []byte, minPayload int) (*ipc.Message, error) {
	req := ipc.NewMessage(m.bus.ServerAddress(), m.bus.NextMessageID(), m.group, function, payload)
	res, err := m.bus.SendMessageResponse(ctx, req, m.cfg.Timeout())
	if err != nil {
		switch {
		case errors.Is(err, ipc.ErrTimeout):
			return nil, ErrTimeout
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		default:
			return nil, fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}
	if int(res.Length) < minPayload || len(res.Payload) < minPayload {
		m.log.Debug().Stringer("msg", res).Int("want", minPayload).Msg("short response")
		return nil, ErrResponseMessageInvalid
	}
	return res, nil
}

// StatusSize is the size of the status field that opens every response.
const StatusSize = 4

// Request is Call for responses that open with a status. A non-zero status is
// returned as its error; otherwise the reader is positioned after it.
func (m *Module) Request(ctx context.Context, function uint32, payload []byte, minPayload int) (*ipc.Reader, error) {
	if minPayload < StatusSize {
		minPayload = StatusSize
	}
	res, err := m.Call(ctx, function, payload, minPayload)
	if err != nil {
		return nil, err
	}
	r := ipc.NewReader(res.Payload)
	if err := FromCode(r.Int32()); err != nil {
		return nil, err
	}
	return r, nil
}

// Reply answers req with status and whatever body writes after it.
func (m *Module) Reply(req *ipc.Message, status error, body func(w *ipc.Writer)) {
	w := ipc.NewWriter(32).Int32(Code(status))
	if status == nil && body != nil {
		body(w)
	}
	if err := m.bus.SendMessage(req.NewResponse(w.Bytes())); err != nil {
		m.log.Debug().Hex32("client", req.AddressID).Err(err).Msg("send response failed")
	}
}

// RequestID is Call for responses whose status is a positive id on success.
func (m *Module) RequestID(ctx context.Context, function uint32, payload []byte) (uint32, error) {
	res, err := m.Call(ctx, function, payload, StatusSize)
	if err != nil {
		return 0, err
	}
	status := ipc.NewReader(res.Payload).Int32()
	if status < 0 {
		return 0, FromCode(status)
	}
	if status == 0 {
		return 0, ErrResponseMessageInvalid
	}
	return uint32(status), nil
}

// ReplyID answers req with id in the status field, or with err when set.
func (m *Module) ReplyID(req *ipc.Message, id uint32, err error) {
	if err != nil {
		m.Reply(req, err, nil)
		return
	}
	res := req.NewResponse(ipc.NewWriter(StatusSize).Int32(int32(id)).Bytes())
	if err := m.bus.SendMessage(res); err != nil {
		m.log.Debug().Hex32("client", req.AddressID).Err(err).Msg("send response failed")
	}
}

// SendEvent pushes an event of this module's group to one client.
func (m *Module) SendEvent(clientID, function uint32, payload []byte) error {
	return ipc.SendEvent(m.bus, clientID, m.group, function, payload)
}
