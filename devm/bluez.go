package devm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/lcx/btpm/log"
	"github.com/lcx/btpm/pm"
)

const (
	bluezService   = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	propsIface     = "org.freedesktop.DBus.Properties"
	propsChanged   = "PropertiesChanged"
	poweredProp    = "Powered"
	defaultAdapter = "hci0"
)

// BlueZConfig selects the adapter to follow.
type BlueZConfig struct {
	Adapter string `mapstructure:"adapter"`
}

func (c *BlueZConfig) path() dbus.ObjectPath {
	adapter := c.Adapter
	if adapter == "" {
		adapter = defaultAdapter
	}
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// BlueZ follows org.bluez.Adapter1.Powered on the system bus.
type BlueZ struct {
	cfg  BlueZConfig
	path dbus.ObjectPath
	conn *dbus.Conn
	sigs chan *dbus.Signal
	done chan struct{}

	mu      sync.Mutex
	powered bool
	subs    subscribers

	closeOnce sync.Once
}

var _ Source = (*BlueZ)(nil)

// NewBlueZ connects to the system bus, reads the current power state and
// starts watching the adapter.
func NewBlueZ(cfg BlueZConfig) (*BlueZ, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("devm: connect system bus: %w", err)
	}
	b := newBlueZ(cfg, conn)

	var v dbus.Variant
	if err := conn.Object(bluezService, b.path).Call(propsIface+".Get", 0, adapterIface, poweredProp).Store(&v); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("devm: read %s %s: %w", b.path, poweredProp, err)
	}
	powered, _ := v.Value().(bool)
	b.powered = powered

	if err := conn.AddMatchSignal(b.matchOptions()...); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("devm: AddMatchSignal: %w", err)
	}
	conn.Signal(b.sigs)
	go b.loop()

	log.Info().Str("adapter", string(b.path)).Bool("powered", powered).Msg("following bluez adapter")
	return b, nil
}

func newBlueZ(cfg BlueZConfig, conn *dbus.Conn) *BlueZ {
	return &BlueZ{
		cfg:  cfg,
		path: cfg.path(),
		conn: conn,
		sigs: make(chan *dbus.Signal, 16),
		done: make(chan struct{}),
	}
}

func (b *BlueZ) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(b.path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember(propsChanged),
	}
}

func (b *BlueZ) FactoryName() string { return "bluez" }

func (b *BlueZ) Powered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.powered
}

func (b *BlueZ) Subscribe(fn func(pm.DeviceEvent)) func() {
	return b.subs.add(fn)
}

func (b *BlueZ) loop() {
	for {
		select {
		case <-b.done:
			return
		case sig, ok := <-b.sigs:
			if !ok {
				return
			}
			b.handleSignal(sig)
		}
	}
}

// handleSignal applies a PropertiesChanged signal of the adapter.
func (b *BlueZ) handleSignal(sig *dbus.Signal) {
	if sig == nil || sig.Path != b.path || sig.Name != propsIface+"."+propsChanged || len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	if iface != adapterIface {
		return
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, ok := changed[poweredProp]
	if !ok {
		return
	}
	on, ok := v.Value().(bool)
	if !ok {
		return
	}

	b.mu.Lock()
	events := transition(b.powered, on)
	b.powered = on
	b.mu.Unlock()

	if len(events) > 0 {
		log.Info().Str("adapter", string(b.path)).Bool("powered", on).Msg("adapter power changed")
	}
	b.subs.emit(events...)
}

func (b *BlueZ) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if b.conn == nil {
			return
		}
		b.conn.RemoveSignal(b.sigs)
		err = errors.Join(b.conn.RemoveMatchSignal(b.matchOptions()...), b.conn.Close())
	})
	return err
}
