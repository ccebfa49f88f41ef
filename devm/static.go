package devm

import (
	"sync"

	"github.com/lcx/btpm/pm"
)

// Static is a power source driven by SetPowered. btpmd uses it in simulate
// mode and tests use it to switch modules on and off.
type Static struct {
	mu      sync.Mutex
	powered bool
	subs    subscribers
}

var _ Source = (*Static)(nil)

func NewStatic(powered bool) *Static {
	return &Static{powered: powered}
}

func (s *Static) FactoryName() string { return "static" }

func (s *Static) Powered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.powered
}

func (s *Static) Subscribe(fn func(pm.DeviceEvent)) func() {
	return s.subs.add(fn)
}

// SetPowered changes the state. Turning off emits PoweringOff then PoweredOff.
// Setting the current state emits nothing.
func (s *Static) SetPowered(on bool) {
	s.mu.Lock()
	events := transition(s.powered, on)
	s.powered = on
	s.mu.Unlock()

	s.subs.emit(events...)
}

func (s *Static) Close() error {
	return nil
}
