// Package devm reports the local Bluetooth adapter power state to the manager
// modules. A source is either set by hand (Static) or follows BlueZ over D-Bus.
package devm

import (
	"sync"

	"github.com/lcx/btpm/pm"
)

// Source is a power source that can be released.
type Source interface {
	pm.PowerSource
	Close() error
}

// subscribers fans power transitions out to pm modules.
type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(pm.DeviceEvent)
}

func (s *subscribers) add(fn func(pm.DeviceEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(pm.DeviceEvent))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

// emit calls every subscriber in subscription order, without the lock.
func (s *subscribers) emit(events ...pm.DeviceEvent) {
	s.mu.Lock()
	fns := make([]func(pm.DeviceEvent), 0, len(s.fns))
	for id := range s.next {
		if fn, ok := s.fns[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (s *subscribers) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fns)
}

// transition lists the events that take a source from powered to on.
func transition(powered, on bool) []pm.DeviceEvent {
	switch {
	case powered == on:
		return nil
	case on:
		return []pm.DeviceEvent{pm.DevicePoweredOn}
	default:
		return []pm.DeviceEvent{pm.DevicePoweringOff, pm.DevicePoweredOff}
	}
}
