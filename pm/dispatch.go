package pm

import (
	"sync"

	"github.com/lcx/btpm/log"
	"github.com/lcx/btpm/metrics"
)

// inlineSnapshot is the number of entries a fan-out copies without a heap slice.
const inlineSnapshot = 16

// Snapshot is a copy of registry entries taken under the module lock. It holds
// no reference to the lock or the registries.
type Snapshot[H any] struct {
	inline [inlineSnapshot]Entry[H]
	n      int
	heap   []Entry[H]
}

func takeSnapshot[H any](s *Snapshot[H], regs []*Registry[H]) {
	total := 0
	for _, r := range regs {
		total += r.Len()
	}
	s.n = total
	if total > inlineSnapshot {
		s.heap = make([]Entry[H], 0, total)
		for _, r := range regs {
			s.heap = append(s.heap, r.entries...)
		}
		return
	}
	i := 0
	for _, r := range regs {
		i += copy(s.inline[i:], r.entries)
	}
}

// Entries returns the snapshotted entries in registration order.
func (s *Snapshot[H]) Entries() []Entry[H] {
	if s.heap != nil {
		return s.heap
	}
	return s.inline[:s.n]
}

// Dispatch is entered with mu held and always returns with mu released. It
// copies the entries of regs, unlocks, then calls deliver once per entry in
// order. A panicking deliver is recovered and the next entry still runs.
// alive is checked before every delivery; once it reports false nothing more
// is delivered. Dispatch returns the number of deliveries that completed.
func Dispatch[H any](mu sync.Locker, alive func() bool, deliver func(Entry[H]), regs ...*Registry[H]) int {
	var snap Snapshot[H]
	takeSnapshot(&snap, regs)
	mu.Unlock()

	if snap.n == 0 {
		return 0
	}

	delivered := 0
	for _, e := range snap.Entries() {
		if alive != nil && !alive() {
			break
		}
		if safeDeliver(e, deliver) {
			delivered++
		}
	}
	metrics.IncrCounterWithGroup("pm", "fanout_delivered_total", metrics.Value(delivered))
	return delivered
}

// DispatchServer is the daemon side of Dispatch. Local entries go to local in
// process; remote entries go to remote once per client id, however many
// registrations that client holds. A remote error is logged and skipped.
func DispatchServer[H any](mu sync.Locker, alive func() bool, local func(Entry[H]), remote func(clientID uint32) error, regs ...*Registry[H]) int {
	var sent []uint32
	return Dispatch(mu, alive, func(e Entry[H]) {
		if e.Local {
			local(e)
			return
		}
		for _, id := range sent {
			if id == e.ClientID {
				return
			}
		}
		sent = append(sent, e.ClientID)
		if err := remote(e.ClientID); err != nil {
			metrics.IncrCounterWithGroup("pm", "fanout_remote_error_total", 1)
			log.Debug().Hex32("client", e.ClientID).Uint32("callbackID", e.ID).Err(err).Msg("event to client failed")
		}
	}, regs...)
}

func safeDeliver[H any](e Entry[H], deliver func(Entry[H])) bool {
	return Invoke(e.ID, func() { deliver(e) })
}

// Invoke runs one callback invocation and recovers a panic from it. Use it
// when a single delivery calls a handler more than once.
func Invoke(callbackID uint32, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			metrics.IncrCounterWithGroup("pm", "fanout_panic_total", 1)
			log.Error().Uint32("callbackID", callbackID).Any("panic", r).Msg("event callback panicked")
		}
	}()
	fn()
	return true
}
