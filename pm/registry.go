package pm

import (
	"reflect"

	"github.com/lcx/btpm/ipc"
)

// IDAllocator hands out callback and registration ids. Not safe for
// concurrent use; the owning module lock guards it.
type IDAllocator struct {
	next uint32
}

// Next returns the current id and advances. Ids start at 1 and never have
// the response bit set.
func (a *IDAllocator) Next() uint32 {
	if a.next == 0 || a.next&ipc.ResponseMask != 0 {
		a.next = 1
	}
	id := a.next
	a.next = ipc.NextID(id)
	return id
}

// Reset restarts the sequence at 1.
func (a *IDAllocator) Reset() {
	a.next = 1
}

// Entry is one registered callback. Server registries also hold entries for
// remote clients; those carry ClientID and no handler.
type Entry[H any] struct {
	ID       uint32
	Handler  H
	Param    any
	ClientID uint32
	Local    bool
}

// Registry keeps entries in registration order. It does no locking of its own.
type Registry[H any] struct {
	entries []Entry[H]
}

func isNilHandler(h any) bool {
	if h == nil {
		return true
	}
	v := reflect.ValueOf(h)
	switch v.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Interface, reflect.Map, reflect.Chan, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// Add appends e. Id 0, an id already present and a local entry without a
// handler are refused.
func (r *Registry[H]) Add(e Entry[H]) error {
	if e.ID == 0 {
		return ErrUnableToAddEntry
	}
	if e.Local && isNilHandler(e.Handler) {
		return ErrInvalidParameter
	}
	if _, ok := r.Find(e.ID); ok {
		return ErrUnableToAddEntry
	}
	r.entries = append(r.entries, e)
	return nil
}

// Register allocates the next id from ids and adds e under it.
func (r *Registry[H]) Register(ids *IDAllocator, e Entry[H]) (uint32, error) {
	e.ID = ids.Next()
	if err := r.Add(e); err != nil {
		return 0, err
	}
	return e.ID, nil
}

func (r *Registry[H]) Find(id uint32) (Entry[H], bool) {
	for _, e := range r.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry[H]{}, false
}

// Remove deletes and returns the entry for id.
func (r *Registry[H]) Remove(id uint32) (Entry[H], bool) {
	for i, e := range r.entries {
		if e.ID == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return e, true
		}
	}
	return Entry[H]{}, false
}

// RemoveClient deletes every remote entry owned by clientID.
func (r *Registry[H]) RemoveClient(clientID uint32) []Entry[H] {
	var removed []Entry[H]
	kept := r.entries[:0]
	for _, e := range r.entries {
		if !e.Local && e.ClientID == clientID {
			removed = append(removed, e)
			continue
		}
		kept = append(kept, e)
	}
	clear(r.entries[len(kept):])
	r.entries = kept
	return removed
}

// Clear empties the registry and returns what was in it.
func (r *Registry[H]) Clear() []Entry[H] {
	old := r.entries
	r.entries = nil
	return old
}

func (r *Registry[H]) Len() int {
	return len(r.entries)
}

// Entries copies the entries in order.
func (r *Registry[H]) Entries() []Entry[H] {
	return append([]Entry[H](nil), r.entries...)
}

// HasLocal reports whether any in-process entry is left.
func (r *Registry[H]) HasLocal() bool {
	for _, e := range r.entries {
		if e.Local {
			return true
		}
	}
	return false
}
