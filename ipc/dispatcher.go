package ipc

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lcx/btpm/log"
	"github.com/lcx/btpm/metrics"
)

// GroupHandler receives every inbound message of one group. It runs on the
// connection's reader goroutine and must not block.
type GroupHandler func(msg *Message)

var (
	ErrNoGroupHandler  = errors.New("ipc: no handler for group")
	errGroupRegistered = errors.New("ipc: group handler already registered")
	errInvalidGroup    = errors.New("ipc: group out of range")
	errNilGroupHandler = errors.New("ipc: group handler is nil")
)

// Dispatcher routes inbound messages: responses to their waiters first, then
// everything else to the handler of its group.
type Dispatcher struct {
	lock       sync.RWMutex
	handlers   map[uint32]GroupHandler
	filters    DispatcherFilterChain
	correlator *Correlator
	msgMgr     *MessageManager
}

// NewDispatcher builds a dispatcher. correlator may be nil on buses that never
// issue requests; msgMgr nil uses Messages().
func NewDispatcher(correlator *Correlator, msgMgr *MessageManager) *Dispatcher {
	if msgMgr == nil {
		msgMgr = Messages()
	}
	d := &Dispatcher{
		handlers:   make(map[uint32]GroupHandler),
		correlator: correlator,
		msgMgr:     msgMgr,
	}
	d.filters = append(d.filters, lengthFilter)
	return d
}

// RegisterGroupHandler installs the single handler for group.
func (d *Dispatcher) RegisterGroupHandler(group uint32, h GroupHandler) error {
	if h == nil {
		return errNilGroupHandler
	}
	if group < GroupMinimum || group > GroupMaximum {
		return fmt.Errorf("%w: 0x%x", errInvalidGroup, group)
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.handlers[group]; ok {
		return fmt.Errorf("%w: 0x%x", errGroupRegistered, group)
	}
	d.handlers[group] = h
	return nil
}

// UnregisterGroupHandler removes the handler for group, if any.
func (d *Dispatcher) UnregisterGroupHandler(group uint32) {
	d.lock.Lock()
	defer d.lock.Unlock()
	delete(d.handlers, group)
}

// Groups lists the groups with a handler, ascending.
func (d *Dispatcher) Groups() []uint32 {
	d.lock.RLock()
	defer d.lock.RUnlock()
	groups := make([]uint32, 0, len(d.handlers))
	for g := range d.handlers {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	return groups
}

// RegDispatcherFilter appends f to the inbound filter chain. Not safe once
// messages are flowing.
func (d *Dispatcher) RegDispatcherFilter(f DispatcherFilter) {
	d.filters = append(d.filters, f)
}

func (d *Dispatcher) handler(group uint32) GroupHandler {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.handlers[group]
}

// Dispatch runs msg through the filter chain and delivers it.
func (d *Dispatcher) Dispatch(msg *Message) error {
	dims := metrics.Dimension{"msg": d.msgMgr.Name(msg.Group, msg.Function)}
	metrics.IncrCounterWithDimGroup("ipc", "recv_total", 1, dims)
	err := d.filters.Handle(msg, d.handleMsgImpl)
	if err != nil {
		metrics.IncrCounterWithDimGroup("ipc", "recv_error_total", 1, dims)
	}
	return err
}

func (d *Dispatcher) handleMsgImpl(msg *Message) error {
	if msg.IsResponse() && d.correlator != nil && d.correlator.Deliver(msg) {
		return nil
	}

	h := d.handler(msg.Group)
	if h == nil {
		log.Debug().Stringer("msg", msg).Msg("no group handler")
		return fmt.Errorf("%w: 0x%x", ErrNoGroupHandler, msg.Group)
	}
	h(msg)
	return nil
}

// ClientJoined tells every group handler that address appeared.
func (d *Dispatcher) ClientJoined(address uint32) {
	d.announce(ClientRegistration{AddressID: address, Registered: true})
}

// ClientGone tells every group handler that address went away so they can drop
// whatever that peer registered.
func (d *Dispatcher) ClientGone(address uint32) {
	d.announce(ClientRegistration{AddressID: address, Registered: false})
}

func (d *Dispatcher) announce(reg ClientRegistration) {
	d.lock.RLock()
	handlers := make(map[uint32]GroupHandler, len(d.handlers))
	for g, h := range d.handlers {
		handlers[g] = h
	}
	d.lock.RUnlock()

	for g, h := range handlers {
		h(NewClientRegistrationMessage(g, reg))
	}
}
