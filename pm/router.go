package pm

import (
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/log"
	"github.com/lcx/btpm/metrics"
)

// RouteResult is what Route did with a message.
type RouteResult int

const (
	// RouteDropped: the response bit was set on an inbound message.
	RouteDropped RouteResult = iota + 1
	// RouteIgnored: the message belongs to another group.
	RouteIgnored
	// RouteQueued: handed to the worker mailbox.
	RouteQueued
	// RouteQueueFull: the mailbox refused it and the message was dropped.
	RouteQueueFull
	// RouteControl: a peer went away and cleanup was scheduled.
	RouteControl
	// RouteConsumed: read and discarded without side effects.
	RouteConsumed
)

func (r RouteResult) String() string {
	switch r {
	case RouteDropped:
		return "dropped"
	case RouteIgnored:
		return "ignored"
	case RouteQueued:
		return "queued"
	case RouteQueueFull:
		return "queue_full"
	case RouteControl:
		return "control"
	case RouteConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// Router classifies the inbound messages of one group. It runs on the bus
// reader goroutine and never blocks.
type Router struct {
	Module      string
	Group       uint32
	Initialized func() bool
	// Post queues work on the module worker and reports false when it cannot.
	Post func(task func()) bool
	// Handle processes a function in the module's range. Worker only.
	Handle func(msg *ipc.Message)
	// ClientGone cleans up after a peer. It runs on the worker, or inline
	// when the mailbox refuses it.
	ClientGone func(clientID uint32)
}

// HandleMessage adapts Route to ipc.GroupHandler.
func (r *Router) HandleMessage(msg *ipc.Message) {
	r.Route(msg)
}

// Route decides what happens to msg and returns the outcome.
func (r *Router) Route(msg *ipc.Message) RouteResult {
	res := r.route(msg)
	metrics.IncrCounterWithDimGroup("pm", "route_total", 1, metrics.Dimension{"module": r.Module, "result": res.String()})
	return res
}

func (r *Router) route(msg *ipc.Message) RouteResult {
	if msg.IsResponse() {
		log.Debug().Str("module", r.Module).Stringer("msg", msg).Msg("spoofed or misrouted response dropped")
		return RouteDropped
	}
	if msg.Group != r.Group {
		return RouteIgnored
	}
	if r.Initialized == nil || !r.Initialized() {
		return RouteConsumed
	}

	if msg.Function >= ipc.FunctionMinimum {
		if !r.Post(func() { r.Handle(msg) }) {
			log.Warn().Str("module", r.Module).Stringer("msg", msg).Msg("mailbox full, message dropped")
			return RouteQueueFull
		}
		return RouteQueued
	}

	if msg.Function != ipc.FunctionClientRegistration {
		return RouteConsumed
	}
	reg, err := ipc.DecodeClientRegistration(msg.Payload)
	if err != nil {
		log.Debug().Str("module", r.Module).Stringer("msg", msg).Err(err).Msg("malformed client registration")
		return RouteConsumed
	}
	if reg.Registered || r.ClientGone == nil {
		return RouteConsumed
	}

	clientID := reg.AddressID
	if !r.Post(func() { r.ClientGone(clientID) }) {
		r.ClientGone(clientID)
	}
	return RouteControl
}
