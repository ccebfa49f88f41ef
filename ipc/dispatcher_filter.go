package ipc

// DispatcherFilterHandleFunc is the next step of a filter chain.
type DispatcherFilterHandleFunc func(msg *Message) error

// DispatcherFilter intercepts inbound messages before they reach a group handler.
// A filter either calls f to continue or returns without calling it to drop msg.
type DispatcherFilter func(msg *Message, f DispatcherFilterHandleFunc) error

// DispatcherFilterChain runs filters in registration order.
type DispatcherFilterChain []DispatcherFilter

// Handle passes msg through every filter and finally to f.
func (fc DispatcherFilterChain) Handle(msg *Message, f DispatcherFilterHandleFunc) error {
	if len(fc) == 0 {
		return f(msg)
	}
	return fc[0](msg, func(msg *Message) error {
		return fc[1:].Handle(msg, f)
	})
}

// lengthFilter drops frames whose header Length disagrees with the payload.
func lengthFilter(msg *Message, f DispatcherFilterHandleFunc) error {
	if int(msg.Length) != len(msg.Payload) {
		return ErrShortMessage
	}
	return f(msg)
}
