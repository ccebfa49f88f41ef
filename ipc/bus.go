package ipc

import (
	"context"
	"time"
)

// Bus is what a platform-manager module needs from the transport. The daemon
// and the client library both implement it.
type Bus interface {
	// SendMessage queues msg without waiting. msg.AddressID is the destination.
	SendMessage(msg *Message) error
	// SendMessageResponse sends a request and waits for the response with the same id.
	SendMessageResponse(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error)

	RegisterGroupHandler(group uint32, h GroupHandler) error
	UnregisterGroupHandler(group uint32)

	// ServerAddress is the address requests to the daemon go to.
	ServerAddress() uint32
	NextMessageID() uint32
}

var (
	_ Bus = (*Server)(nil)
	_ Bus = (*Client)(nil)
)
