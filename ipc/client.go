package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lcx/btpm/log"
)

// ClientConfig configures an application's connection to the daemon.
type ClientConfig struct {
	Network       string `mapstructure:"network"`
	ServerAddr    string `mapstructure:"serverAddr"`
	DialTimeoutMs int    `mapstructure:"dialTimeoutMs"`
	SendChanSize  int    `mapstructure:"sendChanSize"`
	MaxPayload    int    `mapstructure:"maxPayload"`
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Network:       "tcp",
		ServerAddr:    "127.0.0.1:7420",
		DialTimeoutMs: 3000,
		SendChanSize:  64,
		MaxPayload:    DefaultMaxPayload,
	}
}

func (c *ClientConfig) GetName() string {
	return "ipcclient"
}

func (c *ClientConfig) Validate() error {
	if c.ServerAddr == "" {
		return errors.New("serverAddr cannot be empty")
	}
	if c.Network != "tcp" && c.Network != "unix" {
		return fmt.Errorf("unsupported network %q", c.Network)
	}
	if c.DialTimeoutMs <= 0 || c.SendChanSize <= 0 || c.MaxPayload <= 0 {
		return errors.New("dialTimeoutMs, sendChanSize and maxPayload must be positive")
	}
	return nil
}

// Client is the application end of the bus. Handlers may be registered before
// Connect. When the connection drops every group handler receives a client
// registration message for the daemon with Registered false and every
// outstanding request fails.
type Client struct {
	cfg        *ClientConfig
	dispatcher *Dispatcher
	correlator *Correlator

	lock sync.RWMutex
	conn *conn
	done chan struct{}
}

func NewClient(cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	correlator := NewCorrelator(0)
	return &Client{
		cfg:        cfg,
		correlator: correlator,
		dispatcher: NewDispatcher(correlator, nil),
	}
}

// Connect dials the daemon.
func (c *Client) Connect(ctx context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn != nil {
		return errors.New("ipc: already connected")
	}

	d := net.Dialer{Timeout: time.Duration(c.cfg.DialTimeoutMs) * time.Millisecond}
	nc, err := d.DialContext(ctx, c.cfg.Network, c.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.ServerAddr, err)
	}

	cn := newConn(context.Background(), nc, ServerAddressID, c.cfg.SendChanSize, c.cfg.MaxPayload, 0)
	cn.onRecv = c.onRecv
	cn.onClose = c.onClose
	c.conn = cn
	c.done = make(chan struct{})
	cn.serve()

	log.Debug().Str("server", c.cfg.ServerAddr).Msg("ipc client connected")
	return nil
}

// Done is closed when the current connection ends. Nil before Connect.
func (c *Client) Done() <-chan struct{} {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.done
}

// Connected reports whether a connection is up.
func (c *Client) Connected() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.conn != nil
}

// Close drops the connection. Handlers still see the disconnect.
func (c *Client) Close() error {
	c.lock.RLock()
	cn := c.conn
	c.lock.RUnlock()
	if cn != nil {
		cn.close()
	}
	return nil
}

func (c *Client) onRecv(_ *conn, msg *Message) error {
	// Everything on this connection comes from the daemon.
	msg.AddressID = ServerAddressID
	return c.dispatcher.Dispatch(msg)
}

func (c *Client) onClose(cn *conn) {
	c.lock.Lock()
	if c.conn == cn {
		c.conn = nil
		close(c.done)
	}
	c.lock.Unlock()

	c.correlator.FailAll()
	c.dispatcher.ClientGone(ServerAddressID)
	log.Debug().Str("server", c.cfg.ServerAddr).Msg("ipc client disconnected")
}

func (c *Client) SendMessage(msg *Message) error {
	c.lock.RLock()
	cn := c.conn
	c.lock.RUnlock()
	if cn == nil {
		return ErrNotConnected
	}
	return cn.send(msg)
}

func (c *Client) SendMessageResponse(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	return c.correlator.Call(ctx, c.SendMessage, msg, timeout)
}

func (c *Client) RegisterGroupHandler(group uint32, h GroupHandler) error {
	return c.dispatcher.RegisterGroupHandler(group, h)
}

func (c *Client) UnregisterGroupHandler(group uint32) {
	c.dispatcher.UnregisterGroupHandler(group)
}

func (c *Client) ServerAddress() uint32 {
	return ServerAddressID
}

func (c *Client) NextMessageID() uint32 {
	return c.correlator.NextMessageID()
}
