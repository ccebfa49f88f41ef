package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/lcx/btpm/config"
	"github.com/lcx/btpm/log"
	"github.com/lcx/btpm/metrics"
)

// ServerConfig configures the daemon side listener.
type ServerConfig struct {
	Network        string `mapstructure:"network"`
	Addr           string `mapstructure:"addr"`
	SendChanSize   int    `mapstructure:"sendChanSize"`
	MaxPayload     int    `mapstructure:"maxPayload"`
	IdleTimeoutSec int    `mapstructure:"idleTimeoutSec"`
	// RecvLimit is messages per second over all clients, 0 disables limiting.
	RecvLimit     int    `mapstructure:"recvLimit"`
	RecvBurst     int    `mapstructure:"recvBurst"`
	RecvLimitMode string `mapstructure:"recvLimitMode"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Network:       "tcp",
		Addr:          "127.0.0.1:7420",
		SendChanSize:  256,
		MaxPayload:    DefaultMaxPayload,
		RecvLimit:     0,
		RecvBurst:     64,
		RecvLimitMode: RecvLimitToken,
	}
}

func (c *ServerConfig) GetName() string {
	return "ipcserver"
}

func (c *ServerConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	if c.Network != "tcp" && c.Network != "unix" {
		return fmt.Errorf("unsupported network %q", c.Network)
	}
	if c.SendChanSize <= 0 {
		return errors.New("sendChanSize must be positive")
	}
	if c.MaxPayload <= 0 {
		return errors.New("maxPayload must be positive")
	}
	if c.IdleTimeoutSec < 0 || c.RecvLimit < 0 || c.RecvBurst < 0 {
		return errors.New("idleTimeoutSec, recvLimit and recvBurst must not be negative")
	}
	switch c.RecvLimitMode {
	case RecvLimitOff, RecvLimitToken, RecvLimitFunnel:
	default:
		return fmt.Errorf("unknown recvLimitMode %q", c.RecvLimitMode)
	}
	return nil
}

// Server is the daemon end of the bus. Every accepted connection gets a fresh
// client address; inbound headers carry that address, outbound messages are
// routed by it.
type Server struct {
	cfg        *ServerConfig
	dispatcher *Dispatcher
	correlator *Correlator
	limiter    RecvLimiter

	lock     sync.RWMutex
	conns    map[uint32]*conn
	nextAddr uint32

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewServer(cfg *ServerConfig) *Server {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	correlator := NewCorrelator(0)
	s := &Server{
		cfg:        cfg,
		correlator: correlator,
		dispatcher: NewDispatcher(correlator, nil),
		conns:      make(map[uint32]*conn),
		nextAddr:   FirstClientAddressID,
	}
	if cfg.RecvLimitMode != RecvLimitOff {
		s.limiter = newRecvLimiter(cfg.RecvLimitMode, cfg.RecvLimit, cfg.RecvBurst)
	}
	if s.limiter != nil {
		s.dispatcher.RegDispatcherFilter(s.limiter.Filter)
	}
	return s
}

// Listen binds the configured address and starts accepting clients.
func (s *Server) Listen() error {
	metrics.IncrCounterWithGroup("ipc", "server_start_total", 1)

	ln, err := net.Listen(s.cfg.Network, s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", s.cfg.Network, s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts clients on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.lock.Lock()
	s.listener = ln
	s.cancel = cancel
	s.lock.Unlock()

	s.wg.Add(1)
	go s.serve(ctx, ln)
	log.Info().Str("addr", ln.Addr().String()).Msg("ipc server listening")
	return nil
}

// Addr is the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) serve(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			var e net.Error
			if errors.As(err, &e) && e.Timeout() {
				continue
			}
			return
		}
		s.accept(ctx, nc)
	}
}

func (s *Server) accept(ctx context.Context, nc net.Conn) {
	s.lock.Lock()
	address := s.allocAddressLocked()
	c := newConn(ctx, nc, address, s.cfg.SendChanSize, s.cfg.MaxPayload, time.Duration(s.cfg.IdleTimeoutSec)*time.Second)
	c.onRecv = s.onRecv
	c.onClose = s.onClose
	s.conns[address] = c
	count := len(s.conns)
	s.lock.Unlock()

	metrics.IncrCounterWithGroup("ipc", "connection_success_total", 1)
	metrics.UpdateGaugeWithGroup("ipc", "current_connections", metrics.Value(count))
	log.Info().Hex32("address", address).Str("remote", nc.RemoteAddr().String()).Msg("ipc client connected")

	s.dispatcher.ClientJoined(address)
	c.serve()
}

// allocAddressLocked hands out the next free client address.
func (s *Server) allocAddressLocked() uint32 {
	for {
		address := s.nextAddr
		s.nextAddr++
		if s.nextAddr < FirstClientAddressID {
			s.nextAddr = FirstClientAddressID
		}
		if _, used := s.conns[address]; !used {
			return address
		}
	}
}

// onRecv stamps the sender address. Functions below FunctionMinimum are only
// synthesized by the dispatcher, so a client sending one is dropped.
func (s *Server) onRecv(c *conn, msg *Message) error {
	msg.AddressID = c.address
	if msg.Function < FunctionMinimum {
		metrics.IncrCounterWithGroup("ipc", "control_rejected_total", 1)
		log.Warn().Hex32("address", c.address).Stringer("msg", msg).Msg("control message from client dropped")
		return nil
	}
	return s.dispatcher.Dispatch(msg)
}

func (s *Server) onClose(c *conn) {
	s.lock.Lock()
	delete(s.conns, c.address)
	count := len(s.conns)
	s.lock.Unlock()

	metrics.IncrCounterWithGroup("ipc", "connection_close_total", 1)
	metrics.UpdateGaugeWithGroup("ipc", "current_connections", metrics.Value(count))
	log.Info().Hex32("address", c.address).Msg("ipc client disconnected")

	s.dispatcher.ClientGone(c.address)
}

// Clients lists connected client addresses, ascending.
func (s *Server) Clients() []uint32 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := make([]uint32, 0, len(s.conns))
	for address := range s.conns {
		out = append(out, address)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Disconnect drops one client.
func (s *Server) Disconnect(address uint32) error {
	s.lock.RLock()
	c, ok := s.conns[address]
	s.lock.RUnlock()
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNotConnected, address)
	}
	c.close()
	return nil
}

// Close stops accepting, drops every client and fails outstanding requests.
func (s *Server) Close() error {
	s.lock.Lock()
	ln := s.listener
	cancel := s.cancel
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.lock.Unlock()

	var err error
	if cancel != nil {
		cancel()
	}
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
	s.correlator.Close()
	return err
}

func (s *Server) SendMessage(msg *Message) error {
	s.lock.RLock()
	c, ok := s.conns[msg.AddressID]
	s.lock.RUnlock()
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNotConnected, msg.AddressID)
	}
	return c.send(msg)
}

func (s *Server) SendMessageResponse(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	return s.correlator.Call(ctx, s.SendMessage, msg, timeout)
}

func (s *Server) RegisterGroupHandler(group uint32, h GroupHandler) error {
	return s.dispatcher.RegisterGroupHandler(group, h)
}

func (s *Server) UnregisterGroupHandler(group uint32) {
	s.dispatcher.UnregisterGroupHandler(group)
}

func (s *Server) ServerAddress() uint32 {
	return ServerAddressID
}

func (s *Server) NextMessageID() uint32 {
	return s.correlator.NextMessageID()
}

// Groups lists the groups served by this daemon.
func (s *Server) Groups() []uint32 {
	return s.dispatcher.Groups()
}

// OnConfigChanged reloads the receive limiter. Listener settings need a restart.
func (s *Server) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != s.cfg.GetName() {
		return nil
	}
	newCfg, ok := newConfig.(*ServerConfig)
	if !ok {
		return fmt.Errorf("invalid configuration type for ipc server")
	}
	if s.limiter != nil && newCfg.RecvLimit > 0 {
		s.limiter.Reload(newCfg.RecvLimit, newCfg.RecvBurst)
	}
	log.Info().Str("configName", configName).Int("recvLimit", newCfg.RecvLimit).Msg("ipc server configuration updated")
	return nil
}
