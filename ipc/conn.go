package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/lcx/btpm/log"
	"github.com/lcx/btpm/metrics"
)

var (
	ErrNotConnected = errors.New("ipc: not connected")
	errSendChanFull = errors.New("send channel is full")
	errPayloadLimit = errors.New("ipc: payload exceeds limit")
)

// conn is one framed stream. The reader goroutine decodes frames and hands them
// to onRecv; the writer goroutine drains sendCh.
type conn struct {
	address     uint32
	ctx         context.Context
	cancel      context.CancelFunc
	nc          net.Conn
	closeOnce   sync.Once
	sendCh      chan *Message
	maxPayload  int
	idleTimeout time.Duration

	lastReadTime  time.Time
	lastWriteTime time.Time

	// onRecv may rewrite the header before dispatch.
	onRecv  func(c *conn, msg *Message) error
	onClose func(c *conn)
}

func newConn(parent context.Context, nc net.Conn, address uint32, sendChanSize, maxPayload int, idleTimeout time.Duration) *conn {
	if sendChanSize <= 0 {
		sendChanSize = 1
	}
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	ctx, cancel := context.WithCancel(parent)
	return &conn{
		address:     address,
		ctx:         ctx,
		cancel:      cancel,
		nc:          nc,
		sendCh:      make(chan *Message, sendChanSize),
		maxPayload:  maxPayload,
		idleTimeout: idleTimeout,
	}
}

func (c *conn) serve() {
	go c.serveSend()
	go c.serveRecv()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.nc.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

// send queues msg for the writer goroutine. It never blocks.
func (c *conn) send(msg *Message) error {
	if err := c.ctx.Err(); err != nil {
		return ErrNotConnected
	}
	select {
	case c.sendCh <- msg:
		return nil
	default:
		metrics.IncrCounterWithGroup("ipc", "send_chan_full_total", 1)
		return errSendChanFull
	}
}

// readMsg reads one frame. Any error ends the connection.
func (c *conn) readMsg(hdrBuf []byte) (*Message, error) {
	c.setReadDeadline()
	if _, err := io.ReadFull(c.nc, hdrBuf); err != nil {
		return nil, err
	}
	hdr, err := DecodeHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	if int(hdr.Length) > c.maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", errPayloadLimit, hdr.Length, c.maxPayload)
	}

	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return nil, err
	}
	return &Message{Header: hdr, Payload: payload}, nil
}

func (c *conn) serveRecv() {
	defer c.close()

	hdrBuf := make([]byte, HeaderSize)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		msg, err := c.readMsg(hdrBuf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Hex32("address", c.address).Err(err).Msg("ipc read failed")
			}
			return
		}
		if err := c.onRecv(c, msg); err != nil {
			log.Debug().Hex32("address", c.address).Stringer("msg", msg).Err(err).Msg("ipc dispatch failed")
		}
	}
}

func (c *conn) serveSend() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.sendCh:
			if err := c.write(msg); err != nil {
				log.Debug().Hex32("address", c.address).Err(err).Msg("ipc write failed")
				c.close()
				return
			}
		}
	}
}

func (c *conn) write(msg *Message) error {
	c.setWriteDeadline()
	if _, err := c.nc.Write(msg.Bytes()); err != nil {
		return err
	}
	metrics.IncrCounterWithGroup("ipc", "send_total", 1)
	return nil
}

func (c *conn) setReadDeadline() {
	if c.idleTimeout > 0 {
		n := time.Now()
		if n.Sub(c.lastReadTime) > time.Second {
			c.lastReadTime = n
			_ = c.nc.SetReadDeadline(n.Add(c.idleTimeout))
		}
	}
}

func (c *conn) setWriteDeadline() {
	if c.idleTimeout > 0 {
		n := time.Now()
		if n.Sub(c.lastWriteTime) > time.Second {
			c.lastWriteTime = n
			_ = c.nc.SetWriteDeadline(n.Add(c.idleTimeout))
		}
	}
}
