package ipc

import (
	"context"
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// RecvLimiter throttles inbound messages on the daemon.
type RecvLimiter interface {
	Filter(msg *Message, f DispatcherFilterHandleFunc) error
	Reload(limit int, burst int)
}

// DispatcherRecvLimiter is a token bucket limiter. A burst of messages passes
// immediately, after that the reader goroutine waits for tokens.
type DispatcherRecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenRecvLimiter allows limit messages per second with the given burst.
func NewTokenRecvLimiter(limit int, burst int) *DispatcherRecvLimiter {
	self := &DispatcherRecvLimiter{}
	self.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
	return self
}

// Take blocks until a token is available.
func (l *DispatcherRecvLimiter) Take() error {
	return l.limiter.Load().Wait(context.Background())
}

// Reload swaps the bucket parameters at runtime.
func (l *DispatcherRecvLimiter) Reload(limit int, burst int) {
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

func (l *DispatcherRecvLimiter) Filter(msg *Message, f DispatcherFilterHandleFunc) error {
	if err := l.Take(); err != nil {
		return err
	}
	return f(msg)
}

// FunnelRecvLimiter is a leaky bucket limiter with evenly spaced admissions.
type FunnelRecvLimiter struct {
	limiter atomic.Pointer[ratelimit.Limiter]
}

func NewFunnelRecvLimiter(limit int) *FunnelRecvLimiter {
	limiter := ratelimit.New(limit)
	self := &FunnelRecvLimiter{}
	self.limiter.Store(&limiter)
	return self
}

// Take blocks until the next slot.
func (l *FunnelRecvLimiter) Take() {
	_ = (*l.limiter.Load()).Take()
}

// Reload ignores burst; the funnel has none.
func (l *FunnelRecvLimiter) Reload(limit int, _ int) {
	limiter := ratelimit.New(limit)
	l.limiter.Store(&limiter)
}

func (l *FunnelRecvLimiter) Filter(msg *Message, f DispatcherFilterHandleFunc) error {
	l.Take()
	return f(msg)
}

// Limiter modes accepted in ServerConfig.RecvLimitMode.
const (
	RecvLimitOff    = "off"
	RecvLimitToken  = "token"
	RecvLimitFunnel = "funnel"
)

// newRecvLimiter builds the limiter for mode, or nil when limiting is off.
func newRecvLimiter(mode string, limit, burst int) RecvLimiter {
	if limit <= 0 {
		return nil
	}
	switch mode {
	case RecvLimitToken, "":
		return NewTokenRecvLimiter(limit, burst)
	case RecvLimitFunnel:
		return NewFunnelRecvLimiter(limit)
	default:
		return nil
	}
}
