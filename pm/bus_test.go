package pm

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lcx/btpm/ipc"
)

// fakeBus 是进程内的 ipc.Bus，请求由 respond 同步应答
type fakeBus struct {
	mu       sync.Mutex
	handlers map[uint32]ipc.GroupHandler
	sent     []*ipc.Message
	nextID   uint32
	regErr   error
	respond  func(req *ipc.Message) (*ipc.Message, error)
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[uint32]ipc.GroupHandler), nextID: 1}
}

func (b *fakeBus) SendMessage(msg *ipc.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, msg)
	return nil
}

func (b *fakeBus) SendMessageResponse(ctx context.Context, msg *ipc.Message, timeout time.Duration) (*ipc.Message, error) {
	b.mu.Lock()
	respond := b.respond
	b.mu.Unlock()
	if respond == nil {
		return nil, errors.New("no responder")
	}
	return respond(msg)
}

func (b *fakeBus) RegisterGroupHandler(group uint32, h ipc.GroupHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.regErr != nil {
		return b.regErr
	}
	if _, ok := b.handlers[group]; ok {
		return errors.New("duplicate group")
	}
	b.handlers[group] = h
	return nil
}

func (b *fakeBus) UnregisterGroupHandler(group uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, group)
}

func (b *fakeBus) ServerAddress() uint32 { return ipc.ServerAddressID }

func (b *fakeBus) NextMessageID() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID = ipc.NextID(id)
	return id
}

func (b *fakeBus) handler(group uint32) ipc.GroupHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[group]
}

// fakePower 是可手动触发事件的电源
type fakePower struct {
	mu      sync.Mutex
	powered bool
	subs    map[int]func(DeviceEvent)
	next    int
}

func newFakePower(powered bool) *fakePower {
	return &fakePower{powered: powered, subs: make(map[int]func(DeviceEvent))}
}

func (p *fakePower) Powered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.powered
}

func (p *fakePower) Subscribe(fn func(DeviceEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.next
	p.next++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs, id)
	}
}

func (p *fakePower) emit(ev DeviceEvent) {
	p.mu.Lock()
	p.powered = ev == DevicePoweredOn
	subs := make([]func(DeviceEvent), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (p *fakePower) subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
