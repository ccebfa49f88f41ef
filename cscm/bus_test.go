package cscm

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/db"
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/pm"
)

// fakeBus 是进程内的 ipc.Bus，请求由 respond 同步应答
type fakeBus struct {
	mu       sync.Mutex
	handlers map[uint32]ipc.GroupHandler
	sent     []*ipc.Message
	nextID   uint32
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

func (b *fakeBus) setRespond(fn func(req *ipc.Message) (*ipc.Message, error)) {
	b.mu.Lock()
	b.respond = fn
	b.mu.Unlock()
}

func (b *fakeBus) handler(group uint32) ipc.GroupHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[group]
}

// inject 模拟客户端 from 发来的请求
func (b *fakeBus) inject(from, id, function uint32, payload []byte) {
	b.handler(Group)(ipc.NewMessage(from, id, Group, function, payload))
}

// response 等待对消息 id 的应答
func (b *fakeBus) response(t *testing.T, id uint32) *ipc.Message {
	t.Helper()
	var res *ipc.Message
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, m := range b.sent {
			if m.IsResponse() && m.MessageID == id|ipc.ResponseMask {
				res = m
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
	return res
}

// events 返回发往 client 的事件
func (b *fakeBus) events(client uint32) []*ipc.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*ipc.Message
	for _, m := range b.sent {
		if !m.IsResponse() && m.AddressID == client {
			out = append(out, m)
		}
	}
	return out
}

// fakePower 是可手动触发事件的电源
type fakePower struct {
	mu      sync.Mutex
	powered bool
	subs    map[int]func(pm.DeviceEvent)
	next    int
}

func newFakePower(powered bool) *fakePower {
	return &fakePower{powered: powered, subs: make(map[int]func(pm.DeviceEvent))}
}

func (p *fakePower) Powered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.powered
}

func (p *fakePower) Subscribe(fn func(pm.DeviceEvent)) func() {
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

func (p *fakePower) emit(ev pm.DeviceEvent) {
	p.mu.Lock()
	p.powered = ev == pm.DevicePoweredOn
	subs := make([]func(pm.DeviceEvent), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// memStore 是内存版 db.SensorStore
type memStore struct {
	mu      sync.Mutex
	sensors map[bt.Addr]db.Sensor
}

func newMemStore() *memStore {
	return &memStore{sensors: make(map[bt.Addr]db.Sensor)}
}

func (s *memStore) SaveSensor(_ context.Context, rec db.Sensor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensors[rec.Address] = rec
	return nil
}

func (s *memStore) GetSensor(_ context.Context, addr bt.Addr) (db.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sensors[addr]
	if !ok {
		return db.Sensor{}, db.ErrRecordNotExist
	}
	return rec, nil
}

func (s *memStore) DeleteSensor(_ context.Context, addr bt.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sensors, addr)
	return nil
}

func (s *memStore) ListSensors(context.Context) ([]db.Sensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.Sensor, 0, len(s.sensors))
	for _, rec := range s.sensors {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out, nil
}

func (s *memStore) has(addr bt.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sensors[addr]
	return ok
}

// eventLog 收集回调收到的事件
type eventLog struct {
	mu  sync.Mutex
	evs []Event
}

func (l *eventLog) callback(ev Event, _ any) {
	l.mu.Lock()
	l.evs = append(l.evs, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.evs...)
}

func (l *eventLog) functions() []uint32 {
	var out []uint32
	for _, ev := range l.snapshot() {
		out = append(out, ev.Function())
	}
	return out
}

// wait 等到出现 function 对应的第 n 个事件并返回它
func (l *eventLog) wait(t *testing.T, function uint32, n int) Event {
	t.Helper()
	var found Event
	require.Eventually(t, func() bool {
		seen := 0
		for _, ev := range l.snapshot() {
			if ev.Function() == function {
				seen++
				if seen == n {
					found = ev
					return true
				}
			}
		}
		return false
	}, time.Second, 2*time.Millisecond, "event 0x%x #%d", function, n)
	return found
}

func (l *eventLog) count(function uint32) int {
	n := 0
	for _, ev := range l.snapshot() {
		if ev.Function() == function {
			n++
		}
	}
	return n
}
