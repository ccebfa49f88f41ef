package ipc

import (
	"errors"
	"fmt"
	"sync"
)

// MsgKind classifies a function id.
type MsgKind int

const (
	KindRequest MsgKind = iota + 1
	KindEvent
)

func (k MsgKind) String() string {
	switch k {
	case KindRequest:
		return "req"
	case KindEvent:
		return "ntf"
	default:
		return "unknown"
	}
}

// MsgInfo describes one function of a message group.
type MsgInfo struct {
	Group    uint32
	Function uint32
	Name     string
	Kind     MsgKind
	// MinSize is the smallest valid request or event payload.
	MinSize int
	// ResMinSize is the smallest valid response payload. Requests only.
	ResMinSize int
}

func (pi *MsgInfo) IsReq() bool { return pi.Kind == KindRequest }
func (pi *MsgInfo) IsNtf() bool { return pi.Kind == KindEvent }

var (
	ErrUnknownFunction = errors.New("ipc: unknown function")
	errInvalidMsgInfo  = errors.New("ipc: invalid message info")
)

// MessageManager is the catalogue of every known (group, function) pair.
type MessageManager struct {
	lock  sync.RWMutex
	infos map[uint64]*MsgInfo
}

func NewMessageManager() *MessageManager {
	return &MessageManager{infos: make(map[uint64]*MsgInfo)}
}

var _defaultMessageManager = NewMessageManager()

// Messages returns the process wide catalogue that manager packages register into.
func Messages() *MessageManager {
	return _defaultMessageManager
}

func msgKey(group, function uint32) uint64 {
	return uint64(group)<<32 | uint64(function)
}

// RegisterMsgInfo adds or replaces an entry.
func (m *MessageManager) RegisterMsgInfo(pi MsgInfo) error {
	if pi.Group < GroupMinimum || pi.Group > GroupMaximum || pi.Function < FunctionMinimum || pi.Name == "" {
		return fmt.Errorf("%w: %+v", errInvalidMsgInfo, pi)
	}
	if pi.Kind != KindRequest && pi.Kind != KindEvent {
		return fmt.Errorf("%w: kind %d", errInvalidMsgInfo, pi.Kind)
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	m.infos[msgKey(pi.Group, pi.Function)] = &pi
	return nil
}

// GetMsgInfo looks up an entry.
func (m *MessageManager) GetMsgInfo(group, function uint32) (*MsgInfo, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	pi, ok := m.infos[msgKey(group, function)]
	return pi, ok
}

// Name returns the registered name, or the function id in hex.
func (m *MessageManager) Name(group, function uint32) string {
	if pi, ok := m.GetMsgInfo(group, function); ok {
		return pi.Name
	}
	return fmt.Sprintf("0x%x/0x%x", group, function)
}

// Validate checks that msg is a known function with a long enough payload.
// Responses are checked against ResMinSize.
func (m *MessageManager) Validate(msg *Message) error {
	pi, ok := m.GetMsgInfo(msg.Group, msg.Function)
	if !ok {
		return fmt.Errorf("%w: group 0x%x function 0x%x", ErrUnknownFunction, msg.Group, msg.Function)
	}
	want := pi.MinSize
	if msg.IsResponse() {
		want = pi.ResMinSize
	}
	if int(msg.Length) < want || len(msg.Payload) < want {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortMessage, pi.Name, want, len(msg.Payload))
	}
	return nil
}

// Infos lists every entry of group.
func (m *MessageManager) Infos(group uint32) []MsgInfo {
	m.lock.RLock()
	defer m.lock.RUnlock()
	var out []MsgInfo
	for _, pi := range m.infos {
		if pi.Group == group {
			out = append(out, *pi)
		}
	}
	return out
}
