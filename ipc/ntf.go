package ipc

import (
	"errors"
	"fmt"
)

// NtfSender pushes events to clients after checking them against the catalogue.
type NtfSender struct {
	msgManager *MessageManager
}

func NewNtfSender(msgManager *MessageManager) *NtfSender {
	if msgManager == nil {
		msgManager = Messages()
	}
	return &NtfSender{msgManager: msgManager}
}

// NtfClient sends an event of (group, function) to the client at address.
func (s *NtfSender) NtfClient(bus Bus, address, group, function uint32, payload []byte) error {
	if bus == nil {
		return errors.New("ntf bus is nil")
	}

	info, ok := s.msgManager.GetMsgInfo(group, function)
	if !ok || info == nil {
		return fmt.Errorf("%s ntf no msg info", s.msgManager.Name(group, function))
	}
	if !info.IsNtf() {
		return fmt.Errorf("%s ntf is not ntf msg", info.Name)
	}
	if len(payload) < info.MinSize {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortMessage, info.Name, info.MinSize, len(payload))
	}

	return bus.SendMessage(NewMessage(address, 0, group, function, payload))
}

// SendEvent sends through the default catalogue.
func SendEvent(bus Bus, address, group, function uint32, payload []byte) error {
	return NewNtfSender(nil).NtfClient(bus, address, group, function, payload)
}
