// Package bt holds Bluetooth types shared by the manager packages.
package bt

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// AddrSize is the encoded size of a BD_ADDR.
const AddrSize = 6

var ErrInvalidAddr = errors.New("bt: invalid address")

// Addr is a BD_ADDR, most significant byte first as it is printed.
type Addr [AddrSize]byte

// IsZero reports whether every byte is zero. A zero address never names a device.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

func (a Addr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// PathElement is the address as BlueZ spells it in object paths (dev_AA_BB_...).
func (a Addr) PathElement() string {
	return "dev_" + strings.ReplaceAll(a.String(), ":", "_")
}

// ParseAddr accepts "AA:BB:CC:DD:EE:FF", "AA-BB-..." and "AABBCCDDEEFF".
func ParseAddr(s string) (Addr, error) {
	var a Addr
	clean := strings.NewReplacer(":", "", "-", "", "_", "").Replace(strings.TrimSpace(s))
	if len(clean) != AddrSize*2 {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
	}
	if _, err := hex.Decode(a[:], []byte(clean)); err != nil {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
	}
	return a, nil
}

// MustParseAddr is ParseAddr for constants and tests.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Addr) UnmarshalText(text []byte) error {
	v, err := ParseAddr(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
