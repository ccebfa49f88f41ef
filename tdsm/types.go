// Package tdsm is the 3D Sync manager: the display side of the 3D
// synchronization profile. The Server drives the controller's connectionless
// slave broadcast and synchronization train inside the daemon; the Manager is
// the same API for applications over ipc.
//
// One client at a time may hold the control registration. Only its control
// callback id unlocks the calls that change what is broadcast.
package tdsm

import "fmt"

// Group is the message group of the 3D Sync manager.
const Group uint32 = 0x1110

// Request functions.
const (
	FunctionWriteSyncTrainParams    uint32 = 0x1001
	FunctionStartSyncTrain          uint32 = 0x1002
	FunctionEnableCSB               uint32 = 0x1003
	FunctionDisableCSB              uint32 = 0x1004
	FunctionGetCurrentBroadcastInfo uint32 = 0x1005
	FunctionUpdateBroadcastInfo     uint32 = 0x1006
	FunctionRegisterEvents          uint32 = 0x2001
	FunctionUnRegisterEvents        uint32 = 0x2002
)

// Event functions.
const (
	FunctionDisplayConnectionAnnouncement uint32 = 0x10001
	FunctionSyncTrainComplete             uint32 = 0x10002
	FunctionCSBSupervisionTimeout         uint32 = 0x10003
	FunctionChannelMapChange              uint32 = 0x10004
	FunctionSlavePageResponseTimeout      uint32 = 0x10005
)

// SyncTrainParams configures the synchronization train. Intervals are in
// baseband slots, Timeout in slots too.
type SyncTrainParams struct {
	MinInterval uint16
	MaxInterval uint16
	Timeout     uint32
	ServiceData uint8
}

// CSBParams configures the connectionless slave broadcast.
type CSBParams struct {
	MinInterval        uint16
	MaxInterval        uint16
	SupervisionTimeout uint16
	LowPowerEnabled    bool
}

// CurrentBroadcastInformation is what the display is broadcasting now.
type CurrentBroadcastInformation struct {
	CurrentBroadcasting     bool
	LastKnownPeriod         uint16
	LastKnownPeriodFraction uint8
	VideoMode               uint8
	SyncsPerClockCapture    uint8
	LeftOpenOffset          int16
	LeftCloseOffset         int16
	RightOpenOffset         int16
	RightCloseOffset        int16
}

// UpdateFlags select the fields of a BroadcastInformationUpdate to apply.
type UpdateFlags uint32

const (
	UpdateVideoMode            UpdateFlags = 0x00000001
	UpdateSyncsPerClockCapture UpdateFlags = 0x00000002
	UpdateLLSOpenOffset        UpdateFlags = 0x00000004
	UpdateLLSCloseOffset       UpdateFlags = 0x00000008
	UpdateRLSOpenOffset        UpdateFlags = 0x00000010
	UpdateRLSCloseOffset       UpdateFlags = 0x00000020
	UpdateBroadcast3D          UpdateFlags = 0x00000040
)

// BroadcastInformationUpdate changes the broadcast data. Only the fields
// named in Flags are applied.
type BroadcastInformationUpdate struct {
	Flags                UpdateFlags
	VideoMode            uint8
	SyncsPerClockCapture uint8
	LeftOpenOffset       int16
	LeftCloseOffset      int16
	RightOpenOffset      int16
	RightCloseOffset     int16
	Broadcast3D          bool
}

// Validate checks the offsets that have a required sign: the left lens opens
// at or after the sync instant and the right lens closes at or before it.
func (u *BroadcastInformationUpdate) Validate() error {
	if u.Flags&UpdateLLSOpenOffset != 0 && u.LeftOpenOffset < 0 {
		return fmt.Errorf("left lens open offset %d is negative", u.LeftOpenOffset)
	}
	if u.Flags&UpdateRLSCloseOffset != 0 && u.RightCloseOffset > 0 {
		return fmt.Errorf("right lens close offset %d is positive", u.RightCloseOffset)
	}
	return nil
}

// Display connection announcement flags.
const (
	AnnouncementAssociationNotification uint32 = 0x00000001
	AnnouncementBatteryLevelDisplay     uint32 = 0x00000002
)

// BatteryLevelNotSupported is reported by glasses without a battery gauge.
const BatteryLevelNotSupported uint32 = 255

// ChannelMapSize is the size of an AFH channel map.
const ChannelMapSize = 10

// ChannelMap is the AFH channel map in use by the broadcast.
type ChannelMap [ChannelMapSize]byte

// Used counts the channels marked usable. Bit 79 is reserved.
func (m ChannelMap) Used() int {
	n := 0
	for i := 0; i < 79; i++ {
		if m[i/8]&(1<<(i%8)) != 0 {
			n++
		}
	}
	return n
}

// BroadcastState is a snapshot of the server's broadcast bookkeeping.
type BroadcastState struct {
	Broadcasting bool
	SyncTrainOn  bool
	Broadcast3D  bool
	Info         CurrentBroadcastInformation
}

// EventCallback receives 3D Sync events. It runs without the manager lock
// held and may call back into the manager.
type EventCallback func(ev Event, param any)

