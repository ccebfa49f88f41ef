package tdsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/pm"
)

var glasses = bt.MustParseAddr("00:1A:7D:DA:71:13")

func allEvents() []Event {
	return []Event{
		&DisplayConnectionAnnouncementEvent{Addr: glasses, Flags: AnnouncementAssociationNotification | AnnouncementBatteryLevelDisplay, BatteryLevel: 80},
		&SyncTrainCompleteEvent{Status: 0x3C},
		&CSBSupervisionTimeoutEvent{},
		&ChannelMapChangeEvent{ChannelMap: ChannelMap{0xFF, 0xFF, 0x0F, 0, 0, 0, 0, 0, 0, 0x7F}},
		&SlavePageResponseTimeoutEvent{},
	}
}

func TestDecodeEvent(t *testing.T) {
	for _, ev := range allEvents() {
		payload := ev.Encode()
		info, ok := ipc.Messages().GetMsgInfo(Group, ev.Function())
		require.True(t, ok)
		assert.True(t, info.IsNtf())
		assert.Len(t, payload, info.MinSize, info.Name)

		got, err := DecodeEvent(ev.Function(), payload)
		require.NoError(t, err, info.Name)
		assert.Equal(t, ev, got, info.Name)
	}
}

func TestDecodeEventRejectsTruncated(t *testing.T) {
	for _, ev := range allEvents() {
		payload := ev.Encode()
		for cut := 1; cut <= len(payload); cut++ {
			_, err := DecodeEvent(ev.Function(), payload[:len(payload)-cut])
			assert.ErrorIs(t, err, ipc.ErrShortMessage, "function 0x%x cut %d", ev.Function(), cut)
		}
	}
	_, err := DecodeEvent(0x1FFFF, nil)
	assert.ErrorIs(t, err, ipc.ErrUnknownFunction)
}

func TestCatalogue(t *testing.T) {
	assert.Len(t, ipc.Messages().Infos(Group), 13)

	info, ok := ipc.Messages().GetMsgInfo(Group, FunctionUpdateBroadcastInfo)
	require.True(t, ok)
	assert.True(t, info.IsReq())
	assert.Equal(t, "TDSM.UpdateBroadcastInfo", info.Name)
	assert.Equal(t, 19, info.MinSize)

	info, ok = ipc.Messages().GetMsgInfo(Group, FunctionRegisterEvents)
	require.True(t, ok)
	assert.Equal(t, 1, info.MinSize)
}

func TestRequestCodecs(t *testing.T) {
	w, err := decodeWriteSyncTrainRequest(writeSyncTrainRequest{
		CallbackID: 3,
		Params:     SyncTrainParams{MinInterval: 0x80, MaxInterval: 0x100, Timeout: 0x0002EE00, ServiceData: 0x01},
	}.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), w.CallbackID)
	assert.Equal(t, uint32(0x0002EE00), w.Params.Timeout)

	e, err := decodeEnableCSBRequest(enableCSBRequest{
		CallbackID: 3,
		Params:     CSBParams{MinInterval: 0x50, MaxInterval: 0xA0, SupervisionTimeout: 0x2000, LowPowerEnabled: true},
	}.Encode())
	require.NoError(t, err)
	assert.True(t, e.Params.LowPowerEnabled)
	assert.Equal(t, uint16(0x2000), e.Params.SupervisionTimeout)

	u := BroadcastInformationUpdate{Flags: UpdateLLSOpenOffset | UpdateRLSCloseOffset, LeftOpenOffset: 120, RightCloseOffset: -7, Broadcast3D: true}
	q, err := decodeUpdateRequest(updateRequest{CallbackID: 9, Update: u}.Encode())
	require.NoError(t, err)
	assert.Equal(t, updateRequest{CallbackID: 9, Update: u}, q)

	control, err := decodeRegisterRequest(encodeRegisterRequest(true))
	require.NoError(t, err)
	assert.True(t, control)

	_, err = decodeRegisterRequest(nil)
	assert.ErrorIs(t, err, ipc.ErrShortMessage)
	_, err = decodeUpdateRequest(make([]byte, updateRequestSize-1))
	assert.ErrorIs(t, err, ipc.ErrShortMessage)
	_, err = decodeControlRequest([]byte{1, 0}, "test")
	assert.ErrorIs(t, err, ipc.ErrShortMessage)
}

func TestBroadcastInfoLayout(t *testing.T) {
	info := CurrentBroadcastInformation{
		CurrentBroadcasting:     true,
		LastKnownPeriod:         16683,
		LastKnownPeriodFraction: 85,
		VideoMode:               1,
		SyncsPerClockCapture:    4,
		LeftOpenOffset:          10,
		LeftCloseOffset:         -20,
		RightOpenOffset:         30,
		RightCloseOffset:        -40,
	}
	b := putBroadcastInfo(ipc.NewWriter(broadcastInfoSize), &info).Bytes()
	assert.Len(t, b, broadcastInfoSize)
	assert.Equal(t, info, readBroadcastInfo(ipc.NewReader(b)))
	assert.Equal(t, pm.StatusSize+broadcastInfoSize, infoResponseSize)
}

func TestBroadcastUpdateValidate(t *testing.T) {
	u := BroadcastInformationUpdate{Flags: UpdateLLSOpenOffset, LeftOpenOffset: -1}
	assert.Error(t, u.Validate())
	u.Flags = UpdateLLSCloseOffset
	assert.NoError(t, u.Validate(), "only flagged fields are checked")

	u = BroadcastInformationUpdate{Flags: UpdateRLSCloseOffset, RightCloseOffset: 1}
	assert.Error(t, u.Validate())
	u.RightCloseOffset = 0
	assert.NoError(t, u.Validate())
}

func TestAnnouncementBattery(t *testing.T) {
	ev := &DisplayConnectionAnnouncementEvent{Flags: AnnouncementBatteryLevelDisplay, BatteryLevel: 40}
	assert.True(t, ev.BatteryReported())
	ev.BatteryLevel = BatteryLevelNotSupported
	assert.False(t, ev.BatteryReported())
	ev = &DisplayConnectionAnnouncementEvent{Flags: AnnouncementAssociationNotification, BatteryLevel: 40}
	assert.False(t, ev.BatteryReported())
}

func TestChannelMapUsed(t *testing.T) {
	assert.Equal(t, 0, ChannelMap{}.Used())
	all := ChannelMap{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	assert.Equal(t, 79, all.Used(), "bit 79 is reserved")
	assert.Equal(t, 12, ChannelMap{0xFF, 0x0F}.Used())
}
