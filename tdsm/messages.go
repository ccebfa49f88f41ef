package tdsm

import (
	"fmt"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/pm"
)

const (
	syncTrainParamsSize = 2 + 2 + 4 + 1
	csbParamsSize       = 2 + 2 + 2 + 1
	broadcastInfoSize   = 1 + 2 + 1 + 1 + 1 + 4*2
	updateSize          = 4 + 1 + 1 + 4*2 + 1

	controlRequestSize    = 4
	writeSyncRequestSize  = controlRequestSize + syncTrainParamsSize
	enableCSBRequestSize  = controlRequestSize + csbParamsSize
	updateRequestSize     = controlRequestSize + updateSize
	registerRequestSize   = 1
	unregisterRequestSize = 4

	intervalResponseSize = pm.StatusSize + 2
	infoResponseSize     = pm.StatusSize + broadcastInfoSize

	announcementEventSize      = bt.AddrSize + 4 + 4
	syncTrainCompleteEventSize = 4
	channelMapEventSize        = ChannelMapSize
)

func init() {
	msgs := ipc.Messages()
	reqs := []struct {
		fn     uint32
		name   string
		min    int
		resMin int
	}{
		{FunctionWriteSyncTrainParams, "TDSM.WriteSyncTrainParams", writeSyncRequestSize, pm.StatusSize},
		{FunctionStartSyncTrain, "TDSM.StartSyncTrain", controlRequestSize, pm.StatusSize},
		{FunctionEnableCSB, "TDSM.EnableCSB", enableCSBRequestSize, pm.StatusSize},
		{FunctionDisableCSB, "TDSM.DisableCSB", controlRequestSize, pm.StatusSize},
		{FunctionGetCurrentBroadcastInfo, "TDSM.GetCurrentBroadcastInfo", 0, pm.StatusSize},
		{FunctionUpdateBroadcastInfo, "TDSM.UpdateBroadcastInfo", updateRequestSize, pm.StatusSize},
		{FunctionRegisterEvents, "TDSM.RegisterEvents", registerRequestSize, pm.StatusSize},
		{FunctionUnRegisterEvents, "TDSM.UnRegisterEvents", unregisterRequestSize, pm.StatusSize},
	}
	for _, r := range reqs {
		mustRegister(msgs, ipc.MsgInfo{Group: Group, Function: r.fn, Name: r.name, Kind: ipc.KindRequest, MinSize: r.min, ResMinSize: r.resMin})
	}

	evs := []struct {
		fn   uint32
		name string
		min  int
	}{
		{FunctionDisplayConnectionAnnouncement, "TDSM.DisplayConnectionAnnouncement", announcementEventSize},
		{FunctionSyncTrainComplete, "TDSM.SyncTrainComplete", syncTrainCompleteEventSize},
		{FunctionCSBSupervisionTimeout, "TDSM.CSBSupervisionTimeout", 0},
		{FunctionChannelMapChange, "TDSM.ChannelMapChange", channelMapEventSize},
		{FunctionSlavePageResponseTimeout, "TDSM.SlavePageResponseTimeout", 0},
	}
	for _, e := range evs {
		mustRegister(msgs, ipc.MsgInfo{Group: Group, Function: e.fn, Name: e.name, Kind: ipc.KindEvent, MinSize: e.min})
	}
}

func mustRegister(msgs *ipc.MessageManager, info ipc.MsgInfo) {
	if err := msgs.RegisterMsgInfo(info); err != nil {
		panic(err)
	}
}

func checkSize(payload []byte, want int, what string) error {
	if len(payload) < want {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ipc.ErrShortMessage, what, want, len(payload))
	}
	return nil
}

func putSyncTrainParams(w *ipc.Writer, p *SyncTrainParams) *ipc.Writer {
	return w.Uint16(p.MinInterval).Uint16(p.MaxInterval).Uint32(p.Timeout).Uint8(p.ServiceData)
}

func readSyncTrainParams(r *ipc.Reader) SyncTrainParams {
	return SyncTrainParams{
		MinInterval: r.Uint16(),
		MaxInterval: r.Uint16(),
		Timeout:     r.Uint32(),
		ServiceData: r.Uint8(),
	}
}

func putCSBParams(w *ipc.Writer, p *CSBParams) *ipc.Writer {
	return w.Uint16(p.MinInterval).Uint16(p.MaxInterval).Uint16(p.SupervisionTimeout).Bool(p.LowPowerEnabled)
}

func readCSBParams(r *ipc.Reader) CSBParams {
	return CSBParams{
		MinInterval:        r.Uint16(),
		MaxInterval:        r.Uint16(),
		SupervisionTimeout: r.Uint16(),
		LowPowerEnabled:    r.Bool(),
	}
}

func putBroadcastInfo(w *ipc.Writer, i *CurrentBroadcastInformation) *ipc.Writer {
	return w.Bool(i.CurrentBroadcasting).
		Uint16(i.LastKnownPeriod).
		Uint8(i.LastKnownPeriodFraction).
		Uint8(i.VideoMode).
		Uint8(i.SyncsPerClockCapture).
		Int16(i.LeftOpenOffset).
		Int16(i.LeftCloseOffset).
		Int16(i.RightOpenOffset).
		Int16(i.RightCloseOffset)
}

func readBroadcastInfo(r *ipc.Reader) CurrentBroadcastInformation {
	return CurrentBroadcastInformation{
		CurrentBroadcasting:     r.Bool(),
		LastKnownPeriod:         r.Uint16(),
		LastKnownPeriodFraction: r.Uint8(),
		VideoMode:               r.Uint8(),
		SyncsPerClockCapture:    r.Uint8(),
		LeftOpenOffset:          r.Int16(),
		LeftCloseOffset:         r.Int16(),
		RightOpenOffset:         r.Int16(),
		RightCloseOffset:        r.Int16(),
	}
}

func putUpdate(w *ipc.Writer, u *BroadcastInformationUpdate) *ipc.Writer {
	return w.Uint32(uint32(u.Flags)).
		Uint8(u.VideoMode).
		Uint8(u.SyncsPerClockCapture).
		Int16(u.LeftOpenOffset).
		Int16(u.LeftCloseOffset).
		Int16(u.RightOpenOffset).
		Int16(u.RightCloseOffset).
		Bool(u.Broadcast3D)
}

func readUpdate(r *ipc.Reader) BroadcastInformationUpdate {
	return BroadcastInformationUpdate{
		Flags:                UpdateFlags(r.Uint32()),
		VideoMode:            r.Uint8(),
		SyncsPerClockCapture: r.Uint8(),
		LeftOpenOffset:       r.Int16(),
		LeftCloseOffset:      r.Int16(),
		RightOpenOffset:      r.Int16(),
		RightCloseOffset:     r.Int16(),
		Broadcast3D:          r.Bool(),
	}
}

// Requests. Every privileged request opens with the control callback id.

type controlRequest struct {
	CallbackID uint32
}

func (q controlRequest) Encode() []byte {
	return ipc.NewWriter(controlRequestSize).Uint32(q.CallbackID).Bytes()
}

func decodeControlRequest(payload []byte, what string) (q controlRequest, err error) {
	if err = checkSize(payload, controlRequestSize, what); err != nil {
		return q, err
	}
	q.CallbackID = ipc.NewReader(payload).Uint32()
	return q, nil
}

type writeSyncTrainRequest struct {
	CallbackID uint32
	Params     SyncTrainParams
}

func (q writeSyncTrainRequest) Encode() []byte {
	return putSyncTrainParams(ipc.NewWriter(writeSyncRequestSize).Uint32(q.CallbackID), &q.Params).Bytes()
}

func decodeWriteSyncTrainRequest(payload []byte) (q writeSyncTrainRequest, err error) {
	if err = checkSize(payload, writeSyncRequestSize, "sync train params request"); err != nil {
		return q, err
	}
	r := ipc.NewReader(payload)
	q.CallbackID = r.Uint32()
	q.Params = readSyncTrainParams(r)
	return q, r.Err()
}

type enableCSBRequest struct {
	CallbackID uint32
	Params     CSBParams
}

func (q enableCSBRequest) Encode() []byte {
	return putCSBParams(ipc.NewWriter(enableCSBRequestSize).Uint32(q.CallbackID), &q.Params).Bytes()
}

func decodeEnableCSBRequest(payload []byte) (q enableCSBRequest, err error) {
	if err = checkSize(payload, enableCSBRequestSize, "enable broadcast request"); err != nil {
		return q, err
	}
	r := ipc.NewReader(payload)
	q.CallbackID = r.Uint32()
	q.Params = readCSBParams(r)
	return q, r.Err()
}

type updateRequest struct {
	CallbackID uint32
	Update     BroadcastInformationUpdate
}

func (q updateRequest) Encode() []byte {
	return putUpdate(ipc.NewWriter(updateRequestSize).Uint32(q.CallbackID), &q.Update).Bytes()
}

func decodeUpdateRequest(payload []byte) (q updateRequest, err error) {
	if err = checkSize(payload, updateRequestSize, "update broadcast request"); err != nil {
		return q, err
	}
	r := ipc.NewReader(payload)
	q.CallbackID = r.Uint32()
	q.Update = readUpdate(r)
	return q, r.Err()
}

func encodeRegisterRequest(control bool) []byte {
	return ipc.NewWriter(registerRequestSize).Bool(control).Bytes()
}

func decodeRegisterRequest(payload []byte) (bool, error) {
	if err := checkSize(payload, registerRequestSize, "register request"); err != nil {
		return false, err
	}
	return ipc.NewReader(payload).Bool(), nil
}

func encodeUint32(v uint32) []byte {
	return ipc.NewWriter(4).Uint32(v).Bytes()
}

func decodeUint32(payload []byte, what string) (uint32, error) {
	if err := checkSize(payload, 4, what); err != nil {
		return 0, err
	}
	return ipc.NewReader(payload).Uint32(), nil
}

// Events.

// Event is a 3D Sync event as delivered to callbacks and carried on the wire.
type Event interface {
	// Function is the event's function id in Group.
	Function() uint32
	Encode() []byte
}

// DisplayConnectionAnnouncementEvent is sent when a pair of glasses
// announces itself to the display.
type DisplayConnectionAnnouncementEvent struct {
	Addr         bt.Addr
	Flags        uint32
	BatteryLevel uint32
}

func (e *DisplayConnectionAnnouncementEvent) Function() uint32 {
	return FunctionDisplayConnectionAnnouncement
}

func (e *DisplayConnectionAnnouncementEvent) Encode() []byte {
	return ipc.NewWriter(announcementEventSize).Raw(e.Addr[:]).Uint32(e.Flags).Uint32(e.BatteryLevel).Bytes()
}

// BatteryReported reports whether the glasses sent a battery level.
func (e *DisplayConnectionAnnouncementEvent) BatteryReported() bool {
	return e.Flags&AnnouncementBatteryLevelDisplay != 0 && e.BatteryLevel != BatteryLevelNotSupported
}

// SyncTrainCompleteEvent ends a synchronization train. Status 0 is success.
type SyncTrainCompleteEvent struct {
	Status uint32
}

func (e *SyncTrainCompleteEvent) Function() uint32 { return FunctionSyncTrainComplete }

func (e *SyncTrainCompleteEvent) Encode() []byte {
	return ipc.NewWriter(syncTrainCompleteEventSize).Uint32(e.Status).Bytes()
}

// CSBSupervisionTimeoutEvent means the broadcast stopped on its own.
type CSBSupervisionTimeoutEvent struct{}

func (e *CSBSupervisionTimeoutEvent) Function() uint32 { return FunctionCSBSupervisionTimeout }
func (e *CSBSupervisionTimeoutEvent) Encode() []byte   { return nil }

type ChannelMapChangeEvent struct {
	ChannelMap ChannelMap
}

func (e *ChannelMapChangeEvent) Function() uint32 { return FunctionChannelMapChange }

func (e *ChannelMapChangeEvent) Encode() []byte {
	return ipc.NewWriter(channelMapEventSize).Raw(e.ChannelMap[:]).Bytes()
}

type SlavePageResponseTimeoutEvent struct{}

func (e *SlavePageResponseTimeoutEvent) Function() uint32 { return FunctionSlavePageResponseTimeout }
func (e *SlavePageResponseTimeoutEvent) Encode() []byte   { return nil }

// DecodeEvent parses the payload of an event of function.
func DecodeEvent(function uint32, payload []byte) (Event, error) {
	r := ipc.NewReader(payload)
	var ev Event
	switch function {
	case FunctionDisplayConnectionAnnouncement:
		if err := checkSize(payload, announcementEventSize, "connection announcement event"); err != nil {
			return nil, err
		}
		a := &DisplayConnectionAnnouncementEvent{}
		r.Copy(a.Addr[:])
		a.Flags = r.Uint32()
		a.BatteryLevel = r.Uint32()
		ev = a
	case FunctionSyncTrainComplete:
		if err := checkSize(payload, syncTrainCompleteEventSize, "sync train complete event"); err != nil {
			return nil, err
		}
		ev = &SyncTrainCompleteEvent{Status: r.Uint32()}
	case FunctionCSBSupervisionTimeout:
		ev = &CSBSupervisionTimeoutEvent{}
	case FunctionChannelMapChange:
		if err := checkSize(payload, channelMapEventSize, "channel map event"); err != nil {
			return nil, err
		}
		c := &ChannelMapChangeEvent{}
		r.Copy(c.ChannelMap[:])
		ev = c
	case FunctionSlavePageResponseTimeout:
		ev = &SlavePageResponseTimeoutEvent{}
	default:
		return nil, fmt.Errorf("%w: group 0x%x function 0x%x", ipc.ErrUnknownFunction, Group, function)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return ev, nil
}
