package cscm

import (
	"fmt"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/pm"
)

// Encoded sizes. Every decoder checks the payload against these before
// reading a field.
const (
	connectedSensorSize = bt.AddrSize + 4 + 1 + 4 + 4

	callbackRequestSize         = 4
	queryRequestSize            = 4
	addrRequestSize             = bt.AddrSize
	configureRequestSize        = bt.AddrSize + 4
	getLocationRequestSize      = bt.AddrSize + 4
	updateCumulativeRequestSize = bt.AddrSize + 4
	updateLocationRequestSize   = bt.AddrSize + 4

	registerResponseSize = pm.StatusSize + 4
	queryResponseSize    = pm.StatusSize + 4 + 4
	infoResponseSize     = pm.StatusSize + connectedSensorSize

	connectedEventSize                  = bt.AddrSize + 1 + 4
	disconnectedEventSize               = bt.AddrSize
	configurationStatusChangedEventSize = bt.AddrSize + 1 + 4
	measurementEventSize                = bt.AddrSize + 4 + 4 + 2 + 2 + 2
	sensorLocationResponseEventSize     = bt.AddrSize + 4 + 4 + 4
	cumulativeValueUpdatedEventSize     = bt.AddrSize + 4
	sensorLocationUpdatedEventSize      = bt.AddrSize + 4
	procedureCompleteEventSize          = bt.AddrSize + 4 + 4 + 4
)

func init() {
	msgs := ipc.Messages()
	reqs := []struct {
		fn     uint32
		name   string
		min    int
		resMin int
	}{
		{FunctionRegisterCollectorEvents, "CSCM.RegisterCollectorEvents", 0, pm.StatusSize},
		{FunctionUnRegisterCollectorEvents, "CSCM.UnRegisterCollectorEvents", callbackRequestSize, pm.StatusSize},
		{FunctionQueryConnectedSensors, "CSCM.QueryConnectedSensors", queryRequestSize, pm.StatusSize},
		{FunctionConfigureRemoteSensor, "CSCM.ConfigureRemoteSensor", configureRequestSize, pm.StatusSize},
		{FunctionUnConfigureRemoteSensor, "CSCM.UnConfigureRemoteSensor", addrRequestSize, pm.StatusSize},
		{FunctionGetConnectedSensorInfo, "CSCM.GetConnectedSensorInfo", addrRequestSize, pm.StatusSize},
		{FunctionGetSensorLocation, "CSCM.GetSensorLocation", getLocationRequestSize, pm.StatusSize},
		{FunctionUpdateCumulativeValue, "CSCM.UpdateCumulativeValue", updateCumulativeRequestSize, pm.StatusSize},
		{FunctionUpdateSensorLocation, "CSCM.UpdateSensorLocation", updateLocationRequestSize, pm.StatusSize},
	}
	for _, r := range reqs {
		mustRegister(msgs, ipc.MsgInfo{Group: Group, Function: r.fn, Name: r.name, Kind: ipc.KindRequest, MinSize: r.min, ResMinSize: r.resMin})
	}

	evs := []struct {
		fn   uint32
		name string
		min  int
	}{
		{FunctionConnected, "CSCM.Connected", connectedEventSize},
		{FunctionDisconnected, "CSCM.Disconnected", disconnectedEventSize},
		{FunctionConfigurationStatusChanged, "CSCM.ConfigurationStatusChanged", configurationStatusChangedEventSize},
		{FunctionMeasurement, "CSCM.Measurement", measurementEventSize},
		{FunctionSensorLocationResponse, "CSCM.SensorLocationResponse", sensorLocationResponseEventSize},
		{FunctionCumulativeValueUpdated, "CSCM.CumulativeValueUpdated", cumulativeValueUpdatedEventSize},
		{FunctionSensorLocationUpdated, "CSCM.SensorLocationUpdated", sensorLocationUpdatedEventSize},
		{FunctionProcedureComplete, "CSCM.ProcedureComplete", procedureCompleteEventSize},
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

func putAddr(w *ipc.Writer, a bt.Addr) *ipc.Writer {
	return w.Raw(a[:])
}

func readAddr(r *ipc.Reader) (a bt.Addr) {
	r.Copy(a[:])
	return a
}

func putConnectedSensor(w *ipc.Writer, s *ConnectedSensor) {
	putAddr(w, s.Address).
		Uint32(s.SupportedOptionalCharacteristics).
		Bool(s.Configured).
		Uint32(s.SupportedFeatures).
		Uint32(s.SupportedSensorLocations)
}

func readConnectedSensor(r *ipc.Reader) ConnectedSensor {
	return ConnectedSensor{
		Address:                          readAddr(r),
		SupportedOptionalCharacteristics: r.Uint32(),
		Configured:                       r.Bool(),
		SupportedFeatures:                r.Uint32(),
		SupportedSensorLocations:         r.Uint32(),
	}
}

// Requests.

type addrRequest struct {
	Address bt.Addr
}

func (q addrRequest) Encode() []byte {
	return putAddr(ipc.NewWriter(addrRequestSize), q.Address).Bytes()
}

func decodeAddrRequest(payload []byte) (q addrRequest, err error) {
	if err = checkSize(payload, addrRequestSize, "address request"); err != nil {
		return q, err
	}
	r := ipc.NewReader(payload)
	q.Address = readAddr(r)
	return q, r.Err()
}

// uint32Request is the shape shared by every request that carries an address
// plus one 32-bit field.
type uint32Request struct {
	Address bt.Addr
	Value   uint32
}

func (q uint32Request) Encode() []byte {
	return putAddr(ipc.NewWriter(bt.AddrSize+4), q.Address).Uint32(q.Value).Bytes()
}

func decodeUint32Request(payload []byte, what string) (q uint32Request, err error) {
	if err = checkSize(payload, bt.AddrSize+4, what); err != nil {
		return q, err
	}
	r := ipc.NewReader(payload)
	q.Address = readAddr(r)
	q.Value = r.Uint32()
	return q, r.Err()
}

// Unregister and query requests carry a single 32-bit field.

func encodeUint32(v uint32) []byte {
	return ipc.NewWriter(4).Uint32(v).Bytes()
}

func decodeUint32(payload []byte, what string) (uint32, error) {
	if err := checkSize(payload, 4, what); err != nil {
		return 0, err
	}
	return ipc.NewReader(payload).Uint32(), nil
}

// Responses. The status is read by pm.Module; these decode what follows it.

// decodeQueryBody reads {total, number, sensors[number]}. number may not
// exceed maxEntries.
func decodeQueryBody(r *ipc.Reader, maxEntries uint32) ([]ConnectedSensor, uint32, error) {
	total := r.Uint32()
	number := r.Uint32()
	if r.Err() != nil || number > maxEntries || number > total {
		return nil, 0, pm.ErrResponseMessageInvalid
	}
	if r.Remaining() < int(number)*connectedSensorSize {
		return nil, 0, pm.ErrResponseMessageInvalid
	}
	sensors := make([]ConnectedSensor, 0, number)
	for i := uint32(0); i < number; i++ {
		sensors = append(sensors, readConnectedSensor(r))
	}
	if r.Err() != nil {
		return nil, 0, pm.ErrResponseMessageInvalid
	}
	return sensors, total, nil
}

// Events.

// Event is a collector event as delivered to callbacks and carried on the wire.
type Event interface {
	// Function is the event's function id in Group.
	Function() uint32
	// Address is the sensor the event is about.
	Address() bt.Addr
	Encode() []byte
}

type ConnectedEvent struct {
	Addr                             bt.Addr
	Configured                       bool
	SupportedOptionalCharacteristics uint32
}

func (e *ConnectedEvent) Function() uint32 { return FunctionConnected }
func (e *ConnectedEvent) Address() bt.Addr { return e.Addr }

func (e *ConnectedEvent) Encode() []byte {
	return putAddr(ipc.NewWriter(connectedEventSize), e.Addr).
		Bool(e.Configured).
		Uint32(e.SupportedOptionalCharacteristics).
		Bytes()
}

type DisconnectedEvent struct {
	Addr bt.Addr
}

func (e *DisconnectedEvent) Function() uint32 { return FunctionDisconnected }
func (e *DisconnectedEvent) Address() bt.Addr { return e.Addr }

func (e *DisconnectedEvent) Encode() []byte {
	return putAddr(ipc.NewWriter(disconnectedEventSize), e.Addr).Bytes()
}

type ConfigurationStatusChangedEvent struct {
	Addr       bt.Addr
	Configured bool
	Status     ConfigurationStatus
}

func (e *ConfigurationStatusChangedEvent) Function() uint32 { return FunctionConfigurationStatusChanged }
func (e *ConfigurationStatusChangedEvent) Address() bt.Addr { return e.Addr }

func (e *ConfigurationStatusChangedEvent) Encode() []byte {
	return putAddr(ipc.NewWriter(configurationStatusChangedEventSize), e.Addr).
		Bool(e.Configured).
		Uint32(uint32(e.Status)).
		Bytes()
}

type MeasurementEvent struct {
	Addr  bt.Addr
	Flags uint32
	Wheel WheelData
	Crank CrankData
}

func (e *MeasurementEvent) Function() uint32 { return FunctionMeasurement }
func (e *MeasurementEvent) Address() bt.Addr { return e.Addr }

func (e *MeasurementEvent) Encode() []byte {
	return putAddr(ipc.NewWriter(measurementEventSize), e.Addr).
		Uint32(e.Flags).
		Uint32(e.Wheel.CumulativeRevolutions).
		Uint16(e.Wheel.LastEventTime).
		Uint16(e.Crank.CumulativeRevolutions).
		Uint16(e.Crank.LastEventTime).
		Bytes()
}

// SensorLocationResponseEvent answers GetSensorLocation. It goes only to the
// client that asked.
type SensorLocationResponseEvent struct {
	Addr          bt.Addr
	TransactionID uint32
	Status        ProcedureStatus
	Location      SensorLocation
}

func (e *SensorLocationResponseEvent) Function() uint32 { return FunctionSensorLocationResponse }
func (e *SensorLocationResponseEvent) Address() bt.Addr { return e.Addr }

func (e *SensorLocationResponseEvent) Encode() []byte {
	return putAddr(ipc.NewWriter(sensorLocationResponseEventSize), e.Addr).
		Uint32(e.TransactionID).
		Uint32(uint32(e.Status)).
		Uint32(uint32(e.Location)).
		Bytes()
}

type CumulativeValueUpdatedEvent struct {
	Addr            bt.Addr
	CumulativeValue uint32
}

func (e *CumulativeValueUpdatedEvent) Function() uint32 { return FunctionCumulativeValueUpdated }
func (e *CumulativeValueUpdatedEvent) Address() bt.Addr { return e.Addr }

func (e *CumulativeValueUpdatedEvent) Encode() []byte {
	return putAddr(ipc.NewWriter(cumulativeValueUpdatedEventSize), e.Addr).Uint32(e.CumulativeValue).Bytes()
}

type SensorLocationUpdatedEvent struct {
	Addr     bt.Addr
	Location SensorLocation
}

func (e *SensorLocationUpdatedEvent) Function() uint32 { return FunctionSensorLocationUpdated }
func (e *SensorLocationUpdatedEvent) Address() bt.Addr { return e.Addr }

func (e *SensorLocationUpdatedEvent) Encode() []byte {
	return putAddr(ipc.NewWriter(sensorLocationUpdatedEventSize), e.Addr).Uint32(uint32(e.Location)).Bytes()
}

// ProcedureCompleteEvent ends a control point procedure, successful or not.
// ResponseErrorCode is the sensor's response code when Status is
// ProcedureFailureErrorResponse.
type ProcedureCompleteEvent struct {
	Addr              bt.Addr
	ProcedureID       uint32
	Status            ProcedureStatus
	ResponseErrorCode uint32
}

func (e *ProcedureCompleteEvent) Function() uint32 { return FunctionProcedureComplete }
func (e *ProcedureCompleteEvent) Address() bt.Addr { return e.Addr }

func (e *ProcedureCompleteEvent) Encode() []byte {
	return putAddr(ipc.NewWriter(procedureCompleteEventSize), e.Addr).
		Uint32(e.ProcedureID).
		Uint32(uint32(e.Status)).
		Uint32(e.ResponseErrorCode).
		Bytes()
}

// DecodeEvent parses the payload of an event of function.
func DecodeEvent(function uint32, payload []byte) (Event, error) {
	r := ipc.NewReader(payload)
	var ev Event
	switch function {
	case FunctionConnected:
		if err := checkSize(payload, connectedEventSize, "connected event"); err != nil {
			return nil, err
		}
		ev = &ConnectedEvent{Addr: readAddr(r), Configured: r.Bool(), SupportedOptionalCharacteristics: r.Uint32()}
	case FunctionDisconnected:
		if err := checkSize(payload, disconnectedEventSize, "disconnected event"); err != nil {
			return nil, err
		}
		ev = &DisconnectedEvent{Addr: readAddr(r)}
	case FunctionConfigurationStatusChanged:
		if err := checkSize(payload, configurationStatusChangedEventSize, "configuration status event"); err != nil {
			return nil, err
		}
		ev = &ConfigurationStatusChangedEvent{Addr: readAddr(r), Configured: r.Bool(), Status: ConfigurationStatus(r.Uint32())}
	case FunctionMeasurement:
		if err := checkSize(payload, measurementEventSize, "measurement event"); err != nil {
			return nil, err
		}
		m := &MeasurementEvent{Addr: readAddr(r), Flags: r.Uint32()}
		m.Wheel.CumulativeRevolutions = r.Uint32()
		m.Wheel.LastEventTime = r.Uint16()
		m.Crank.CumulativeRevolutions = r.Uint16()
		m.Crank.LastEventTime = r.Uint16()
		ev = m
	case FunctionSensorLocationResponse:
		if err := checkSize(payload, sensorLocationResponseEventSize, "sensor location response event"); err != nil {
			return nil, err
		}
		ev = &SensorLocationResponseEvent{
			Addr:          readAddr(r),
			TransactionID: r.Uint32(),
			Status:        ProcedureStatus(r.Uint32()),
			Location:      SensorLocation(r.Uint32()),
		}
	case FunctionCumulativeValueUpdated:
		if err := checkSize(payload, cumulativeValueUpdatedEventSize, "cumulative value event"); err != nil {
			return nil, err
		}
		ev = &CumulativeValueUpdatedEvent{Addr: readAddr(r), CumulativeValue: r.Uint32()}
	case FunctionSensorLocationUpdated:
		if err := checkSize(payload, sensorLocationUpdatedEventSize, "sensor location updated event"); err != nil {
			return nil, err
		}
		ev = &SensorLocationUpdatedEvent{Addr: readAddr(r), Location: SensorLocation(r.Uint32())}
	case FunctionProcedureComplete:
		if err := checkSize(payload, procedureCompleteEventSize, "procedure complete event"); err != nil {
			return nil, err
		}
		ev = &ProcedureCompleteEvent{
			Addr:              readAddr(r),
			ProcedureID:       r.Uint32(),
			Status:            ProcedureStatus(r.Uint32()),
			ResponseErrorCode: r.Uint32(),
		}
	default:
		return nil, fmt.Errorf("%w: group 0x%x function 0x%x", ipc.ErrUnknownFunction, Group, function)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return ev, nil
}
