// Package cscm is the Cycling Speed and Cadence manager. The Server owns the
// collector role on the daemon; the Manager is the same API for applications
// talking to the daemon over ipc.
package cscm

import (
	"fmt"

	"github.com/lcx/btpm/bt"
)

// Group is the message group of the CSC manager.
const Group uint32 = 0x110E

// Request functions.
const (
	FunctionRegisterCollectorEvents   uint32 = 0x1001
	FunctionUnRegisterCollectorEvents uint32 = 0x1002
	FunctionQueryConnectedSensors     uint32 = 0x1101
	FunctionConfigureRemoteSensor     uint32 = 0x1102
	FunctionUnConfigureRemoteSensor   uint32 = 0x1103
	FunctionGetConnectedSensorInfo    uint32 = 0x1104
	FunctionGetSensorLocation         uint32 = 0x1105
	FunctionUpdateCumulativeValue     uint32 = 0x1106
	FunctionUpdateSensorLocation      uint32 = 0x1107
)

// Event functions.
const (
	FunctionConnected                  uint32 = 0x10001
	FunctionDisconnected               uint32 = 0x10002
	FunctionConfigurationStatusChanged uint32 = 0x10003
	FunctionMeasurement                uint32 = 0x11001
	FunctionSensorLocationResponse     uint32 = 0x11002
	FunctionCumulativeValueUpdated     uint32 = 0x11003
	FunctionSensorLocationUpdated      uint32 = 0x11004
	FunctionProcedureComplete          uint32 = 0x11005
)

// SensorLocation is where a sensor is mounted.
type SensorLocation uint32

const (
	LocationOther SensorLocation = iota
	LocationTopOfShoe
	LocationInShoe
	LocationHip
	LocationFrontWheel
	LocationLeftCrank
	LocationRightCrank
	LocationLeftPedal
	LocationRightPedal
	LocationFrontHub
	LocationRearDropout
	LocationChainstay
	LocationRearWheel
	LocationRearHub
	LocationChest

	maxLocation = LocationChest
)

var locationNames = [...]string{
	"other", "top_of_shoe", "in_shoe", "hip", "front_wheel", "left_crank",
	"right_crank", "left_pedal", "right_pedal", "front_hub", "rear_dropout",
	"chainstay", "rear_wheel", "rear_hub", "chest",
}

func (l SensorLocation) String() string {
	if l.Valid() {
		return locationNames[l]
	}
	return fmt.Sprintf("location(%d)", uint32(l))
}

func (l SensorLocation) Valid() bool { return l <= maxLocation }

// Mask is the bit of l in a supported-locations mask.
func (l SensorLocation) Mask() uint32 {
	if !l.Valid() {
		return 0
	}
	return 1 << l
}

// ParseSensorLocation accepts a location name or its number.
func ParseSensorLocation(s string) (SensorLocation, error) {
	for i, name := range locationNames {
		if name == s {
			return SensorLocation(i), nil
		}
	}
	var n uint32
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && SensorLocation(n).Valid() {
		return SensorLocation(n), nil
	}
	return 0, fmt.Errorf("unknown sensor location %q", s)
}

// Locations lists the locations set in mask.
func Locations(mask uint32) []SensorLocation {
	var out []SensorLocation
	for l := LocationOther; l <= maxLocation; l++ {
		if mask&l.Mask() != 0 {
			out = append(out, l)
		}
	}
	return out
}

// ConfigureFlags modify ConfigureRemoteSensor.
type ConfigureFlags uint32

// ConfigureSkipSupportedSensorLocations skips reading the supported
// locations from the sensor.
const ConfigureSkipSupportedSensorLocations ConfigureFlags = 0x00000001

// Optional characteristics a sensor may expose.
const (
	CharacteristicSensorLocation uint32 = 0x00000001
	CharacteristicControlPoint   uint32 = 0x00000002
)

// Supported features read during configuration.
const (
	FeatureWheelRevolutionData     uint32 = 0x00000001
	FeatureCrankRevolutionData     uint32 = 0x00000002
	FeatureMultipleSensorLocations uint32 = 0x00000004
)

// Measurement flags.
const (
	MeasurementWheelRevolutionDataPresent uint32 = 0x00000001
	MeasurementCrankRevolutionDataPresent uint32 = 0x00000002
)

// ConfigurationStatus is the outcome of a configuration.
type ConfigurationStatus uint32

const (
	ConfigurationSuccess             ConfigurationStatus = 0
	ConfigurationGATTOperationFailed ConfigurationStatus = 1
	ConfigurationCancelled           ConfigurationStatus = 2
	ConfigurationUnknownError        ConfigurationStatus = 0xFFFFFFFF
)

func (s ConfigurationStatus) String() string {
	switch s {
	case ConfigurationSuccess:
		return "success"
	case ConfigurationGATTOperationFailed:
		return "gatt_operation_failed"
	case ConfigurationCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ProcedureStatus is the outcome of a control point procedure or a location read.
type ProcedureStatus uint32

const (
	ProcedureSuccess ProcedureStatus = iota
	ProcedureFailureSecurity
	ProcedureFailureInsufficientResources
	ProcedureFailureTimeout
	ProcedureFailureInvalidResponse
	ProcedureFailureErrorResponse
	ProcedureFailureUnknown
)

func (s ProcedureStatus) String() string {
	switch s {
	case ProcedureSuccess:
		return "success"
	case ProcedureFailureSecurity:
		return "security"
	case ProcedureFailureInsufficientResources:
		return "insufficient_resources"
	case ProcedureFailureTimeout:
		return "timeout"
	case ProcedureFailureInvalidResponse:
		return "invalid_response"
	case ProcedureFailureErrorResponse:
		return "error_response"
	default:
		return "unknown"
	}
}

// ConnectedSensor describes a sensor the collector is connected to.
// SupportedFeatures and SupportedSensorLocations are known once configured.
type ConnectedSensor struct {
	Address                          bt.Addr
	SupportedOptionalCharacteristics uint32
	Configured                       bool
	SupportedFeatures                uint32
	SupportedSensorLocations         uint32
}

// HasControlPoint reports whether the sensor exposes the control point.
func (c *ConnectedSensor) HasControlPoint() bool {
	return c.SupportedOptionalCharacteristics&CharacteristicControlPoint != 0
}

// HasSensorLocation reports whether the sensor location can be read.
func (c *ConnectedSensor) HasSensorLocation() bool {
	return c.SupportedOptionalCharacteristics&CharacteristicSensorLocation != 0
}

// WheelData is cumulative wheel revolution data.
type WheelData struct {
	CumulativeRevolutions uint32
	LastEventTime         uint16
}

// CrankData is cumulative crank revolution data.
type CrankData struct {
	CumulativeRevolutions uint16
	LastEventTime         uint16
}

// EventCallback receives collector events. It runs without the manager lock
// held and may call back into the manager.
type EventCallback func(ev Event, param any)
