package cscm

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/pm"
)

// sinkLog 以文本形式记录 CollectorEvents 回调
type sinkLog struct {
	mu    sync.Mutex
	lines []string
}

func (s *sinkLog) add(format string, args ...any) {
	s.mu.Lock()
	s.lines = append(s.lines, fmt.Sprintf(format, args...))
	s.mu.Unlock()
}

func (s *sinkLog) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *sinkLog) SensorConnected(addr bt.Addr, chars uint32) {
	s.add("connected %s %d", addr, chars)
}

func (s *sinkLog) SensorDisconnected(addr bt.Addr) {
	s.add("disconnected %s", addr)
}

func (s *sinkLog) ConfigurationComplete(addr bt.Addr, status ConfigurationStatus, features, locations uint32) {
	s.add("configured %s %s %d 0x%x", addr, status, features, locations)
}

func (s *sinkLog) Measurement(addr bt.Addr, flags uint32, wheel WheelData, crank CrankData) {
	s.add("measurement %s %d %d/%d %d/%d", addr, flags, wheel.CumulativeRevolutions, wheel.LastEventTime, crank.CumulativeRevolutions, crank.LastEventTime)
}

func (s *sinkLog) SensorLocationRead(addr bt.Addr, status ProcedureStatus, location SensorLocation) {
	s.add("location %s %s %s", addr, status, location)
}

func (s *sinkLog) ControlPointComplete(addr bt.Addr, status ProcedureStatus, code uint32) {
	s.add("control_point %s %s %d", addr, status, code)
}

func (s *sinkLog) waitLen(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.snapshot()) >= n }, time.Second, 2*time.Millisecond)
	return s.snapshot()
}

func testSensor(addr bt.Addr) SimSensor {
	return SimSensor{
		Address:                 addr,
		OptionalCharacteristics: CharacteristicSensorLocation | CharacteristicControlPoint,
		Features:                FeatureWheelRevolutionData | FeatureCrankRevolutionData | FeatureMultipleSensorLocations,
		SupportedLocations:      LocationLeftCrank.Mask() | LocationRearHub.Mask(),
		Location:                LocationLeftCrank,
	}
}

func TestSimCollectorOrderedDelivery(t *testing.T) {
	c := NewSimCollector(0)
	sink := &sinkLog{}
	require.NoError(t, c.Start(sink))
	defer c.Stop()

	c.Connect(testSensor(addrA))
	require.NoError(t, c.Configure(addrA, 0))
	c.Tick(time.Second)
	require.NoError(t, c.ReadSensorLocation(addrA))
	require.NoError(t, c.WriteCumulativeValue(addrA, 500))
	require.NoError(t, c.WriteSensorLocation(addrA, LocationChest))
	c.Disconnect(addrA)

	lines := sink.waitLen(t, 7)
	assert.Equal(t, []string{
		"connected " + addrA.String() + " 3",
		"configured " + addrA.String() + " success 7 0x2020",
		"measurement " + addrA.String() + " 3 1/1024 1/1024",
		"location " + addrA.String() + " success left_crank",
		"control_point " + addrA.String() + " success 0",
		"control_point " + addrA.String() + " error_response 3",
		"disconnected " + addrA.String(),
	}, lines)

	sensors := c.Sensors()
	require.Len(t, sensors, 1)
	assert.Equal(t, uint32(500), sensors[0].Wheel.CumulativeRevolutions)
	assert.Equal(t, LocationLeftCrank, sensors[0].Location)
}

func TestSimCollectorErrors(t *testing.T) {
	c := NewSimCollector(0)
	sink := &sinkLog{}
	require.NoError(t, c.Start(sink))
	defer c.Stop()

	assert.ErrorIs(t, c.Configure(addrA, 0), pm.ErrDeviceNotConnected)
	assert.ErrorIs(t, c.ReadSensorLocation(addrA), pm.ErrDeviceNotConnected)

	s := testSensor(addrA)
	s.ResponseCode = 0x04
	c.Connect(s)
	require.NoError(t, c.Configure(addrA, ConfigureSkipSupportedSensorLocations))
	require.NoError(t, c.WriteCumulativeValue(addrA, 1))

	lines := sink.waitLen(t, 3)
	assert.Equal(t, "configured "+addrA.String()+" success 7 0x0", lines[1])
	assert.Equal(t, "control_point "+addrA.String()+" error_response 4", lines[2])

	c.Disconnect(addrA)
	sink.waitLen(t, 4)
	assert.ErrorIs(t, c.WriteCumulativeValue(addrA, 1), pm.ErrDeviceNotConnected)
}

func TestSimCollectorHoldAndStop(t *testing.T) {
	c := NewSimCollector(0)
	sink := &sinkLog{}
	require.NoError(t, c.Start(sink))
	// 重复启动无副作用
	require.NoError(t, c.Start(sink))

	c.Hold()
	c.Connect(testSensor(addrA))
	c.Connect(testSensor(addrB))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.snapshot())

	c.Release()
	assert.Len(t, sink.waitLen(t, 2), 2)

	c.Hold()
	c.Disconnect(addrA)
	require.NoError(t, c.Stop())
	c.Release()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.snapshot(), 2, "queued outcome dropped by Stop")
}

func TestSimCollectorTickSkipsUnconfigured(t *testing.T) {
	c := NewSimCollector(0)
	sink := &sinkLog{}
	require.NoError(t, c.Start(sink))
	defer c.Stop()

	c.Connect(testSensor(addrA))
	s := testSensor(addrB)
	s.Features = FeatureCrankRevolutionData
	c.Connect(s)
	require.NoError(t, c.Configure(addrB, 0))
	c.Tick(500 * time.Millisecond)

	lines := sink.waitLen(t, 4)
	assert.Equal(t, "measurement "+addrB.String()+" 2 0/0 1/512", lines[3])
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, sink.snapshot(), 4)
}
