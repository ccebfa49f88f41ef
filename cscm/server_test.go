package cscm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/db"
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/pm"
)

const remoteClient uint32 = 0x100

type serverFixture struct {
	s     *Server
	bus   *fakeBus
	sim   *SimCollector
	power *fakePower
	store *memStore
	log   *eventLog
	cbID  uint32
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		bus:   newFakeBus(),
		sim:   NewSimCollector(0),
		power: newFakePower(true),
		store: newMemStore(),
		log:   &eventLog{},
	}
	cfg := pm.DefaultConfig()
	cfg.TimeoutMs = 50
	f.s = NewServer(f.bus, f.sim,
		WithPowerSource(f.power),
		WithConfig(cfg),
		WithSensorStore(func() db.SensorStore { return f.store }),
	)
	require.NoError(t, f.s.Initialize())
	t.Cleanup(func() { _ = f.s.Shutdown() })

	id, err := f.s.RegisterCollectorEventCallback(f.log.callback, nil)
	require.NoError(t, err)
	f.cbID = id
	return f
}

func (f *serverFixture) connect(t *testing.T, s SimSensor) {
	t.Helper()
	n := f.log.count(FunctionConnected)
	f.sim.Connect(s)
	f.log.wait(t, FunctionConnected, n+1)
}

func (f *serverFixture) configure(t *testing.T, addr bt.Addr) {
	t.Helper()
	n := f.log.count(FunctionConfigurationStatusChanged)
	require.NoError(t, f.s.ConfigureRemoteSensor(addr, 0))
	ev := f.log.wait(t, FunctionConfigurationStatusChanged, n+1).(*ConfigurationStatusChangedEvent)
	require.True(t, ev.Configured)
	require.Equal(t, ConfigurationSuccess, ev.Status)
}

// request 以远端客户端身份发请求并返回应答的状态与读取器
func (f *serverFixture) request(t *testing.T, id, function uint32, payload []byte) (int32, *ipc.Reader) {
	t.Helper()
	f.bus.inject(remoteClient, id, function, payload)
	res := f.bus.response(t, id)
	assert.Equal(t, remoteClient, res.AddressID)
	r := ipc.NewReader(res.Payload)
	return r.Int32(), r
}

func TestServerNotInitialized(t *testing.T) {
	s := NewServer(newFakeBus(), NewSimCollector(0))
	_, err := s.RegisterCollectorEventCallback(func(Event, any) {}, nil)
	assert.ErrorIs(t, err, pm.ErrNotInitialized)
	_, _, err = s.QueryConnectedSensors(4)
	assert.ErrorIs(t, err, pm.ErrNotInitialized)
	assert.ErrorIs(t, s.ConfigureRemoteSensor(addrA, 0), pm.ErrNotInitialized)
	_, err = s.UpdateCumulativeValue(addrA, 1)
	assert.ErrorIs(t, err, pm.ErrNotInitialized)
	assert.NoError(t, s.Shutdown())

	sensors, err := s.RememberedSensors(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, sensors)
}

func TestServerCallbackRegistration(t *testing.T) {
	f := newServerFixture(t)

	_, err := f.s.RegisterCollectorEventCallback(nil, nil)
	assert.ErrorIs(t, err, pm.ErrInvalidParameter)

	id, err := f.s.RegisterCollectorEventCallback(func(Event, any) {}, "p")
	require.NoError(t, err)
	assert.NotEqual(t, f.cbID, id)

	require.NoError(t, f.s.UnRegisterCollectorEventCallback(id))
	assert.ErrorIs(t, f.s.UnRegisterCollectorEventCallback(id), pm.ErrInvalidCallbackID)
	assert.ErrorIs(t, f.s.UnRegisterCollectorEventCallback(0), pm.ErrInvalidCallbackID)
}

func TestServerConnectAndConfigure(t *testing.T) {
	f := newServerFixture(t)

	f.connect(t, testSensor(addrB))
	f.connect(t, testSensor(addrA))

	sensors, total, err := f.s.QueryConnectedSensors(8)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), total)
	require.Len(t, sensors, 2)
	assert.Equal(t, addrA, sensors[0].Address, "address order")
	assert.False(t, sensors[0].Configured)

	sensors, total, err = f.s.QueryConnectedSensors(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), total)
	assert.Len(t, sensors, 1)

	f.configure(t, addrA)
	info, err := f.s.GetConnectedSensorInfo(addrA)
	require.NoError(t, err)
	assert.Equal(t, ConnectedSensor{
		Address:                          addrA,
		SupportedOptionalCharacteristics: CharacteristicSensorLocation | CharacteristicControlPoint,
		Configured:                       true,
		SupportedFeatures:                FeatureWheelRevolutionData | FeatureCrankRevolutionData | FeatureMultipleSensorLocations,
		SupportedSensorLocations:         LocationLeftCrank.Mask() | LocationRearHub.Mask(),
	}, info)

	// 只有已配置的传感器产生测量事件
	f.sim.Tick(time.Second)
	ev := f.log.wait(t, FunctionMeasurement, 1).(*MeasurementEvent)
	assert.Equal(t, addrA, ev.Addr)
	assert.Equal(t, uint32(1), ev.Wheel.CumulativeRevolutions)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, f.log.count(FunctionMeasurement))

	f.sim.Disconnect(addrB)
	f.log.wait(t, FunctionDisconnected, 1)
	_, err = f.s.GetConnectedSensorInfo(addrB)
	assert.ErrorIs(t, err, pm.ErrDeviceNotConnected)
}

func TestServerConfigureErrors(t *testing.T) {
	f := newServerFixture(t)

	assert.ErrorIs(t, f.s.ConfigureRemoteSensor(bt.Addr{}, 0), pm.ErrInvalidParameter)
	assert.ErrorIs(t, f.s.ConfigureRemoteSensor(addrA, 0), pm.ErrDeviceNotConnected)

	f.connect(t, testSensor(addrA))
	f.sim.Hold()
	require.NoError(t, f.s.ConfigureRemoteSensor(addrA, 0))
	assert.ErrorIs(t, f.s.ConfigureRemoteSensor(addrA, 0), pm.ErrProcedureAlreadyOutstanding)
	f.sim.Release()
	f.log.wait(t, FunctionConfigurationStatusChanged, 1)

	// 配置完成后可以再次配置
	require.NoError(t, f.s.ConfigureRemoteSensor(addrA, 0))
	f.log.wait(t, FunctionConfigurationStatusChanged, 2)

	f.power.emit(pm.DevicePoweredOff)
	assert.ErrorIs(t, f.s.ConfigureRemoteSensor(addrA, 0), pm.ErrDevicePoweredDown)
}

func TestServerUnConfigure(t *testing.T) {
	f := newServerFixture(t)
	f.connect(t, testSensor(addrA))

	assert.ErrorIs(t, f.s.UnConfigureRemoteSensor(addrA), pm.ErrSensorNotConfigured)

	f.configure(t, addrA)
	require.True(t, f.store.has(addrA))

	require.NoError(t, f.s.UnConfigureRemoteSensor(addrA))
	ev := f.log.wait(t, FunctionConfigurationStatusChanged, 2).(*ConfigurationStatusChangedEvent)
	assert.False(t, ev.Configured)
	assert.Equal(t, ConfigurationSuccess, ev.Status)
	assert.False(t, f.store.has(addrA))

	info, err := f.s.GetConnectedSensorInfo(addrA)
	require.NoError(t, err)
	assert.False(t, info.Configured)
	assert.ErrorIs(t, f.s.UnConfigureRemoteSensor(addrA), pm.ErrSensorNotConfigured)
}

// TestServerOneProcedureAtATime 每个传感器同时最多一个控制点过程
func TestServerOneProcedureAtATime(t *testing.T) {
	f := newServerFixture(t)
	f.connect(t, testSensor(addrA))
	f.configure(t, addrA)

	f.sim.Hold()
	id1, err := f.s.UpdateCumulativeValue(addrA, 1000)
	require.NoError(t, err)
	assert.NotZero(t, id1)

	_, err = f.s.UpdateCumulativeValue(addrA, 2000)
	assert.ErrorIs(t, err, pm.ErrProcedureAlreadyOutstanding)
	_, err = f.s.UpdateSensorLocation(addrA, LocationRearHub)
	assert.ErrorIs(t, err, pm.ErrProcedureAlreadyOutstanding)
	state, err := f.s.ProcedureState(addrA)
	require.NoError(t, err)
	assert.Equal(t, ProcedureOutstanding, state)

	f.sim.Release()
	done := f.log.wait(t, FunctionProcedureComplete, 1).(*ProcedureCompleteEvent)
	assert.Equal(t, ProcedureCompleteEvent{Addr: addrA, ProcedureID: id1, Status: ProcedureSuccess}, *done)
	updated := f.log.wait(t, FunctionCumulativeValueUpdated, 1).(*CumulativeValueUpdatedEvent)
	assert.Equal(t, uint32(1000), updated.CumulativeValue)

	state, err = f.s.ProcedureState(addrA)
	require.NoError(t, err)
	assert.Equal(t, ProcedureIdle, state)

	id2, err := f.s.UpdateSensorLocation(addrA, LocationRearHub)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
	loc := f.log.wait(t, FunctionSensorLocationUpdated, 1).(*SensorLocationUpdatedEvent)
	assert.Equal(t, LocationRearHub, loc.Location)
	f.log.wait(t, FunctionProcedureComplete, 2)

	// 更新事件先于过程完成事件
	var order []uint32
	for _, fn := range f.log.functions() {
		switch fn {
		case FunctionCumulativeValueUpdated, FunctionSensorLocationUpdated, FunctionProcedureComplete:
			order = append(order, fn)
		}
	}
	assert.Equal(t, []uint32{
		FunctionCumulativeValueUpdated, FunctionProcedureComplete,
		FunctionSensorLocationUpdated, FunctionProcedureComplete,
	}, order)
}

// TestServerUnConfigureKeepsOutstandingProcedure 取消配置后已接受的过程仍会报告结果
func TestServerUnConfigureKeepsOutstandingProcedure(t *testing.T) {
	f := newServerFixture(t)
	f.connect(t, testSensor(addrA))
	f.configure(t, addrA)

	f.sim.Hold()
	id, err := f.s.UpdateCumulativeValue(addrA, 1000)
	require.NoError(t, err)
	require.NoError(t, f.s.UnConfigureRemoteSensor(addrA))
	f.log.wait(t, FunctionConfigurationStatusChanged, 2)

	state, err := f.s.ProcedureState(addrA)
	require.NoError(t, err)
	assert.Equal(t, ProcedureOutstanding, state)

	f.sim.Release()
	done := f.log.wait(t, FunctionProcedureComplete, 1).(*ProcedureCompleteEvent)
	assert.Equal(t, id, done.ProcedureID)
	assert.Equal(t, ProcedureSuccess, done.Status)
	state, err = f.s.ProcedureState(addrA)
	require.NoError(t, err)
	assert.Equal(t, ProcedureIdle, state)
}

// TestServerPanicSkipsOnlyThatEvent 回调在一个事件上panic不影响同批次的后续事件
func TestServerPanicSkipsOnlyThatEvent(t *testing.T) {
	f := newServerFixture(t)
	f.connect(t, testSensor(addrA))
	f.configure(t, addrA)

	completes := make(chan uint32, 1)
	_, err := f.s.RegisterCollectorEventCallback(func(ev Event, _ any) {
		switch e := ev.(type) {
		case *CumulativeValueUpdatedEvent:
			panic("boom")
		case *ProcedureCompleteEvent:
			completes <- e.ProcedureID
		}
	}, nil)
	require.NoError(t, err)

	id, err := f.s.UpdateCumulativeValue(addrA, 500)
	require.NoError(t, err)
	select {
	case got := <-completes:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("procedure complete not delivered after panic")
	}
	f.log.wait(t, FunctionCumulativeValueUpdated, 1)
	f.log.wait(t, FunctionProcedureComplete, 1)
}

func TestServerProcedureFailure(t *testing.T) {
	f := newServerFixture(t)
	s := testSensor(addrA)
	s.ResponseCode = 0x04
	f.connect(t, s)
	f.configure(t, addrA)

	id, err := f.s.UpdateCumulativeValue(addrA, 10)
	require.NoError(t, err)
	done := f.log.wait(t, FunctionProcedureComplete, 1).(*ProcedureCompleteEvent)
	assert.Equal(t, id, done.ProcedureID)
	assert.Equal(t, ProcedureFailureErrorResponse, done.Status)
	assert.Equal(t, uint32(0x04), done.ResponseErrorCode)
	assert.Zero(t, f.log.count(FunctionCumulativeValueUpdated))
}

func TestServerProcedureChecks(t *testing.T) {
	f := newServerFixture(t)

	_, err := f.s.UpdateCumulativeValue(bt.Addr{}, 1)
	assert.ErrorIs(t, err, pm.ErrInvalidParameter)
	_, err = f.s.UpdateCumulativeValue(addrA, 1)
	assert.ErrorIs(t, err, pm.ErrDeviceNotConnected)

	f.connect(t, testSensor(addrA))
	_, err = f.s.UpdateCumulativeValue(addrA, 1)
	assert.ErrorIs(t, err, pm.ErrSensorNotConfigured)
	f.configure(t, addrA)

	_, err = f.s.UpdateSensorLocation(addrA, SensorLocation(20))
	assert.ErrorIs(t, err, pm.ErrInvalidParameter)
	_, err = f.s.UpdateSensorLocation(addrA, LocationChest)
	assert.ErrorIs(t, err, pm.ErrInvalidParameter, "location outside the supported mask")

	noCP := testSensor(addrB)
	noCP.OptionalCharacteristics = CharacteristicSensorLocation
	f.connect(t, noCP)
	f.configure(t, addrB)
	_, err = f.s.UpdateCumulativeValue(addrB, 1)
	assert.ErrorIs(t, err, pm.ErrFeatureNotSupported)

	addrC := bt.MustParseAddr("00:11:22:33:44:77")
	crankOnly := testSensor(addrC)
	crankOnly.Features = FeatureCrankRevolutionData
	f.connect(t, crankOnly)
	f.configure(t, addrC)
	_, err = f.s.UpdateCumulativeValue(addrC, 1)
	assert.ErrorIs(t, err, pm.ErrFeatureNotSupported)
	_, err = f.s.UpdateSensorLocation(addrC, LocationLeftCrank)
	assert.ErrorIs(t, err, pm.ErrFeatureNotSupported)

	state, err := f.s.ProcedureState(addrC)
	require.NoError(t, err)
	assert.Equal(t, ProcedureIdle, state)
}

// TestServerSensorLocationGoesToRequester 位置读取结果只发给发起者
func TestServerSensorLocationGoesToRequester(t *testing.T) {
	f := newServerFixture(t)
	other := &eventLog{}
	otherID, err := f.s.RegisterCollectorEventCallback(other.callback, nil)
	require.NoError(t, err)

	status, r := f.request(t, 1, FunctionRegisterCollectorEvents, nil)
	require.Equal(t, int32(0), status)
	remoteID := r.Uint32()

	f.connect(t, testSensor(addrA))
	_, err = f.s.GetSensorLocation(f.cbID, addrA)
	assert.ErrorIs(t, err, pm.ErrSensorNotConfigured)
	f.configure(t, addrA)

	// 不能借用其它客户端的回调
	_, err = f.s.GetSensorLocation(remoteID, addrA)
	assert.ErrorIs(t, err, pm.ErrInvalidCallbackID)
	_, err = f.s.GetSensorLocation(0, addrA)
	assert.ErrorIs(t, err, pm.ErrInvalidParameter)

	f.sim.Hold()
	txn, err := f.s.GetSensorLocation(f.cbID, addrA)
	require.NoError(t, err)
	_, err = f.s.GetSensorLocation(otherID, addrA)
	assert.ErrorIs(t, err, pm.ErrProcedureAlreadyOutstanding)
	f.sim.Release()

	ev := f.log.wait(t, FunctionSensorLocationResponse, 1).(*SensorLocationResponseEvent)
	assert.Equal(t, SensorLocationResponseEvent{Addr: addrA, TransactionID: txn, Status: ProcedureSuccess, Location: LocationLeftCrank}, *ev)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, other.count(FunctionSensorLocationResponse))
	assert.Equal(t, 1, other.count(FunctionConnected), "broadcasts still reach everyone")
	for _, m := range f.bus.events(remoteClient) {
		assert.NotEqual(t, FunctionSensorLocationResponse, m.Function)
	}

	noLoc := testSensor(addrB)
	noLoc.OptionalCharacteristics = CharacteristicControlPoint
	f.connect(t, noLoc)
	f.configure(t, addrB)
	_, err = f.s.GetSensorLocation(f.cbID, addrB)
	assert.ErrorIs(t, err, pm.ErrFeatureNotSupported)
}

func TestServerRemoteRequests(t *testing.T) {
	f := newServerFixture(t)
	f.connect(t, testSensor(addrA))

	status, r := f.request(t, 1, FunctionRegisterCollectorEvents, nil)
	require.Equal(t, int32(0), status)
	remoteID := r.Uint32()
	assert.NotZero(t, remoteID)

	status, _ = f.request(t, 2, FunctionConfigureRemoteSensor, uint32Request{Address: addrA}.Encode())
	require.Equal(t, int32(0), status)
	f.log.wait(t, FunctionConfigurationStatusChanged, 1)

	status, r = f.request(t, 3, FunctionQueryConnectedSensors, encodeUint32(4))
	require.Equal(t, int32(0), status)
	sensors, total, err := decodeQueryBody(r, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), total)
	require.Len(t, sensors, 1)
	assert.True(t, sensors[0].Configured)

	status, r = f.request(t, 4, FunctionGetConnectedSensorInfo, addrRequest{Address: addrA}.Encode())
	require.Equal(t, int32(0), status)
	assert.Equal(t, sensors[0], readConnectedSensor(r))
	assert.NoError(t, r.Err())

	status, _ = f.request(t, 5, FunctionGetSensorLocation, uint32Request{Address: addrA, Value: remoteID}.Encode())
	assert.Positive(t, status, "transaction id")
	require.Eventually(t, func() bool {
		for _, m := range f.bus.events(remoteClient) {
			if m.Function == FunctionSensorLocationResponse {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)

	status, _ = f.request(t, 6, FunctionUpdateCumulativeValue, uint32Request{Address: addrA, Value: 9}.Encode())
	assert.Positive(t, status, "procedure id")

	// 参数错误
	status, _ = f.request(t, 7, FunctionConfigureRemoteSensor, addrA[:])
	assert.Equal(t, pm.Code(pm.ErrInvalidParameter), status)
	status, _ = f.request(t, 8, FunctionUpdateSensorLocation, uint32Request{Address: addrA, Value: 99}.Encode())
	assert.Equal(t, pm.Code(pm.ErrInvalidParameter), status)
	status, _ = f.request(t, 9, FunctionGetConnectedSensorInfo, addrRequest{Address: addrB}.Encode())
	assert.Equal(t, pm.Code(pm.ErrDeviceNotConnected), status)
	status, _ = f.request(t, 10, FunctionUnRegisterCollectorEvents, encodeUint32(f.cbID))
	assert.Equal(t, pm.Code(pm.ErrInvalidCallbackID), status, "local callback is not the client's")

	status, _ = f.request(t, 11, FunctionUnRegisterCollectorEvents, encodeUint32(remoteID))
	assert.Equal(t, int32(0), status)

	// 远端客户端收到过广播事件
	var got []uint32
	for _, m := range f.bus.events(remoteClient) {
		got = append(got, m.Function)
	}
	assert.Contains(t, got, FunctionConfigurationStatusChanged)
}

func TestServerClientGone(t *testing.T) {
	f := newServerFixture(t)
	status, _ := f.request(t, 1, FunctionRegisterCollectorEvents, nil)
	require.Equal(t, int32(0), status)
	status, _ = f.request(t, 2, FunctionRegisterCollectorEvents, nil)
	require.Equal(t, int32(0), status)

	callbacks := func() int {
		n := 0
		f.s.locked(func() { n = f.s.callbacks.Len() })
		return n
	}
	require.Equal(t, 3, callbacks())

	f.bus.handler(Group)(ipc.NewClientRegistrationMessage(Group, ipc.ClientRegistration{AddressID: remoteClient}))
	require.Eventually(t, func() bool { return callbacks() == 1 }, time.Second, 2*time.Millisecond)

	f.connect(t, testSensor(addrA))
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, f.bus.events(remoteClient))
}

func TestServerPowerOffDropsSensors(t *testing.T) {
	f := newServerFixture(t)
	f.connect(t, testSensor(addrA))
	f.connect(t, testSensor(addrB))

	f.power.emit(pm.DevicePoweredOff)
	f.log.wait(t, FunctionDisconnected, 2)

	_, total, err := f.s.QueryConnectedSensors(4)
	require.NoError(t, err)
	assert.Zero(t, total)
	_, err = f.s.GetConnectedSensorInfo(addrA)
	assert.ErrorIs(t, err, pm.ErrDevicePoweredDown)

	f.power.emit(pm.DevicePoweredOn)
	_, err = f.s.GetConnectedSensorInfo(addrA)
	assert.ErrorIs(t, err, pm.ErrDeviceNotConnected)
}

// TestServerReconfiguresRememberedSensor 重新连接的已记住传感器自动配置
func TestServerReconfiguresRememberedSensor(t *testing.T) {
	f := newServerFixture(t)
	f.connect(t, testSensor(addrA))
	f.configure(t, addrA)

	remembered, err := f.s.RememberedSensors(context.Background())
	require.NoError(t, err)
	require.Len(t, remembered, 1)
	assert.Equal(t, addrA, remembered[0].Address)
	mask := LocationLeftCrank.Mask() | LocationRearHub.Mask()
	assert.Equal(t, mask, remembered[0].SupportedLocations)

	f.sim.Disconnect(addrA)
	f.log.wait(t, FunctionDisconnected, 1)
	f.connect(t, testSensor(addrA))

	ev := f.log.wait(t, FunctionConfigurationStatusChanged, 2).(*ConfigurationStatusChangedEvent)
	assert.True(t, ev.Configured)
	info, err := f.s.GetConnectedSensorInfo(addrA)
	require.NoError(t, err)
	assert.True(t, info.Configured)
	// 位置掩码来自存储，没有再次读取
	assert.Equal(t, mask, info.SupportedSensorLocations)
}

func TestServerCallbackMayReenter(t *testing.T) {
	f := newServerFixture(t)
	totals := make(chan uint32, 1)
	_, err := f.s.RegisterCollectorEventCallback(func(ev Event, _ any) {
		if ev.Function() != FunctionConnected {
			return
		}
		_, total, err := f.s.QueryConnectedSensors(4)
		if err == nil {
			totals <- total
		}
	}, nil)
	require.NoError(t, err)

	f.sim.Connect(testSensor(addrA))
	select {
	case total := <-totals:
		assert.Equal(t, uint32(1), total)
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
}

func TestServerShutdown(t *testing.T) {
	f := newServerFixture(t)
	f.connect(t, testSensor(addrA))
	require.NoError(t, f.s.Shutdown())

	_, _, err := f.s.QueryConnectedSensors(4)
	assert.ErrorIs(t, err, pm.ErrNotInitialized)
	assert.Nil(t, f.bus.handler(Group))

	// 再次初始化后状态为空
	require.NoError(t, f.s.Initialize())
	_, total, err := f.s.QueryConnectedSensors(4)
	require.NoError(t, err)
	assert.Zero(t, total)
}
