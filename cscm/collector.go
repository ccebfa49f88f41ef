package cscm

import (
	"sort"
	"sync"
	"time"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/log"
	"github.com/lcx/btpm/pm"
)

// Collector is the CSC profile engine the Server drives. Calls return as soon
// as the operation was started; outcomes arrive through CollectorEvents.
type Collector interface {
	Start(events CollectorEvents) error
	Stop() error

	Configure(addr bt.Addr, flags ConfigureFlags) error
	UnConfigure(addr bt.Addr) error
	ReadSensorLocation(addr bt.Addr) error
	WriteCumulativeValue(addr bt.Addr, value uint32) error
	WriteSensorLocation(addr bt.Addr, location SensorLocation) error
}

// CollectorEvents receives what the collector observed. Implementations must
// not block.
type CollectorEvents interface {
	SensorConnected(addr bt.Addr, optionalCharacteristics uint32)
	SensorDisconnected(addr bt.Addr)
	ConfigurationComplete(addr bt.Addr, status ConfigurationStatus, features, locations uint32)
	Measurement(addr bt.Addr, flags uint32, wheel WheelData, crank CrankData)
	SensorLocationRead(addr bt.Addr, status ProcedureStatus, location SensorLocation)
	ControlPointComplete(addr bt.Addr, status ProcedureStatus, responseCode uint32)
}

// Control point response code for a rejected parameter.
const responseInvalidParameter uint32 = 0x03

// SimSensor is a sensor known to SimCollector.
type SimSensor struct {
	Address                 bt.Addr
	OptionalCharacteristics uint32
	Features                uint32
	SupportedLocations      uint32
	Location                SensorLocation
	Wheel                   WheelData
	Crank                   CrankData
	// ResponseCode, when set, fails every control point procedure with
	// ProcedureFailureErrorResponse and this code.
	ResponseCode uint32

	connected  bool
	configured bool
}

// SimCollector is an in-memory collector. Every outcome is delivered on its
// own goroutine, in the order the operations were started, after Delay.
type SimCollector struct {
	Delay time.Duration

	mu      sync.Mutex
	sensors map[bt.Addr]*SimSensor
	events  CollectorEvents
	queue   []func(CollectorEvents)
	held    bool
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewSimCollector(delay time.Duration) *SimCollector {
	return &SimCollector{
		Delay:   delay,
		sensors: make(map[bt.Addr]*SimSensor),
	}
}

func (c *SimCollector) Start(events CollectorEvents) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return nil
	}
	c.events = events
	c.wake = make(chan struct{}, 1)
	c.done = make(chan struct{})
	c.wg.Add(1)
	go c.run(c.wake, c.done)
	return nil
}

// Stop drops whatever has not been delivered yet.
func (c *SimCollector) Stop() error {
	c.mu.Lock()
	done := c.done
	c.done = nil
	c.queue = nil
	c.events = nil
	c.mu.Unlock()
	if done != nil {
		close(done)
		c.wg.Wait()
	}
	return nil
}

func (c *SimCollector) run(wake, done chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-done:
			return
		case <-wake:
		}
		for {
			c.mu.Lock()
			if c.held || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			task := c.queue[0]
			c.queue = c.queue[1:]
			events := c.events
			delay := c.Delay
			c.mu.Unlock()

			if delay > 0 {
				select {
				case <-done:
					return
				case <-time.After(delay):
				}
			}
			if events != nil {
				task(events)
			}
		}
	}
}

func (c *SimCollector) enqueueLocked(task func(CollectorEvents)) {
	c.queue = append(c.queue, task)
	if c.wake != nil {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// Hold stops delivery until Release. Operations still queue up.
func (c *SimCollector) Hold() {
	c.mu.Lock()
	c.held = true
	c.mu.Unlock()
}

// Release resumes delivery of held outcomes.
func (c *SimCollector) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = false
	if c.wake != nil {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// Connect brings a sensor into range. Connecting a known sensor again
// replaces its description.
func (c *SimCollector) Connect(s SimSensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.connected = true
	s.configured = false
	c.sensors[s.Address] = &s
	addr, chars := s.Address, s.OptionalCharacteristics
	c.enqueueLocked(func(ev CollectorEvents) { ev.SensorConnected(addr, chars) })
}

// Disconnect takes a sensor out of range.
func (c *SimCollector) Disconnect(addr bt.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sensors[addr]
	if !ok || !s.connected {
		return
	}
	s.connected = false
	s.configured = false
	c.enqueueLocked(func(ev CollectorEvents) { ev.SensorDisconnected(addr) })
}

// Sensors lists the simulated sensors in address order.
func (c *SimCollector) Sensors() []SimSensor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SimSensor, 0, len(c.sensors))
	for _, s := range c.sensors {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out
}

// Tick advances every configured sensor by one wheel and one crank
// revolution and reports a measurement for each.
func (c *SimCollector) Tick(elapsed time.Duration) {
	// event times are in 1/1024 s
	units := uint16(elapsed.Milliseconds() * 1024 / 1000)

	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, s := range c.sensors {
		if !s.connected || !s.configured {
			continue
		}
		var flags uint32
		if s.Features&FeatureWheelRevolutionData != 0 {
			s.Wheel.CumulativeRevolutions++
			s.Wheel.LastEventTime += units
			flags |= MeasurementWheelRevolutionDataPresent
		}
		if s.Features&FeatureCrankRevolutionData != 0 {
			s.Crank.CumulativeRevolutions++
			s.Crank.LastEventTime += units
			flags |= MeasurementCrankRevolutionDataPresent
		}
		if flags == 0 {
			continue
		}
		wheel, crank := s.Wheel, s.Crank
		c.enqueueLocked(func(ev CollectorEvents) { ev.Measurement(addr, flags, wheel, crank) })
	}
}

func (c *SimCollector) connectedLocked(addr bt.Addr) (*SimSensor, error) {
	s, ok := c.sensors[addr]
	if !ok || !s.connected {
		return nil, pm.ErrDeviceNotConnected
	}
	return s, nil
}

func (c *SimCollector) Configure(addr bt.Addr, flags ConfigureFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.connectedLocked(addr)
	if err != nil {
		return err
	}
	s.configured = true
	features := s.Features
	var locations uint32
	if flags&ConfigureSkipSupportedSensorLocations == 0 {
		locations = s.SupportedLocations
	}
	log.Debug().Stringer("addr", addr).Uint32("flags", uint32(flags)).Msg("sim collector configure")
	c.enqueueLocked(func(ev CollectorEvents) {
		ev.ConfigurationComplete(addr, ConfigurationSuccess, features, locations)
	})
	return nil
}

func (c *SimCollector) UnConfigure(addr bt.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.connectedLocked(addr)
	if err != nil {
		return err
	}
	s.configured = false
	return nil
}

func (c *SimCollector) ReadSensorLocation(addr bt.Addr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.connectedLocked(addr)
	if err != nil {
		return err
	}
	location := s.Location
	c.enqueueLocked(func(ev CollectorEvents) { ev.SensorLocationRead(addr, ProcedureSuccess, location) })
	return nil
}

func (c *SimCollector) WriteCumulativeValue(addr bt.Addr, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.connectedLocked(addr)
	if err != nil {
		return err
	}
	status, code := ProcedureSuccess, uint32(0)
	if s.ResponseCode != 0 {
		status, code = ProcedureFailureErrorResponse, s.ResponseCode
	} else {
		s.Wheel.CumulativeRevolutions = value
	}
	c.enqueueLocked(func(ev CollectorEvents) { ev.ControlPointComplete(addr, status, code) })
	return nil
}

func (c *SimCollector) WriteSensorLocation(addr bt.Addr, location SensorLocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.connectedLocked(addr)
	if err != nil {
		return err
	}
	status, code := ProcedureSuccess, uint32(0)
	switch {
	case s.ResponseCode != 0:
		status, code = ProcedureFailureErrorResponse, s.ResponseCode
	case s.SupportedLocations&location.Mask() == 0:
		status, code = ProcedureFailureErrorResponse, responseInvalidParameter
	default:
		s.Location = location
	}
	c.enqueueLocked(func(ev CollectorEvents) { ev.ControlPointComplete(addr, status, code) })
	return nil
}
