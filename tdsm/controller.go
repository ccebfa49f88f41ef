package tdsm

import (
	"errors"
	"sync"
	"time"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/log"
	"github.com/lcx/btpm/pm"
)

// Controller is the Bluetooth controller side of 3D Sync. The interval
// results are what the controller picked within the requested range.
type Controller interface {
	Start(events ControllerEvents) error
	Stop() error

	WriteSyncTrainParams(p SyncTrainParams) (interval uint16, err error)
	StartSyncTrain() error
	EnableCSB(p CSBParams) (interval uint16, err error)
	DisableCSB() error
}

// ControllerEvents receives what the controller reported. Implementations
// must not block.
type ControllerEvents interface {
	ConnectionAnnouncement(addr bt.Addr, flags, batteryLevel uint32)
	SyncTrainComplete(status uint32)
	CSBSupervisionTimeout()
	ChannelMapChange(m ChannelMap)
	SlavePageResponseTimeout()
}

// Broadcast interval limits accepted by SimController, in slots.
const (
	MinCSBInterval uint16 = 0x0050
	MaxCSBInterval uint16 = 0x00A0

	MinSyncTrainInterval uint16 = 0x0020
)

// errCommandDisallowed is the controller refusing a command in its current state.
var errCommandDisallowed = errors.New("command disallowed")

// SimController is an in-memory controller. Reported events are delivered in
// order on one goroutine; a started sync train completes after Delay.
type SimController struct {
	Delay time.Duration
	// SyncTrainStatus is reported by the next completed sync train.
	SyncTrainStatus uint32

	mu          sync.Mutex
	events      ControllerEvents
	tasks       chan func(ControllerEvents)
	done        chan struct{}
	wg          sync.WaitGroup
	syncParams  *SyncTrainParams
	csb         bool
	syncRunning bool
}

func NewSimController(delay time.Duration) *SimController {
	return &SimController{Delay: delay}
}

func (c *SimController) Start(events ControllerEvents) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return nil
	}
	c.events = events
	c.tasks = make(chan func(ControllerEvents), 64)
	c.done = make(chan struct{})
	c.wg.Add(1)
	go c.run(c.tasks, c.done)
	return nil
}

// Stop drops whatever has not been delivered yet.
func (c *SimController) Stop() error {
	c.mu.Lock()
	done := c.done
	c.done = nil
	c.events = nil
	c.csb = false
	c.syncRunning = false
	c.mu.Unlock()
	if done != nil {
		close(done)
		c.wg.Wait()
	}
	return nil
}

func (c *SimController) run(tasks chan func(ControllerEvents), done chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-done:
			return
		case task := <-tasks:
			c.mu.Lock()
			events := c.events
			c.mu.Unlock()
			if events != nil {
				task(events)
			}
		}
	}
}

// enqueueLocked queues task. A full queue drops it.
func (c *SimController) enqueueLocked(task func(ControllerEvents)) {
	if c.done == nil {
		return
	}
	select {
	case c.tasks <- task:
	default:
		log.Warn().Msg("sim controller event queue full")
	}
}

func (c *SimController) WriteSyncTrainParams(p SyncTrainParams) (uint16, error) {
	if p.MinInterval < MinSyncTrainInterval || p.MaxInterval < p.MinInterval || p.Timeout == 0 {
		return 0, pm.ErrInvalidParameter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncParams = &p
	return p.MinInterval, nil
}

// StartSyncTrain needs the broadcast on and the train parameters written.
func (c *SimController) StartSyncTrain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil || !c.csb || c.syncParams == nil || c.syncRunning {
		return errCommandDisallowed
	}
	c.syncRunning = true
	delay, status := c.Delay, c.SyncTrainStatus
	done := c.done
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if delay > 0 {
			select {
			case <-done:
				return
			case <-time.After(delay):
			}
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.syncRunning || c.done != done {
			return
		}
		c.syncRunning = false
		c.enqueueLocked(func(ev ControllerEvents) { ev.SyncTrainComplete(status) })
	}()
	return nil
}

func (c *SimController) EnableCSB(p CSBParams) (uint16, error) {
	if p.MinInterval < MinCSBInterval || p.MaxInterval > MaxCSBInterval || p.MinInterval > p.MaxInterval {
		return 0, pm.ErrInvalidParameter
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.csb = true
	log.Debug().Uint32("min", uint32(p.MinInterval)).Uint32("max", uint32(p.MaxInterval)).Msg("sim controller broadcast on")
	return p.MinInterval, nil
}

// DisableCSB also ends a running sync train without a completion event.
func (c *SimController) DisableCSB() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.csb = false
	c.syncRunning = false
	return nil
}

// Broadcasting reports whether the simulated broadcast is on.
func (c *SimController) Broadcasting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.csb
}

// Announce reports a pair of glasses announcing itself.
func (c *SimController) Announce(addr bt.Addr, flags, batteryLevel uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(func(ev ControllerEvents) { ev.ConnectionAnnouncement(addr, flags, batteryLevel) })
}

// SupervisionTimeout stops the broadcast as if the controller lost it.
func (c *SimController) SupervisionTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.csb = false
	c.syncRunning = false
	c.enqueueLocked(func(ev ControllerEvents) { ev.CSBSupervisionTimeout() })
}

func (c *SimController) ChangeChannelMap(m ChannelMap) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(func(ev ControllerEvents) { ev.ChannelMapChange(m) })
}

func (c *SimController) PageResponseTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enqueueLocked(func(ev ControllerEvents) { ev.SlavePageResponseTimeout() })
}
