package cscm

import (
	"github.com/lcx/btpm/pm"
)

// ProcedureState is the state of a sensor's control point.
type ProcedureState int

const (
	ProcedureIdle ProcedureState = iota
	ProcedureOutstanding
)

func (s ProcedureState) String() string {
	if s == ProcedureOutstanding {
		return "outstanding"
	}
	return "idle"
}

type procedureKind int

const (
	procedureCumulativeValue procedureKind = iota + 1
	procedureSensorLocation
)

// controlPoint admits one procedure at a time. Only the sensor's completion
// or a disconnect returns it to idle.
type controlPoint struct {
	state ProcedureState
	id    uint32
	kind  procedureKind
	value uint32
}

func (c *controlPoint) begin(id uint32, kind procedureKind, value uint32) error {
	if c.state != ProcedureIdle {
		return pm.ErrProcedureAlreadyOutstanding
	}
	*c = controlPoint{state: ProcedureOutstanding, id: id, kind: kind, value: value}
	return nil
}

// complete ends the outstanding procedure and returns it.
func (c *controlPoint) complete() (controlPoint, bool) {
	if c.state != ProcedureOutstanding {
		return controlPoint{}, false
	}
	done := *c
	*c = controlPoint{}
	return done, true
}

// abort undoes begin when the procedure could not be started.
func (c *controlPoint) abort(id uint32) {
	if c.state == ProcedureOutstanding && c.id == id {
		*c = controlPoint{}
	}
}

// peer is what the server tracks about one connected sensor.
type peer struct {
	info        ConnectedSensor
	configuring bool
	flags       ConfigureFlags
	cp          controlPoint

	// outstanding location read and the callback that asked for it
	locationTxn      uint32
	locationCallback uint32
}

// unconfigure drops the configuration. An outstanding procedure or location
// read stays pending until the sensor answers or disconnects.
func (p *peer) unconfigure() {
	p.info.Configured = false
	p.info.SupportedFeatures = 0
	p.configuring = false
}
