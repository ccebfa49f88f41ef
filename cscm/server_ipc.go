package cscm

import (
	"errors"

	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/metrics"
	"github.com/lcx/btpm/pm"
)

// handleMessage serves one client request on the module worker.
func (s *Server) handleMessage(msg *ipc.Message) {
	name := ipc.Messages().Name(msg.Group, msg.Function)
	metrics.IncrCounterWithDimGroup("cscm", "request_total", 1, metrics.Dimension{"msg": name})
	s.mod.Logger().Debug().Hex32("client", msg.AddressID).Str("msg", name).Msg("request")

	switch msg.Function {
	case FunctionRegisterCollectorEvents:
		id, err := s.register(pm.Entry[EventCallback]{ClientID: msg.AddressID})
		s.mod.Reply(msg, err, func(w *ipc.Writer) { w.Uint32(id) })

	case FunctionUnRegisterCollectorEvents:
		id, err := decodeUint32(msg.Payload, "unregister request")
		if err == nil {
			err = s.unregister(msg.AddressID, id)
		}
		s.mod.Reply(msg, requestError(err), nil)

	case FunctionQueryConnectedSensors:
		maxEntries, err := decodeUint32(msg.Payload, "query request")
		if err != nil {
			s.mod.Reply(msg, pm.ErrInvalidParameter, nil)
			return
		}
		sensors, total, err := s.QueryConnectedSensors(maxEntries)
		s.mod.Reply(msg, err, func(w *ipc.Writer) {
			w.Uint32(total).Uint32(uint32(len(sensors)))
			for i := range sensors {
				putConnectedSensor(w, &sensors[i])
			}
		})

	case FunctionConfigureRemoteSensor:
		q, err := decodeUint32Request(msg.Payload, "configure request")
		if err == nil {
			err = s.ConfigureRemoteSensor(q.Address, ConfigureFlags(q.Value))
		}
		s.mod.Reply(msg, requestError(err), nil)

	case FunctionUnConfigureRemoteSensor:
		q, err := decodeAddrRequest(msg.Payload)
		if err == nil {
			err = s.UnConfigureRemoteSensor(q.Address)
		}
		s.mod.Reply(msg, requestError(err), nil)

	case FunctionGetConnectedSensorInfo:
		q, err := decodeAddrRequest(msg.Payload)
		var info ConnectedSensor
		if err == nil {
			info, err = s.GetConnectedSensorInfo(q.Address)
		}
		s.mod.Reply(msg, requestError(err), func(w *ipc.Writer) { putConnectedSensor(w, &info) })

	case FunctionGetSensorLocation:
		q, err := decodeUint32Request(msg.Payload, "sensor location request")
		var txn uint32
		switch {
		case err != nil:
		case q.Address.IsZero() || q.Value == 0:
			err = pm.ErrInvalidParameter
		default:
			txn, err = s.getSensorLocation(msg.AddressID, q.Value, q.Address)
		}
		s.mod.ReplyID(msg, txn, requestError(err))

	case FunctionUpdateCumulativeValue:
		q, err := decodeUint32Request(msg.Payload, "cumulative value request")
		var id uint32
		if err == nil {
			id, err = s.UpdateCumulativeValue(q.Address, q.Value)
		}
		s.mod.ReplyID(msg, id, requestError(err))

	case FunctionUpdateSensorLocation:
		q, err := decodeUint32Request(msg.Payload, "sensor location update request")
		var id uint32
		if err == nil {
			id, err = s.UpdateSensorLocation(q.Address, SensorLocation(q.Value))
		}
		s.mod.ReplyID(msg, id, requestError(err))

	default:
		s.mod.Logger().Debug().Hex32("function", msg.Function).Msg("unhandled function")
	}
}

// requestError reports a payload that failed to decode as an invalid parameter.
func requestError(err error) error {
	if errors.Is(err, ipc.ErrShortMessage) {
		return pm.ErrInvalidParameter
	}
	return err
}
