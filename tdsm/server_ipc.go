package tdsm

import (
	"errors"

	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/metrics"
	"github.com/lcx/btpm/pm"
)

// handleMessage serves one client request on the module worker.
func (s *Server) handleMessage(msg *ipc.Message) {
	name := ipc.Messages().Name(msg.Group, msg.Function)
	metrics.IncrCounterWithDimGroup("tdsm", "request_total", 1, metrics.Dimension{"msg": name})
	s.mod.Logger().Debug().Hex32("client", msg.AddressID).Str("msg", name).Msg("request")

	switch msg.Function {
	case FunctionWriteSyncTrainParams:
		q, err := decodeWriteSyncTrainRequest(msg.Payload)
		var interval uint16
		if err == nil {
			interval, err = s.writeSyncTrainParams(msg.AddressID, q.CallbackID, q.Params)
		}
		s.mod.Reply(msg, requestError(err), func(w *ipc.Writer) { w.Uint16(interval) })

	case FunctionStartSyncTrain:
		q, err := decodeControlRequest(msg.Payload, "start sync train request")
		if err == nil {
			err = s.startSyncTrain(msg.AddressID, q.CallbackID)
		}
		s.mod.Reply(msg, requestError(err), nil)

	case FunctionEnableCSB:
		q, err := decodeEnableCSBRequest(msg.Payload)
		var interval uint16
		if err == nil {
			interval, err = s.enableCSB(msg.AddressID, q.CallbackID, q.Params)
		}
		s.mod.Reply(msg, requestError(err), func(w *ipc.Writer) { w.Uint16(interval) })

	case FunctionDisableCSB:
		q, err := decodeControlRequest(msg.Payload, "disable broadcast request")
		if err == nil {
			err = s.disableCSB(msg.AddressID, q.CallbackID)
		}
		s.mod.Reply(msg, requestError(err), nil)

	case FunctionGetCurrentBroadcastInfo:
		info, err := s.GetCurrentBroadcastInfo()
		s.mod.Reply(msg, err, func(w *ipc.Writer) { putBroadcastInfo(w, &info) })

	case FunctionUpdateBroadcastInfo:
		q, err := decodeUpdateRequest(msg.Payload)
		if err == nil {
			err = s.updateBroadcastInfo(msg.AddressID, q.CallbackID, q.Update)
		}
		s.mod.Reply(msg, requestError(err), nil)

	case FunctionRegisterEvents:
		control, err := decodeRegisterRequest(msg.Payload)
		var id uint32
		if err == nil {
			id, err = s.register(control, pm.Entry[EventCallback]{ClientID: msg.AddressID})
		}
		s.mod.ReplyID(msg, id, requestError(err))

	case FunctionUnRegisterEvents:
		id, err := decodeUint32(msg.Payload, "unregister request")
		if err == nil {
			err = s.unregister(msg.AddressID, id)
		}
		s.mod.Reply(msg, requestError(err), nil)

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
