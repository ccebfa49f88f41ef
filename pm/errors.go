package pm

import (
	"errors"
	"fmt"
)

// Error is a platform-manager status. Code is what travels in the status field
// of a response.
type Error struct {
	Code int32
	msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("pm: %s (%d)", e.msg, e.Code)
}

var (
	ErrInvalidParameter            = &Error{-1, "invalid parameter"}
	ErrNotInitialized              = &Error{-2, "not initialized"}
	ErrLockUnavailable             = &Error{-3, "unable to acquire lock"}
	ErrUnableToAddEntry            = &Error{-4, "unable to add entry"}
	ErrInvalidCallbackID           = &Error{-5, "invalid callback id"}
	ErrAlreadyRegisteredControl    = &Error{-6, "control callback already registered"}
	ErrResponseMessageInvalid      = &Error{-7, "response message invalid"}
	ErrProcedureAlreadyOutstanding = &Error{-8, "procedure already outstanding"}
	ErrDevicePoweredDown           = &Error{-9, "device powered down"}
	ErrUnknown                     = &Error{-10, "unknown error"}
	ErrTimeout                     = &Error{-11, "timeout"}
	ErrTransport                   = &Error{-12, "transport error"}
	ErrUnableToRegisterHandler     = &Error{-13, "unable to register message group handler"}
	ErrDeviceNotConnected          = &Error{-14, "device not connected"}
	ErrSensorNotConfigured         = &Error{-15, "sensor not configured"}
	ErrFeatureNotSupported         = &Error{-16, "feature not supported"}
)

var byCode = func() map[int32]*Error {
	m := make(map[int32]*Error)
	for _, e := range []*Error{
		ErrInvalidParameter, ErrNotInitialized, ErrLockUnavailable, ErrUnableToAddEntry,
		ErrInvalidCallbackID, ErrAlreadyRegisteredControl, ErrResponseMessageInvalid,
		ErrProcedureAlreadyOutstanding, ErrDevicePoweredDown, ErrUnknown, ErrTimeout,
		ErrTransport, ErrUnableToRegisterHandler, ErrDeviceNotConnected,
		ErrSensorNotConfigured, ErrFeatureNotSupported,
	} {
		m[e.Code] = e
	}
	return m
}()

// Code is the wire status for err: 0 for nil, the status of a wrapped *Error,
// the Unknown code for anything else.
func Code(err error) int32 {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown.Code
}

// FromCode turns a wire status back into an error. Positive codes count as
// success; negative codes nobody knows become ErrUnknown.
func FromCode(code int32) error {
	if code >= 0 {
		return nil
	}
	if e, ok := byCode[code]; ok {
		return e
	}
	return ErrUnknown
}
