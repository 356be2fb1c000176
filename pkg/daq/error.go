package daq

import (
	"errors"
	"fmt"
)

// Operations reported in Error.Op.
const (
	OpCreate  = "create task"
	OpChannel = "create channel"
	OpTiming  = "configure timing"
	OpStart   = "start task"
	OpRead    = "read"
	OpClear   = "clear task"
)

// Error codes shared by the drivers. Bridge firmware reports its own codes
// through the same field.
const (
	CodeDeviceUnavailable = -200220
	CodeReserved          = -50103
	CodeInvalidChannel    = -200170
	CodeInvalidRange      = -200077
	CodeInvalidState      = -200479
	CodeBufferTooSmall    = -200229
	CodeTimeout           = -200284
	CodeProtocol          = -200361
	CodeSimulated         = -1
)

// Error is a driver failure carrying the device's extended error text.
type Error struct {
	Op       string
	Code     int
	Extended string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed (%d): %s", e.Op, e.Code, e.Extended)
}

// AsError returns the driver error wrapped in err, if any.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func newError(op string, code int, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Extended: fmt.Sprintf(format, args...)}
}
