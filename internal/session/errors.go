package session

import "errors"

// Admission errors (C1).
var (
	ErrSessionAlreadyReserved = errors.New("SESSION_ALREADY_RESERVED")
	ErrSessionLimitWorkspace  = errors.New("SESSION_LIMIT_WORKSPACE")
	ErrSessionLimitGlobal     = errors.New("SESSION_LIMIT_GLOBAL")
)

// Command/session errors (C6/C7).
var (
	ErrCommandNotAllowed  = errors.New("command not allowed")
	ErrSessionNotActive   = errors.New("session not active")
	ErrUnhandledCommand   = errors.New("unhandled SDK command")
	ErrStopTimedOut       = errors.New("stop timed out")
	ErrForceStopFailed    = errors.New("force stop failed")
	ErrPendingStopExists  = errors.New("pending stop already in progress")
	ErrSessionUnknown     = errors.New("session not found")
)
