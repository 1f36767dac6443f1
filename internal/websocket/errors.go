package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout after 5 seconds")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection         = errors.New("connection cannot be nil")
	ErrNilIdentity           = errors.New("identity cannot be nil")
	ErrConnectionNotAdmitted = errors.New("connection is not admitted")
	ErrAlreadyAuthenticated  = errors.New("connection is already bound to another user")
)
