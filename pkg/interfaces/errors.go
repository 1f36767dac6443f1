package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrUserNotFound = errors.New("user not found")
	ErrUnauthorized = errors.New("unauthorized access")
)
