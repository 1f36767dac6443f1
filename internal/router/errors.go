package router

import "errors"

var (
	ErrMalformedMessage  = errors.New("malformed message")
	ErrNotAuthenticated  = errors.New("authenticate before sending messages")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRequestFailed     = errors.New("request failed")
)
