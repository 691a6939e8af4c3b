package server

import "errors"

var (
	ErrMissingID          = errors.New("missing tunnel id")
	ErrDuplicateID        = errors.New("tunnel id already registered")
	ErrTunnelNotFound     = errors.New("tunnel not found or offline")
	ErrUpstreamTimeout    = errors.New("agent did not respond in time")
	ErrTunnelDisconnected = errors.New("tunnel disconnected")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrBodyTooLarge       = errors.New("request body too large")
)
