package domain

import "errors"

var (
	// ErrPoolNotFound means the pool does not exist upstream
	ErrPoolNotFound = errors.New("pool not found")

	// ErrPositionNotFound means the user holds no LP tokens in the pool
	ErrPositionNotFound = errors.New("position not found")

	// ErrUpstreamUnavailable means the chain or database could not be reached
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInvalidAddress means a caller supplied a malformed address
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidArgument means a caller supplied an unusable parameter
	ErrInvalidArgument = errors.New("invalid argument")
)
