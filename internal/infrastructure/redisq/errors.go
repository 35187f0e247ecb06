package redisq

import "errors"

var (
	// ErrDisabled is returned by Connect when Redis is turned off in config.
	ErrDisabled = errors.New("redisq: disabled in configuration")

	// ErrConnectionFailed indicates the initial PING failed.
	ErrConnectionFailed = errors.New("redisq: connection failed")

	// ErrPublishFailed indicates the event could not be delivered.
	ErrPublishFailed = errors.New("redisq: publish failed")

	// ErrInvalidKey is returned for an empty instrument key.
	ErrInvalidKey = errors.New("redisq: instrument key cannot be empty")
)
