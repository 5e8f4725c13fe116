package rate

import "errors"

var (
	// ErrRateLimited is returned when a counter window is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps backend failures from the counter store.
	ErrRedisUnavailable = errors.New("redis unavailable")
)
