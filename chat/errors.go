package chat

import "errors"

// Business errors form a closed set. Anything else surfacing from the
// manager is a system error (transport, I/O) and is reported to clients as
// a generic server_error.
var (
	ErrChatNotRegistered = errors.New("chat not registered")
	ErrConfigNotFound    = errors.New("config not found")
	ErrSessionNotFound   = errors.New("session not found")
)

// IsBusinessError reports whether err belongs to the closed business set.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrChatNotRegistered) ||
		errors.Is(err, ErrConfigNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}
