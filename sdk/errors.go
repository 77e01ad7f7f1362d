package sdk

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOptions is returned by Spawn when option validation fails.
	ErrInvalidOptions = errors.New("invalid options")
	// ErrCLINotFound is returned when the CLI entrypoint cannot be resolved.
	ErrCLINotFound = errors.New("claude CLI not found")
	// ErrTransportStopped is observed by callers blocked on a transport that
	// has shut down; pending control replies resolve to it.
	ErrTransportStopped = errors.New("transport stopped")
	// ErrNoHandshake is returned by ServerInfo on oneshot transports, which
	// never perform the initialize handshake.
	ErrNoHandshake = errors.New("no initialize handshake in oneshot mode")
	// ErrInfoPending is returned by ServerInfo before the handshake completes.
	ErrInfoPending = errors.New("server info not yet available")
	// ErrNotStreaming is returned when user input is sent to a oneshot transport.
	ErrNotStreaming = errors.New("transport has no input stream")
)

// StopReason records why a transport shut down.
type StopReason int

const (
	StopNone StopReason = iota
	// StopNoMoreOutput: child stdout reached EOF.
	StopNoMoreOutput
	// StopInvalidFrame: stdout produced an unreadable frame (scanner failure).
	StopInvalidFrame
	// StopDecodeFailed: a stdout frame was not valid JSON.
	StopDecodeFailed
	// StopWriteFailed: writing to child stdin failed.
	StopWriteFailed
	// StopParseControlRequest: an inbound control_request could not be decoded.
	StopParseControlRequest
	// StopUserStop: explicit stop requested by the owner.
	StopUserStop
	// StopChildExited: the child process exited on its own.
	StopChildExited
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopNoMoreOutput:
		return "no_more_output"
	case StopInvalidFrame:
		return "invalid_frame"
	case StopDecodeFailed:
		return "decode_failed"
	case StopWriteFailed:
		return "write_failed"
	case StopParseControlRequest:
		return "parse_control_request"
	case StopUserStop:
		return "user_stop"
	case StopChildExited:
		return "child_exited"
	default:
		return fmt.Sprintf("stop_reason(%d)", int(r))
	}
}

// Abnormal reports whether the reason represents a failure the subscriber
// should hear about, as opposed to a deliberate or natural shutdown.
func (r StopReason) Abnormal() bool {
	switch r {
	case StopInvalidFrame, StopDecodeFailed, StopWriteFailed, StopParseControlRequest, StopChildExited:
		return true
	default:
		return false
	}
}

// ControlError is an error response to a host-issued control request.
type ControlError struct {
	RequestID string
	Message   string
}

func (e *ControlError) Error() string {
	return fmt.Sprintf("control request %s failed: %s", e.RequestID, e.Message)
}
